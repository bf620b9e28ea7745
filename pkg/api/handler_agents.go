package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

// AgentInfo is one role catalog entry.
type AgentInfo struct {
	Key            string   `json:"key"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Model          string   `json:"model"`
	Temperature    float64  `json:"temperature"`
	EnableThinking bool     `json:"enable_thinking"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	Multimodal     bool     `json:"multimodal"`
}

// listAgents handles GET /api/agents, returning the role catalog sorted by
// key.
func (s *Server) listAgents(c *gin.Context) {
	roles := s.roles.All()

	out := make([]AgentInfo, 0, len(roles))
	for key, role := range roles {
		out = append(out, AgentInfo{
			Key:            key,
			Name:           role.Name,
			Description:    role.Description,
			Model:          role.Model,
			Temperature:    role.Temperature,
			EnableThinking: role.EnableThinking,
			AllowedTools:   role.AllowedTools,
			Multimodal:     role.Multimodal,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	c.JSON(http.StatusOK, out)
}

package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListAgents(t *testing.T) {
	f := newServerFixture(t, fixtureOptions{})

	rec := f.do(t, http.MethodGet, "/api/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var agents []AgentInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	require.NotEmpty(t, agents)

	keys := make([]string, 0, len(agents))
	byKey := make(map[string]AgentInfo, len(agents))
	for _, a := range agents {
		keys = append(keys, a.Key)
		byKey[a.Key] = a
	}
	assert.True(t, sort.StringsAreSorted(keys))

	searcher, ok := byKey["searcher"]
	require.True(t, ok)
	assert.Equal(t, "qwen3-max", searcher.Model)
	assert.False(t, searcher.Multimodal)

	t2i, ok := byKey["text_to_image"]
	require.True(t, ok)
	assert.True(t, t2i.Multimodal)
}

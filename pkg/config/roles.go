package config

import (
	"fmt"
	"sort"
	"sync"
)

// Role defines a worker specialization: its prompt, tool entitlements, and
// model settings. Roles are looked up by plan agent_type.
type Role struct {
	Key          string `yaml:"-"`
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	SystemPrompt string `yaml:"system_prompt"`

	// AllowedTools are logical capability names. The worker maps them to
	// native model flags or sandbox function tools at request time.
	AllowedTools []string `yaml:"allowed_tools"`

	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	EnableThinking bool    `yaml:"enable_thinking"`

	// MinOutputChars is a soft output-length floor stated in the prompt.
	MinOutputChars int `yaml:"min_output_chars"`

	// Multimodal roles bypass the chat loop and call generation APIs.
	Multimodal bool           `yaml:"multimodal"`
	Media      *MediaSettings `yaml:"media,omitempty"`
}

// MediaSettings configures a multimodal generator role.
type MediaSettings struct {
	Model        string `yaml:"model"`
	Size         string `yaml:"size,omitempty"`     // image/video resolution
	Duration     int    `yaml:"duration,omitempty"` // video seconds
	Voice        string `yaml:"voice,omitempty"`    // speech voice
	Format       string `yaml:"format,omitempty"`   // audio format
	PromptExtend bool   `yaml:"prompt_extend,omitempty"`
}

// RoleOverride is the user-facing YAML shape for overriding a built-in role
// or defining a new one. Zero values keep the built-in setting.
type RoleOverride struct {
	Name           string         `yaml:"name,omitempty"`
	Description    string         `yaml:"description,omitempty"`
	SystemPrompt   string         `yaml:"system_prompt,omitempty"`
	AllowedTools   []string       `yaml:"allowed_tools,omitempty"`
	Model          string         `yaml:"model,omitempty"`
	Temperature    *float64       `yaml:"temperature,omitempty"`
	EnableThinking *bool          `yaml:"enable_thinking,omitempty"`
	MinOutputChars *int           `yaml:"min_output_chars,omitempty"`
	Media          *MediaSettings `yaml:"media,omitempty"`
}

// RoleRegistry stores roles in memory with thread-safe access.
type RoleRegistry struct {
	roles map[string]*Role
	mu    sync.RWMutex
}

// NewRoleRegistry creates a registry from the given role map.
func NewRoleRegistry(roles map[string]*Role) *RoleRegistry {
	copied := make(map[string]*Role, len(roles))
	for k, v := range roles {
		copied[k] = v
	}
	return &RoleRegistry{roles: copied}
}

// Get retrieves a role by key.
func (r *RoleRegistry) Get(key string) (*Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.roles[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, key)
	}
	return role, nil
}

// Resolve retrieves a role by key, substituting the fallback role for
// unknown keys. The bool reports whether the original key was known.
func (r *RoleRegistry) Resolve(key, fallback string) (*Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if role, ok := r.roles[key]; ok {
		return role, true
	}
	if role, ok := r.roles[fallback]; ok {
		return role, false
	}
	return nil, false
}

// Has checks whether a role exists.
func (r *RoleRegistry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[key]
	return ok
}

// All returns a copy of the role map.
func (r *RoleRegistry) All() map[string]*Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Role, len(r.roles))
	for k, v := range r.roles {
		out[k] = v
	}
	return out
}

// Keys returns sorted role keys.
func (r *RoleRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.roles))
	for k := range r.roles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of roles.
func (r *RoleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roles)
}

// BuiltinRoles returns the built-in role table. Model assignments pin each
// role to the model that benchmarked best for it; third-party models route
// web and code capabilities through the sandbox tools because the provider's
// native flags only work on its own model family.
func BuiltinRoles() map[string]*Role {
	roles := map[string]*Role{
		"searcher": {
			Name:        "Searcher",
			Description: "Finds current, relevant information on the web",
			SystemPrompt: "You are a web research specialist. Run focused searches, open the most " +
				"promising results, and extract the facts that answer the task. Prefer primary and " +
				"recent sources. For every fact you keep, record the source URL. Output a structured " +
				"list of findings, each with its source.",
			AllowedTools: []string{"web_search", "web_extractor"},
			Model:        "qwen3-max",
			Temperature:  0.3,
		},
		"researcher": {
			Name:        "Researcher",
			Description: "Deep investigation combining search with reasoning",
			SystemPrompt: "You are a research analyst. Investigate the task from several angles, " +
				"cross-check claims across sources, and distinguish established facts from open " +
				"questions. Cite the source for every non-obvious claim. Deliver a structured brief.",
			AllowedTools:   []string{"web_search", "web_extractor"},
			Model:          "deepseek-r1",
			Temperature:    0.5,
			EnableThinking: true,
			MinOutputChars: 500,
		},
		"fact_checker": {
			Name:        "Fact Checker",
			Description: "Verifies claims against independent sources",
			SystemPrompt: "You are a fact checker. For each claim in the input, find independent " +
				"corroborating or contradicting sources. Mark every claim as confirmed, refuted, or " +
				"unverifiable, and include the evidence with URLs. Never soften a refutation.",
			AllowedTools:   []string{"web_search", "web_extractor"},
			Model:          "deepseek-r1",
			Temperature:    0.2,
			EnableThinking: true,
		},
		"analyst": {
			Name:        "Analyst",
			Description: "Quantitative analysis and data interpretation",
			SystemPrompt: "You are a data analyst. Break the problem into measurable questions, run " +
				"computations where numbers are involved rather than estimating, and state the " +
				"assumptions behind every figure. Present findings with the supporting data.",
			AllowedTools:   []string{"web_search", "code_execution", "data_analysis"},
			Model:          "glm-4.7",
			Temperature:    0.5,
			EnableThinking: true,
			MinOutputChars: 500,
		},
		"writer": {
			Name:        "Writer",
			Description: "Long-form composition from upstream material",
			SystemPrompt: "You are a professional writer. Compose the requested document from the " +
				"supplied material: clear structure, informative headings, concrete statements over " +
				"filler. Preserve citations from upstream results. Write the full document, not an " +
				"outline.",
			Model:          "glm-4.7",
			Temperature:    0.7,
			EnableThinking: true,
			MinOutputChars: 800,
		},
		"coder": {
			Name:        "Coder",
			Description: "Writes and verifies code",
			SystemPrompt: "You are a software engineer. Write complete, runnable code for the task " +
				"and verify it by executing it when an interpreter is available. Prefix each file " +
				"with a '# file: <path>' marker line. Report what you ran and what it produced.",
			AllowedTools: []string{"code_interpreter", "code_execution", "code_review", "file_operations"},
			Model:        "glm-4.7",
			Temperature:  0.1,
		},
		"translator": {
			Name:        "Translator",
			Description: "Translation preserving register and terminology",
			SystemPrompt: "You are a professional translator. Translate the input faithfully, " +
				"preserving tone, register, and domain terminology. Look up terms you are unsure " +
				"about. Output only the translation.",
			AllowedTools: []string{"web_search"},
			Model:        "kimi-k2.5",
			Temperature:  0.2,
		},
		"summarizer": {
			Name:        "Summarizer",
			Description: "Condenses upstream outputs",
			SystemPrompt: "You are a summarization specialist. Condense the supplied material into " +
				"its essential points without losing numbers, names, or caveats. Keep source " +
				"attributions intact.",
			Model:          "kimi-k2.5",
			Temperature:    0.4,
			MinOutputChars: 300,
		},
		"creative": {
			Name:        "Creative",
			Description: "Original creative writing",
			SystemPrompt: "You are a creative writer. Produce original, vivid writing for the task. " +
				"Honor any constraints on form, length, and audience given in the task.",
			Model:          "glm-4.7",
			Temperature:    0.8,
			EnableThinking: true,
			MinOutputChars: 600,
		},
		"image_analyst": {
			Name:        "Image Analyst",
			Description: "Describes and interprets images",
			SystemPrompt: "You are an image analyst. Describe the supplied images precisely: " +
				"subjects, composition, text content, and anything anomalous. Answer the task's " +
				"questions about them directly.",
			Model:       "qwen3-vl-plus",
			Temperature: 0.2,
		},
		"text_to_image": {
			Name:        "Image Generator",
			Description: "Generates images from text prompts",
			Multimodal:  true,
			Temperature: 0.7,
			Media: &MediaSettings{
				Model:        "wanx2.1-t2i-turbo",
				Size:         "1024*1024",
				PromptExtend: true,
			},
		},
		"text_to_video": {
			Name:        "Video Generator",
			Description: "Generates video clips from text prompts",
			Multimodal:  true,
			Media: &MediaSettings{
				Model:    "wanx2.1-t2v-turbo",
				Size:     "1280*720",
				Duration: 5,
			},
		},
		"image_to_video": {
			Name:        "Image Animator",
			Description: "Animates a still image into a video clip",
			Multimodal:  true,
			Media: &MediaSettings{
				Model:    "wanx2.1-i2v-turbo",
				Duration: 5,
			},
		},
		"voice_synthesizer": {
			Name:        "Voice Synthesizer",
			Description: "Synthesizes speech from text",
			Multimodal:  true,
			Temperature: 0.5,
			Media: &MediaSettings{
				Model:  "cosyvoice-v1",
				Voice:  "longxiaochun",
				Format: "mp3",
			},
		},
	}

	for key, role := range roles {
		role.Key = key
	}
	return roles
}

// mergeRoles merges user overrides onto the built-in role table. Overrides
// for unknown keys define new roles.
func mergeRoles(builtin map[string]*Role, overrides map[string]RoleOverride) map[string]*Role {
	result := make(map[string]*Role, len(builtin))
	for key, role := range builtin {
		roleCopy := *role
		result[key] = &roleCopy
	}

	for key, o := range overrides {
		role, ok := result[key]
		if !ok {
			role = &Role{Key: key}
			result[key] = role
		}
		if o.Name != "" {
			role.Name = o.Name
		}
		if o.Description != "" {
			role.Description = o.Description
		}
		if o.SystemPrompt != "" {
			role.SystemPrompt = o.SystemPrompt
		}
		if o.AllowedTools != nil {
			role.AllowedTools = o.AllowedTools
		}
		if o.Model != "" {
			role.Model = o.Model
		}
		if o.Temperature != nil {
			role.Temperature = *o.Temperature
		}
		if o.EnableThinking != nil {
			role.EnableThinking = *o.EnableThinking
		}
		if o.MinOutputChars != nil {
			role.MinOutputChars = *o.MinOutputChars
		}
		if o.Media != nil {
			role.Media = o.Media
			role.Multimodal = true
		}
	}

	return result
}

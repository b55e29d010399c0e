package models

import (
	"log"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultAgentID is the literal id the router falls back to when a message
// carries no recognised prefix.
const DefaultAgentID = "default"

// Agent is a configured invocation target.
type Agent struct {
	ID               string `json:"-"`
	Name             string `json:"name"`
	Provider         string `json:"provider"` // anthropic, openai, opencode, ollama, openai-compatible
	Model            string `json:"model"`
	WorkingDirectory string `json:"working_directory"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
	PromptFile       string `json:"prompt_file,omitempty"`
}

// Team is a named group of agents with one designated leader.
type Team struct {
	ID          string   `json:"-"`
	Name        string   `json:"name"`
	Agents      []string `json:"agents"`
	LeaderAgent string   `json:"leader_agent"`
}

// HasMember reports whether agentID belongs to the team.
func (t Team) HasMember(agentID string) bool {
	return slices.Contains(t.Agents, agentID)
}

// WorkspaceSettings locates the directory holding per-agent working dirs.
type WorkspaceSettings struct {
	Path string `json:"path,omitempty"`
	Name string `json:"name,omitempty"`
}

// ModelChoice is the model selected for one provider.
type ModelChoice struct {
	Model string `json:"model,omitempty"`
}

// ModelSettings picks the provider and model of the synthesized default agent.
type ModelSettings struct {
	Provider  string      `json:"provider,omitempty"`
	Anthropic ModelChoice `json:"anthropic,omitempty"`
	OpenAI    ModelChoice `json:"openai,omitempty"`
	Opencode  ModelChoice `json:"opencode,omitempty"`
	Ollama    ModelChoice `json:"ollama,omitempty"`
}

// Settings is the typed view of the settings file. Unknown top-level keys
// (channel credentials, monitoring, ...) are preserved by the settings store
// and ignored here.
type Settings struct {
	Workspace WorkspaceSettings `json:"workspace"`
	Models    ModelSettings     `json:"models"`
	Agents    *Ordered[Agent]   `json:"agents,omitempty"`
	Teams     *Ordered[Team]    `json:"teams,omitempty"`
}

// Registry is the read-only agent and team view handed to the router and
// the dispatcher. It is rebuilt whenever settings change and never mutated.
type Registry struct {
	Workspace string
	Agents    *Ordered[Agent]
	Teams     *Ordered[Team]
}

// NewRegistry builds a registry from settings. When no agents are configured
// a single "default" agent is synthesized from the models section. Teams
// whose leader is not one of their members are skipped.
func NewRegistry(s *Settings, defaultWorkspace string) *Registry {
	if s == nil {
		s = &Settings{}
	}

	workspace := s.Workspace.Path
	if workspace == "" {
		workspace = defaultWorkspace
	}

	reg := &Registry{
		Workspace: workspace,
		Agents:    NewOrdered[Agent](),
		Teams:     NewOrdered[Team](),
	}

	s.Agents.Each(func(id string, a Agent) bool {
		a.ID = id
		if a.Name == "" {
			a.Name = id
		}
		if a.Provider == "" {
			a.Provider = providerOrDefault(s.Models.Provider)
		}
		if a.WorkingDirectory == "" {
			a.WorkingDirectory = filepath.Join(workspace, id)
		}
		reg.Agents.Set(id, a)
		return true
	})

	if reg.Agents.Len() == 0 {
		provider := providerOrDefault(s.Models.Provider)
		reg.Agents.Set(DefaultAgentID, Agent{
			ID:               DefaultAgentID,
			Name:             "Default",
			Provider:         provider,
			Model:            s.Models.modelFor(provider),
			WorkingDirectory: filepath.Join(workspace, DefaultAgentID),
		})
	}

	s.Teams.Each(func(id string, t Team) bool {
		t.ID = id
		if t.Name == "" {
			t.Name = id
		}
		if !t.HasMember(t.LeaderAgent) {
			log.Printf("[Settings] Warning: skipping team %s: leader %q is not a member", id, t.LeaderAgent)
			return true
		}
		reg.Teams.Set(id, t)
		return true
	})

	return reg
}

// Agent looks up an agent by id.
func (r *Registry) Agent(id string) (Agent, bool) {
	return r.Agents.Get(id)
}

// Team looks up a team by id.
func (r *Registry) Team(id string) (Team, bool) {
	return r.Teams.Get(id)
}

// FirstAgentID returns the first agent in stable registry order.
func (r *Registry) FirstAgentID() string {
	keys := r.Agents.Keys()
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

// ResetFlagPath is the file whose presence makes the next invocation of
// agentID start a fresh session.
func (r *Registry) ResetFlagPath(agentID string) string {
	return filepath.Join(r.Workspace, agentID, "reset_flag")
}

func providerOrDefault(p string) string {
	p = strings.TrimSpace(strings.ToLower(p))
	if p == "" {
		return "anthropic"
	}
	return p
}

func (m ModelSettings) modelFor(provider string) string {
	switch provider {
	case "openai":
		return m.OpenAI.Model
	case "opencode":
		return m.Opencode.Model
	case "ollama":
		return m.Ollama.Model
	default:
		if m.Anthropic.Model == "" {
			return "sonnet"
		}
		return m.Anthropic.Model
	}
}

package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jordanhubbard/tinyloom/pkg/models"
)

// SystemPrompt combines the agent's own prompt (inline or prompt_file) with
// the roster of every team it belongs to.
func SystemPrompt(agent models.Agent, reg *models.Registry) (string, error) {
	var parts []string

	if agent.PromptFile != "" {
		path := agent.PromptFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(agent.WorkingDirectory, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read prompt file for %s: %w", agent.ID, err)
		}
		parts = append(parts, strings.TrimSpace(string(data)))
	} else if agent.SystemPrompt != "" {
		parts = append(parts, agent.SystemPrompt)
	}

	if roster := TeamRoster(agent.ID, reg); roster != "" {
		parts = append(parts, roster)
	}
	return strings.Join(parts, "\n\n"), nil
}

// TeamRoster describes the teams agentID belongs to and how to delegate.
// It returns "" for an agent in no team.
func TeamRoster(agentID string, reg *models.Registry) string {
	if reg == nil {
		return ""
	}

	var b strings.Builder
	reg.Teams.Each(func(_ string, t models.Team) bool {
		if !t.HasMember(agentID) {
			return true
		}
		if b.Len() == 0 {
			b.WriteString("## Team collaboration\n")
		}
		fmt.Fprintf(&b, "\nYou are a member of team @%s (%s). Teammates:\n", t.ID, t.Name)
		for _, id := range t.Agents {
			if id == agentID {
				continue
			}
			a, ok := reg.Agent(id)
			if !ok {
				continue
			}
			role := ""
			if id == t.LeaderAgent {
				role = " (leader)"
			}
			fmt.Fprintf(&b, "- @%s: %s%s\n", id, a.Name, role)
		}
		return true
	})
	if b.Len() == 0 {
		return ""
	}

	b.WriteString("\nTo hand work to a teammate, include [@teammate_id: message] in your reply. ")
	b.WriteString("Several tags reach several teammates in parallel, and their replies come back to you. ")
	b.WriteString("To attach a file for the user, include [send_file: /absolute/path].")
	return b.String()
}

// Package routing resolves message addressing against the agent/team
// registry and parses the inline tags agents use to delegate and attach files.
// Everything here is pure: no I/O except the existence check in CollectFiles.
package routing

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/jordanhubbard/tinyloom/pkg/models"
)

// Result is the outcome of routing one external message.
type Result struct {
	TargetID  string   // agent to invoke before fallback
	Body      string   // text handed to the agent
	IsTeam    bool     // the prefix named a team; TargetID is its leader
	Ambiguous bool     // two or more distinct valid leading mentions
	Mentioned []string // valid ids found in the leading mention run
}

// Route parses an optional "@id" prefix. A team id routes to the team leader,
// an agent id to that agent. Anything else routes to the literal "default"
// id with the whole text as body. Two or more distinct valid ids in the
// leading mention run make the message Ambiguous.
func Route(text string, reg *models.Registry) Result {
	tokens, rest := leadingMentions(text)
	if len(tokens) == 0 {
		return Result{TargetID: models.DefaultAgentID, Body: text}
	}

	valid := validMentions(tokens, reg)
	if len(valid) >= 2 {
		return Result{Ambiguous: true, Mentioned: valid, Body: AmbiguousReply(valid)}
	}

	target, isTeam, ok := resolveID(tokens[0], reg)
	if !ok {
		return Result{TargetID: models.DefaultAgentID, Body: text, Mentioned: valid}
	}
	return Result{TargetID: target, Body: rest, IsTeam: isTeam, Mentioned: valid}
}

// Peek returns the target Route would pick without building the body. For an
// ambiguous message it returns the first valid mentioned target, which only
// matters for scheduling since such messages are never invoked.
func Peek(text string, reg *models.Registry) string {
	tokens, _ := leadingMentions(text)
	if len(tokens) == 0 {
		return models.DefaultAgentID
	}
	if valid := validMentions(tokens, reg); len(valid) >= 2 {
		target, _, _ := resolveID(valid[0], reg)
		return target
	}
	if target, _, ok := resolveID(tokens[0], reg); ok {
		return target
	}
	return models.DefaultAgentID
}

// ResolveAgent applies the fallback chain: id itself if it is a live agent,
// else "default", else the first agent in registry order. It returns "" only
// for an empty registry.
func ResolveAgent(id string, reg *models.Registry) string {
	if reg.Agents.Has(id) {
		return id
	}
	if reg.Agents.Has(models.DefaultAgentID) {
		return models.DefaultAgentID
	}
	return reg.FirstAgentID()
}

// AmbiguousReply is the fixed text sent back when a message addresses more
// than one agent or team at once.
func AmbiguousReply(ids []string) string {
	mentions := make([]string, len(ids))
	for i, id := range ids {
		mentions[i] = "@" + id
	}
	return fmt.Sprintf("You mentioned multiple agents or teams (%s). "+
		"Please address one at a time, e.g. `@%s your message`. "+
		"Inside a team, the leader can bring teammates in with [@teammate: message].",
		strings.Join(mentions, ", "), ids[0])
}

// leadingMentions splits the leading "@id" run off text. Each token must be
// followed by whitespace. rest is what follows the first token and its
// whitespace, i.e. the body if the first token resolves.
func leadingMentions(text string) (tokens []string, rest string) {
	s := text
	first := true
	for strings.HasPrefix(s, "@") {
		end := strings.IndexFunc(s, unicode.IsSpace)
		if end <= 1 {
			break
		}
		tokens = append(tokens, s[1:end])
		s = strings.TrimLeftFunc(s[end:], unicode.IsSpace)
		if first {
			rest = s
			first = false
		}
	}
	return tokens, rest
}

// validMentions returns the distinct ids among tokens that name a team or an
// agent, in order of first appearance.
func validMentions(tokens []string, reg *models.Registry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range tokens {
		id, ok := canonicalID(tok, reg)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// canonicalID matches an identifier against team and agent ids, exactly
// first and then case-insensitively.
func canonicalID(tok string, reg *models.Registry) (string, bool) {
	if reg.Teams.Has(tok) || reg.Agents.Has(tok) {
		return tok, true
	}
	lower := strings.ToLower(tok)
	if reg.Teams.Has(lower) || reg.Agents.Has(lower) {
		return lower, true
	}
	return "", false
}

func resolveID(tok string, reg *models.Registry) (target string, isTeam bool, ok bool) {
	id, ok := canonicalID(tok, reg)
	if !ok {
		return "", false, false
	}
	if team, ok := reg.Team(id); ok {
		return team.LeaderAgent, true, true
	}
	return id, false, true
}

package routing

import (
	"testing"

	"github.com/jordanhubbard/tinyloom/pkg/models"
)

func testRegistry(agentIDs []string, teams map[string]models.Team) *models.Registry {
	reg := &models.Registry{
		Workspace: "/ws",
		Agents:    models.NewOrdered[models.Agent](),
		Teams:     models.NewOrdered[models.Team](),
	}
	for _, id := range agentIDs {
		reg.Agents.Set(id, models.Agent{ID: id, Name: id, Provider: "anthropic"})
	}
	for id, t := range teams {
		t.ID = id
		reg.Teams.Set(id, t)
	}
	return reg
}

func supportRegistry() *models.Registry {
	return testRegistry(
		[]string{"default", "alice", "bob", "carol"},
		map[string]models.Team{
			"support": {Name: "Support", Agents: []string{"alice", "bob"}, LeaderAgent: "alice"},
		},
	)
}

func TestRoute(t *testing.T) {
	reg := supportRegistry()

	tests := []struct {
		name       string
		text       string
		wantTarget string
		wantBody   string
		wantTeam   bool
		wantAmbig  bool
	}{
		{"no prefix", "hello there", "default", "hello there", false, false},
		{"agent prefix", "@bob check the logs", "bob", "check the logs", false, false},
		{"team prefix", "@support please investigate", "alice", "please investigate", true, false},
		{"case insensitive", "@BOB hi", "bob", "hi", false, false},
		{"unknown prefix keeps full text", "@nobody hi", "default", "@nobody hi", false, false},
		{"prefix without whitespace", "@bob", "default", "@bob", false, false},
		{"multi-line body", "@bob line1\nline2", "bob", "line1\nline2", false, false},
		{"two agents", "@alice @bob hi", "", "", false, true},
		{"agent and team", "@support @carol hi", "", "", false, true},
		{"same agent twice", "@bob @bob hi", "bob", "@bob hi", false, false},
		{"invalid then valid", "@nobody @bob hi", "default", "@nobody @bob hi", false, false},
		{"mention not leading", "hi @alice and @bob", "default", "hi @alice and @bob", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Route(tt.text, reg)
			if got.Ambiguous != tt.wantAmbig {
				t.Fatalf("Ambiguous = %v, want %v", got.Ambiguous, tt.wantAmbig)
			}
			if tt.wantAmbig {
				if got.Body == "" {
					t.Error("ambiguous result should carry the fixed reply")
				}
				return
			}
			if got.TargetID != tt.wantTarget {
				t.Errorf("TargetID = %q, want %q", got.TargetID, tt.wantTarget)
			}
			if got.Body != tt.wantBody {
				t.Errorf("Body = %q, want %q", got.Body, tt.wantBody)
			}
			if got.IsTeam != tt.wantTeam {
				t.Errorf("IsTeam = %v, want %v", got.IsTeam, tt.wantTeam)
			}
		})
	}
}

func TestPeekAgreesWithRoute(t *testing.T) {
	reg := supportRegistry()
	inputs := []string{
		"", "plain", "@alice x", "@support y", "@SUPPORT y", "@ghost z", "@bob", "@bob\tz",
		"@bob @bob again", "@nobody @alice q", "  @alice leading space",
	}
	for _, in := range inputs {
		r := Route(in, reg)
		if r.Ambiguous {
			continue
		}
		if p := Peek(in, reg); p != r.TargetID {
			t.Errorf("Peek(%q) = %q, Route target = %q", in, p, r.TargetID)
		}
	}
}

func TestResolveAgent_FallbackChain(t *testing.T) {
	withDefault := testRegistry([]string{"a1", "default"}, nil)
	if got := ResolveAgent("ghost", withDefault); got != "default" {
		t.Errorf("got %q, want default", got)
	}
	if got := ResolveAgent("a1", withDefault); got != "a1" {
		t.Errorf("got %q, want a1", got)
	}

	noDefault := testRegistry([]string{"a1", "a2"}, nil)
	r := Route("no prefix here", noDefault)
	if got := ResolveAgent(r.TargetID, noDefault); got != "a1" {
		t.Errorf("got %q, want a1 (first in registry order)", got)
	}
}

func TestTeamContext(t *testing.T) {
	reg := testRegistry(
		[]string{"alice", "bob"},
		nil,
	)
	reg.Teams.Set("ops", models.Team{ID: "ops", Name: "Ops", Agents: []string{"alice", "bob"}, LeaderAgent: "bob"})
	reg.Teams.Set("dev", models.Team{ID: "dev", Name: "Dev", Agents: []string{"alice"}, LeaderAgent: "alice"})

	team, ok := TeamContext("alice", true, reg)
	if !ok || team.ID != "dev" {
		t.Errorf("team-routed alice should land in the team she leads, got %q", team.ID)
	}

	team, ok = TeamContext("alice", false, reg)
	if !ok || team.ID != "ops" {
		t.Errorf("direct alice should land in first membership, got %q", team.ID)
	}

	if _, ok := TeamContext("carol", false, reg); ok {
		t.Error("carol is in no team")
	}
}

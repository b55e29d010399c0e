package conversation

import (
	"strings"
	"sync"
	"testing"

	"github.com/jordanhubbard/tinyloom/pkg/models"
)

func TestAggregate(t *testing.T) {
	if got := Aggregate([]Step{{AgentID: "a", Text: "only"}}); got != "only" {
		t.Errorf("single response should pass through verbatim, got %q", got)
	}

	got := Aggregate([]Step{{AgentID: "alice", Text: "one"}, {AgentID: "bob", Text: "two"}})
	want := "@alice: one\n\n------\n\n@bob: two"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestConversation_FanOutAndClose(t *testing.T) {
	table := NewTable()
	team := models.Team{ID: "dev", Name: "Dev", Agents: []string{"lead", "a", "b"}, LeaderAgent: "lead"}
	c := table.Start("m1", "web", "Ann", "", "@dev build it", team, 50)

	if !strings.HasPrefix(c.ID, "m1_") {
		t.Errorf("unexpected conversation id %q", c.ID)
	}
	if c.Pending() != 1 {
		t.Fatalf("new conversation should have one pending branch, got %d", c.Pending())
	}

	c.Lock()
	c.Record("lead", "[@a: x] [@b: y]", nil)
	c.OpenBranch("lead")
	c.OpenBranch("lead")
	done := c.CloseBranch()
	c.Unlock()
	if done || c.Pending() != 2 {
		t.Fatalf("expected two pending branches, got %d (done=%v)", c.Pending(), done)
	}

	c.Lock()
	c.Record("a", "done a", []string{"/tmp/x.txt"})
	first := c.CloseBranch()
	c.Record("b", "done b", []string{"/tmp/x.txt", "/tmp/y.txt"})
	second := c.CloseBranch()
	c.Unlock()

	if first || !second {
		t.Errorf("only the last close should complete: first=%v second=%v", first, second)
	}
	if c.TotalMessages() != 3 {
		t.Errorf("expected 3 messages, got %d", c.TotalMessages())
	}
	if files := c.Files(); len(files) != 2 || files[0] != "/tmp/x.txt" {
		t.Errorf("files should be deduplicated in first-seen order, got %v", files)
	}
	if got := c.Summarize().OutgoingMentions["lead"]; got != 2 {
		t.Errorf("expected 2 outgoing mentions from lead, got %d", got)
	}
	if c.CloseBranch() {
		t.Error("completion must fire only once")
	}
}

func TestConversation_CanFanOut(t *testing.T) {
	c := NewTable().Start("m", "web", "Ann", "", "", models.Team{}, 2)
	c.Record("a", "1", nil)
	if !c.CanFanOut() {
		t.Error("expected fan-out below the cap")
	}
	c.Record("b", "2", nil)
	if c.CanFanOut() {
		t.Error("expected fan-out to stop at the cap")
	}
}

func TestConversation_ConcurrentBranches(t *testing.T) {
	c := NewTable().Start("m", "web", "Ann", "", "", models.Team{}, 1000)
	c.Lock()
	for i := 0; i < 99; i++ {
		c.OpenBranch("lead")
	}
	c.Unlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	completions := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Lock()
			c.Record("x", "r", nil)
			done := c.CloseBranch()
			c.Unlock()
			if done {
				mu.Lock()
				completions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if completions != 1 {
		t.Errorf("expected exactly one completion, got %d", completions)
	}
	if c.TotalMessages() != 100 {
		t.Errorf("expected 100 recorded responses, got %d", c.TotalMessages())
	}
}

func TestSiblingNote(t *testing.T) {
	got := SiblingNote(2)
	if !strings.HasPrefix(got, Divider+"[2 other teammate response(s)") {
		t.Errorf("unexpected note %q", got)
	}
}

func TestTable(t *testing.T) {
	table := NewTable()
	a := table.Start("m", "web", "Ann", "", "", models.Team{ID: "dev"}, 50)
	b := table.Start("m", "web", "Ann", "", "", models.Team{ID: "dev"}, 50)
	if a.ID == b.ID {
		t.Fatalf("conversation ids must be unique, both %q", a.ID)
	}
	if table.Len() != 2 {
		t.Errorf("expected 2 conversations, got %d", table.Len())
	}
	if got, ok := table.Get(a.ID); !ok || got != a {
		t.Error("Get did not return the started conversation")
	}
	if list := table.List(); len(list) != 2 || list[0].TeamID != "dev" {
		t.Errorf("unexpected list %+v", list)
	}
	table.Remove(a.ID)
	if _, ok := table.Get(a.ID); ok {
		t.Error("removed conversation still present")
	}
}

func TestConversation_ReopenUndoesFinalBranch(t *testing.T) {
	c := NewTable().Start("m", "web", "Ann", "", "", models.Team{ID: "dev"}, 50)

	c.Lock()
	c.Record("lead", "[@a: go]", []string{"/tmp/x.txt"})
	c.OpenBranch("lead")
	c.CloseBranch()
	c.Record("a", "done", []string{"/tmp/x.txt", "/tmp/y.txt"})
	if !c.CloseBranch() {
		t.Fatal("last branch should complete")
	}
	c.Reopen()
	c.Unlock()

	if c.Pending() != 1 || c.TotalMessages() != 1 {
		t.Errorf("expected one pending branch and one message, got %d and %d", c.Pending(), c.TotalMessages())
	}
	if steps := c.Responses(); len(steps) != 1 || steps[0].AgentID != "lead" {
		t.Errorf("reopen should drop only the final step, got %+v", steps)
	}
	if files := c.Files(); len(files) != 1 || files[0] != "/tmp/x.txt" {
		t.Errorf("reopen should drop files the final step introduced, got %v", files)
	}

	c.Lock()
	c.Record("a", "done", []string{"/tmp/y.txt"})
	done := c.CloseBranch()
	c.Unlock()
	if !done {
		t.Error("retried branch should complete the conversation again")
	}
	if files := c.Files(); len(files) != 2 {
		t.Errorf("retry should re-add its files, got %v", files)
	}
}

func TestConversation_Annotate(t *testing.T) {
	c := NewTable().Start("m", "web", "Ann", "", "", models.Team{}, 50)
	c.Lock()
	c.Annotate("ignored")
	c.Record("lead", "hi", nil)
	c.Annotate(UndeliveredNote([]string{"a", "b"}))
	c.Unlock()

	want := "hi\n\n[Could not reach @a, @b: the message could not be delivered.]"
	if got := c.Responses()[0].Text; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

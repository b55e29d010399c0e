// Package conversation tracks in-flight team conversations: the fan-out /
// fan-in aggregate that collects teammate responses until every branch has
// closed.
package conversation

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/tinyloom/pkg/models"
)

// Divider separates agent blocks in an aggregated reply.
const Divider = "\n\n------\n\n"

// Step is one recorded branch response.
type Step struct {
	AgentID string `json:"agentId"`
	Text    string `json:"response"`
}

// Conversation is one team interaction. The mutating methods require the
// caller to hold the conversation lock (Lock/Unlock) so that a branch's
// record, fan-out and close happen as one step.
type Conversation struct {
	mu sync.Mutex

	ID              string
	Channel         string
	Sender          string
	SenderID        string
	OriginalMessage string
	MessageID       string
	Team            models.Team
	StartTime       time.Time
	MaxMessages     int

	pending          int
	responses        []Step
	files            []string
	fileSet          map[string]bool
	totalMessages    int
	outgoingMentions map[string]int
	completed        bool
	lastNewFiles     int
}

// Lock acquires the conversation lock.
func (c *Conversation) Lock() { c.mu.Lock() }

// Unlock releases the conversation lock.
func (c *Conversation) Unlock() { c.mu.Unlock() }

// Record appends a branch response, counts it, and merges its file refs.
func (c *Conversation) Record(agentID, text string, files []string) {
	c.responses = append(c.responses, Step{AgentID: agentID, Text: text})
	c.totalMessages++
	before := len(c.files)
	c.AddFiles(files)
	c.lastNewFiles = len(c.files) - before
}

// Annotate appends note to the most recently recorded response.
func (c *Conversation) Annotate(note string) {
	if n := len(c.responses); n > 0 {
		c.responses[n-1].Text += note
	}
}

// AddFiles merges file references, keeping first-seen order.
func (c *Conversation) AddFiles(files []string) {
	if c.fileSet == nil {
		c.fileSet = make(map[string]bool)
	}
	for _, f := range files {
		if c.fileSet[f] {
			continue
		}
		c.fileSet[f] = true
		c.files = append(c.files, f)
	}
}

// CanFanOut reports whether new delegations may still be started.
func (c *Conversation) CanFanOut() bool {
	return c.totalMessages < c.MaxMessages
}

// OpenBranch counts one more outstanding branch started by fromAgent.
func (c *Conversation) OpenBranch(fromAgent string) {
	c.pending++
	if c.outgoingMentions == nil {
		c.outgoingMentions = make(map[string]int)
	}
	c.outgoingMentions[fromAgent]++
}

// CloseBranch decrements pending for the branch that just finished. It
// returns true exactly once: on the call that brings pending to zero.
func (c *Conversation) CloseBranch() bool {
	if c.pending <= 0 {
		log.Printf("[Conversation] Warning: %s closed a branch with nothing pending", c.ID)
		return false
	}
	c.pending--
	if c.pending == 0 && !c.completed {
		c.completed = true
		return true
	}
	return false
}

// Reopen undoes the last Record and the CloseBranch that completed the
// conversation, so the final branch can be retried after its reply could not
// be delivered. The recorded step and the files it introduced are dropped.
func (c *Conversation) Reopen() {
	if !c.completed || c.pending != 0 {
		log.Printf("[Conversation] Warning: %s reopened while not complete", c.ID)
		return
	}
	if n := len(c.responses); n > 0 {
		c.responses = c.responses[:n-1]
		c.totalMessages--
		for _, f := range c.files[len(c.files)-c.lastNewFiles:] {
			delete(c.fileSet, f)
		}
		c.files = c.files[:len(c.files)-c.lastNewFiles]
	}
	c.lastNewFiles = 0
	c.pending = 1
	c.completed = false
}

// Pending returns the number of outstanding branches.
func (c *Conversation) Pending() int { return c.pending }

// TotalMessages returns how many branches have been recorded.
func (c *Conversation) TotalMessages() int { return c.totalMessages }

// Responses returns a copy of the recorded steps in arrival order.
func (c *Conversation) Responses() []Step {
	return append([]Step(nil), c.responses...)
}

// Files returns a copy of the accumulated file references.
func (c *Conversation) Files() []string {
	return append([]string(nil), c.files...)
}

// Aggregate joins the responses: a single response verbatim, several as
// "@agent: text" blocks in arrival order separated by Divider.
func Aggregate(steps []Step) string {
	if len(steps) == 1 {
		return steps[0].Text
	}
	blocks := make([]string, len(steps))
	for i, s := range steps {
		blocks[i] = fmt.Sprintf("@%s: %s", s.AgentID, s.Text)
	}
	return strings.Join(blocks, Divider)
}

// SiblingNote is appended to a delegated message when other branches of the
// conversation are still outstanding.
func SiblingNote(others int) string {
	return fmt.Sprintf("%s[%d other teammate response(s) are still being processed and will be delivered when ready. Do not re-mention teammates who haven't responded yet.]", Divider, others)
}

// UndeliveredNote is appended to a response whose delegations to ids could
// not be queued.
func UndeliveredNote(ids []string) string {
	mentions := make([]string, len(ids))
	for i, id := range ids {
		mentions[i] = "@" + id
	}
	return fmt.Sprintf("\n\n[Could not reach %s: the message could not be delivered.]", strings.Join(mentions, ", "))
}

// Summary is a read-only view for status endpoints.
type Summary struct {
	ID            string    `json:"id"`
	TeamID        string    `json:"teamId"`
	Channel       string    `json:"channel"`
	Sender        string    `json:"sender"`
	Pending       int       `json:"pending"`
	TotalMessages int       `json:"totalMessages"`
	Responders    []string  `json:"responders"`
	StartTime     time.Time `json:"startTime"`

	// OutgoingMentions counts the delegations each agent issued.
	OutgoingMentions map[string]int `json:"outgoingMentions,omitempty"`
}

// Summarize snapshots the conversation under its lock.
func (c *Conversation) Summarize() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	responders := make([]string, len(c.responses))
	for i, s := range c.responses {
		responders[i] = s.AgentID
	}
	var mentions map[string]int
	if len(c.outgoingMentions) > 0 {
		mentions = make(map[string]int, len(c.outgoingMentions))
		for k, v := range c.outgoingMentions {
			mentions[k] = v
		}
	}
	return Summary{
		ID:            c.ID,
		TeamID:        c.Team.ID,
		Channel:       c.Channel,
		Sender:        c.Sender,
		Pending:       c.pending,
		TotalMessages: c.totalMessages,
		Responders:    responders,
		StartTime:     c.StartTime,

		OutgoingMentions: mentions,
	}
}

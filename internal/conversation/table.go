package conversation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/tinyloom/pkg/models"
)

// Table is the registry of active conversations. A conversation is present
// exactly while it has outstanding branches.
type Table struct {
	mu    sync.Mutex
	convs map[string]*Conversation
}

func NewTable() *Table {
	return &Table{convs: make(map[string]*Conversation)}
}

// Start registers a new conversation for an external message with one
// pending branch (the message itself) and returns it.
func (t *Table) Start(messageID, channel, sender, senderID, original string, team models.Team, maxMessages int) *Conversation {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	id := fmt.Sprintf("%s_%d", messageID, now.UnixMilli())
	for n := 1; t.convs[id] != nil; n++ {
		id = fmt.Sprintf("%s_%d_%d", messageID, now.UnixMilli(), n)
	}

	c := &Conversation{
		ID:              id,
		Channel:         channel,
		Sender:          sender,
		SenderID:        senderID,
		OriginalMessage: original,
		MessageID:       messageID,
		Team:            team,
		StartTime:       now,
		MaxMessages:     maxMessages,
		pending:         1,
	}
	t.convs[id] = c
	return c
}

// Get returns the active conversation with id.
func (t *Table) Get(id string) (*Conversation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.convs[id]
	return c, ok
}

// Remove drops a conversation from the table.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.convs, id)
}

// Len returns the number of active conversations.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.convs)
}

// List summarizes every active conversation, oldest first.
func (t *Table) List() []Summary {
	t.mu.Lock()
	convs := make([]*Conversation, 0, len(t.convs))
	for _, c := range t.convs {
		convs = append(convs, c)
	}
	t.mu.Unlock()

	out := make([]Summary, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.Summarize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

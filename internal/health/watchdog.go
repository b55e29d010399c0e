// Package health watches the queue for conditions that need an operator:
// conversations that never complete, files landing in dead-letter, and a
// backlog nobody is working on.
package health

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jordanhubbard/tinyloom/internal/conversation"
	"github.com/jordanhubbard/tinyloom/internal/queue"
	"github.com/jordanhubbard/tinyloom/internal/worker"
)

// Issue kinds reported by the watchdog.
const (
	IssueStaleConversation = "stale_conversation"
	IssueDeadLetter        = "dead_letter"
	IssueStalledBacklog    = "stalled_backlog"
)

// Issue is one detected problem.
type Issue struct {
	Kind   string
	Detail string
}

// Watchdog periodically checks queue health and logs what it finds.
type Watchdog struct {
	queue         *queue.Queue
	conversations *conversation.Table
	pool          *worker.Pool

	Interval   time.Duration
	StaleAfter time.Duration // conversation age considered stuck
	Backlog    int           // incoming files with no working lane

	mu            sync.Mutex
	reported      map[string]bool
	lastDead      int
	stalledChecks int
}

// NewWatchdog creates a new Watchdog instance.
func NewWatchdog(q *queue.Queue, conversations *conversation.Table, pool *worker.Pool) *Watchdog {
	return &Watchdog{
		queue:         q,
		conversations: conversations,
		pool:          pool,
		Interval:      time.Minute,
		StaleAfter:    30 * time.Minute,
		Backlog:       5,
		reported:      make(map[string]bool),
		lastDead:      -1,
	}
}

// Start runs checks every Interval until ctx is done.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, issue := range w.Check(time.Now()) {
				log.Printf("[Watchdog] WARN: %s: %s", issue.Kind, issue.Detail)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Check runs every health check once. Each stale conversation is reported
// only once.
func (w *Watchdog) Check(now time.Time) []Issue {
	w.mu.Lock()
	defer w.mu.Unlock()

	var issues []Issue
	issues = append(issues, w.checkStaleConversations(now)...)

	counts, err := w.queue.Counts()
	if err != nil {
		log.Printf("[Watchdog] Error counting queue: %v", err)
		return issues
	}
	issues = append(issues, w.checkDeadLetter(counts)...)
	issues = append(issues, w.checkStalledBacklog(counts)...)
	return issues
}

func (w *Watchdog) checkStaleConversations(now time.Time) []Issue {
	if w.conversations == nil {
		return nil
	}
	var issues []Issue
	active := make(map[string]bool)
	for _, s := range w.conversations.List() {
		active[s.ID] = true
		if w.reported[s.ID] || now.Sub(s.StartTime) < w.StaleAfter {
			continue
		}
		w.reported[s.ID] = true
		issues = append(issues, Issue{
			Kind: IssueStaleConversation,
			Detail: fmt.Sprintf("conversation %s (team %s) open for %s with %d branch(es) pending",
				s.ID, s.TeamID, now.Sub(s.StartTime).Round(time.Second), s.Pending),
		})
	}
	for id := range w.reported {
		if !active[id] {
			delete(w.reported, id)
		}
	}
	return issues
}

func (w *Watchdog) checkDeadLetter(counts queue.Counts) []Issue {
	prev := w.lastDead
	w.lastDead = counts.DeadLetter
	if prev < 0 || counts.DeadLetter <= prev {
		return nil
	}
	return []Issue{{
		Kind:   IssueDeadLetter,
		Detail: fmt.Sprintf("%d new file(s) quarantined (%d total)", counts.DeadLetter-prev, counts.DeadLetter),
	}}
}

// checkStalledBacklog needs two consecutive observations so a scan that is
// about to pick the files up is not reported.
func (w *Watchdog) checkStalledBacklog(counts queue.Counts) []Issue {
	working := 0
	if w.pool != nil {
		working = w.pool.GetPoolStats().WorkingLanes
	}
	if counts.Incoming < w.Backlog || working > 0 || counts.Processing > 0 {
		w.stalledChecks = 0
		return nil
	}
	w.stalledChecks++
	if w.stalledChecks < 2 {
		return nil
	}
	return []Issue{{
		Kind:   IssueStalledBacklog,
		Detail: fmt.Sprintf("%d file(s) waiting in incoming and no agent is working", counts.Incoming),
	}}
}

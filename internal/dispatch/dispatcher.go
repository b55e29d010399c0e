// Package dispatch is the queue processor: it scans the incoming queue,
// schedules each file on its target agent's lane, and runs the routing,
// invocation and team conversation steps for every message.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jordanhubbard/tinyloom/internal/chats"
	"github.com/jordanhubbard/tinyloom/internal/conversation"
	"github.com/jordanhubbard/tinyloom/internal/eventbus"
	"github.com/jordanhubbard/tinyloom/internal/files"
	"github.com/jordanhubbard/tinyloom/internal/metrics"
	"github.com/jordanhubbard/tinyloom/internal/queue"
	"github.com/jordanhubbard/tinyloom/internal/routing"
	"github.com/jordanhubbard/tinyloom/internal/worker"
	"github.com/jordanhubbard/tinyloom/pkg/models"
)

// Invoker runs one agent.
type Invoker interface {
	Invoke(ctx context.Context, agent models.Agent, message string, reset bool, reg *models.Registry) (string, error)
}

// RegistrySource hands out the current agent/team registry.
type RegistrySource interface {
	Registry() *models.Registry
}

// Emitter publishes processing events.
type Emitter interface {
	Emit(eventType eventbus.EventType, data map[string]interface{}) *eventbus.Event
}

// Config controls the processor
type Config struct {
	ScanInterval            time.Duration
	MaxConversationMessages int
	WatchIncoming           bool
}

// Dispatcher owns the conversation table and the per-agent lanes.
type Dispatcher struct {
	cfg           Config
	queue         *queue.Queue
	registry      RegistrySource
	invoker       Invoker
	events        Emitter
	splitter      *files.Manager
	chats         *chats.Store
	conversations *conversation.Table
	pool          *worker.Pool
	metrics       *metrics.Metrics
}

// NewDispatcher wires a dispatcher. Work scheduled on it observes a context
// that is never cancelled: an invocation always runs to completion.
func NewDispatcher(cfg Config, q *queue.Queue, reg RegistrySource, inv Invoker, events Emitter, splitter *files.Manager, chatStore *chats.Store) *Dispatcher {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	if cfg.MaxConversationMessages <= 0 {
		cfg.MaxConversationMessages = 50
	}
	return &Dispatcher{
		cfg:           cfg,
		queue:         q,
		registry:      reg,
		invoker:       inv,
		events:        events,
		splitter:      splitter,
		chats:         chatStore,
		conversations: conversation.NewTable(),
		pool:          worker.NewPool(context.Background()),
		metrics:       metrics.NewMetrics(),
	}
}

// Conversations exposes the active conversation table (read-only use).
func (d *Dispatcher) Conversations() *conversation.Table {
	return d.conversations
}

// Pool exposes the per-agent lanes for status reporting.
func (d *Dispatcher) Pool() *worker.Pool {
	return d.pool
}

// Run recovers orphaned files, then scans incoming every ScanInterval and
// whenever the incoming directory changes, until ctx is done. On return no
// new work is scheduled and in-flight work has finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	recovered, err := d.queue.Recover()
	if err != nil {
		return fmt.Errorf("recover processing queue: %w", err)
	}
	if recovered > 0 {
		log.Printf("[Dispatch] Recovered %d orphaned file(s) from processing", recovered)
	}

	reg := d.registry.Registry()
	logRegistry(reg)
	d.events.Emit(eventbus.EventTypeProcessorStart, map[string]interface{}{
		"agents": reg.Agents.Keys(),
		"teams":  reg.Teams.Keys(),
	})
	log.Printf("[Dispatch] Queue processor started, watching %s", d.queue.Dir(queue.Incoming))

	wake := make(chan struct{}, 1)
	if d.cfg.WatchIncoming {
		if err := d.watchIncoming(ctx, wake); err != nil {
			log.Printf("[Dispatch] Warning: fsnotify unavailable, polling only: %v", err)
		}
	}

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	d.Scan()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Dispatch] Stopping; waiting for %d in-flight file(s)", d.pool.GetPoolStats().InFlight)
			d.pool.Stop()
			return nil
		case <-ticker.C:
			d.Scan()
		case <-wake:
			d.Scan()
		}
	}
}

// watchIncoming signals wake whenever a file lands in incoming. The ticker
// in Run remains the safety net for missed notifications.
func (d *Dispatcher) watchIncoming(ctx context.Context, wake chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(d.queue.Dir(queue.Incoming)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Write) {
					continue
				}
				if !strings.HasSuffix(ev.Name, ".json") {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Dispatch] Watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Scan schedules every incoming file that is not already in flight onto the
// lane of the agent it will be processed by. It never blocks on invocation.
func (d *Dispatcher) Scan() {
	incoming, err := d.queue.List(queue.Incoming)
	if err != nil {
		log.Printf("[Dispatch] Queue processing error: %v", err)
		return
	}

	if len(incoming) > 0 {
		reg := d.registry.Registry()
		scheduled := 0
		for _, f := range incoming {
			if d.pool.InFlight(f.Name) {
				continue
			}
			agentID := d.peek(f.Name, reg)
			name := f.Name
			if d.pool.Schedule(agentID, name, func(ctx context.Context) {
				_ = d.ProcessFile(ctx, name)
			}) {
				scheduled++
			}
		}
		if scheduled > 0 {
			log.Printf("[Dispatch] DEBUG: Scheduled %d of %d message(s) in queue", scheduled, len(incoming))
		}
	}

	if counts, err := d.queue.Counts(); err == nil {
		d.metrics.RecordQueueDepth(counts.Incoming, counts.Processing, counts.Outgoing, counts.DeadLetter)
	}
	d.metrics.ActiveLanes.Set(float64(d.pool.GetPoolStats().ActiveLanes))
}

// peek computes the agent a file will be processed by, using the same
// pre-routing, prefix and fallback rules as processing. Unreadable files go
// to the fallback agent's lane; processing reports the actual error.
func (d *Dispatcher) peek(name string, reg *models.Registry) string {
	env, err := d.queue.ReadEnvelope(queue.Incoming, name)
	if err != nil {
		return routing.ResolveAgent(models.DefaultAgentID, reg)
	}
	if env.Agent != "" && reg.Agents.Has(env.Agent) {
		return env.Agent
	}
	return routing.ResolveAgent(routing.Peek(env.Message, reg), reg)
}

func logRegistry(reg *models.Registry) {
	log.Printf("[Dispatch] Loaded %d agent(s):", reg.Agents.Len())
	reg.Agents.Each(func(id string, a models.Agent) bool {
		log.Printf("[Dispatch]   %s: %s [%s/%s] cwd=%s", id, a.Name, a.Provider, a.Model, a.WorkingDirectory)
		return true
	})
	if reg.Teams.Len() == 0 {
		return
	}
	log.Printf("[Dispatch] Loaded %d team(s):", reg.Teams.Len())
	reg.Teams.Each(func(id string, t models.Team) bool {
		log.Printf("[Dispatch]   %s: %s [agents: %s] leader=%s", id, t.Name, strings.Join(t.Agents, ", "), t.LeaderAgent)
		return true
	})
}

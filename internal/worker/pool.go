// Package worker runs queued work on per-agent lanes: tasks for the same
// agent execute one at a time in submission order, tasks for different
// agents run in parallel.
package worker

import (
	"context"
	"log"
	"runtime/debug"
	"sort"
	"sync"
)

// Task is one unit of work. It receives the pool context.
type Task func(ctx context.Context)

// Lane status values
const (
	LaneStatusIdle    = "idle"
	LaneStatusWorking = "working"
)

type job struct {
	key string
	run Task
}

type lane struct {
	agentID   string
	queue     []job
	current   string
	processed int
}

// Pool manages one lane per agent. A lane exists only while it has queued
// or running work; its drain goroutine exits when the lane empties.
type Pool struct {
	ctx      context.Context
	mu       sync.Mutex
	lanes    map[string]*lane
	inFlight map[string]string // key -> agent
	stopped  bool
	wg       sync.WaitGroup
}

// NewPool creates a pool whose tasks observe ctx.
func NewPool(ctx context.Context) *Pool {
	return &Pool{
		ctx:      ctx,
		lanes:    make(map[string]*lane),
		inFlight: make(map[string]string),
	}
}

// Schedule appends run to agentID's lane under key. It returns false, and
// does nothing, when key is already queued or running anywhere in the pool
// or the pool has been stopped.
func (p *Pool) Schedule(agentID, key string, run Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false
	}
	if _, busy := p.inFlight[key]; busy {
		return false
	}
	p.inFlight[key] = agentID

	l, ok := p.lanes[agentID]
	if !ok {
		l = &lane{agentID: agentID}
		p.lanes[agentID] = l
	}
	l.queue = append(l.queue, job{key: key, run: run})

	// An existing lane already has a drain goroutine.
	if !ok {
		p.wg.Add(1)
		go p.drain(l)
	}
	return true
}

func (p *Pool) drain(l *lane) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(l.queue) == 0 {
			delete(p.lanes, l.agentID)
			p.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue = l.queue[1:]
		l.current = j.key
		p.mu.Unlock()

		p.runJob(l.agentID, j)

		p.mu.Lock()
		delete(p.inFlight, j.key)
		l.current = ""
		l.processed++
		p.mu.Unlock()
	}
}

func (p *Pool) runJob(agentID string, j job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Worker] Panic in lane %s running %s: %v\n%s", agentID, j.key, r, debug.Stack())
		}
	}()
	j.run(p.ctx)
}

// InFlight reports whether key is queued or running.
func (p *Pool) InFlight(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[key]
	return ok
}

// Stop refuses further work and waits for every lane to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.Wait()
}

// Wait blocks until every lane has drained.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// PoolStats summarizes the pool
type PoolStats struct {
	ActiveLanes  int `json:"activeLanes"`
	WorkingLanes int `json:"workingLanes"`
	QueuedTasks  int `json:"queuedTasks"`
	InFlight     int `json:"inFlight"`
}

// LaneInfo describes one active lane
type LaneInfo struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
	Current string `json:"current,omitempty"`
	Queued  int    `json:"queued"`
}

// GetPoolStats returns statistics about the pool
func (p *Pool) GetPoolStats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{ActiveLanes: len(p.lanes), InFlight: len(p.inFlight)}
	for _, l := range p.lanes {
		if l.current != "" {
			stats.WorkingLanes++
		}
		stats.QueuedTasks += len(l.queue)
	}
	return stats
}

// ListLanes returns the active lanes sorted by agent id.
func (p *Pool) ListLanes() []LaneInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]LaneInfo, 0, len(p.lanes))
	for _, l := range p.lanes {
		info := LaneInfo{AgentID: l.agentID, Status: LaneStatusIdle, Current: l.current, Queued: len(l.queue)}
		if l.current != "" {
			info.Status = LaneStatusWorking
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/tinyloom/internal/chats"
	"github.com/jordanhubbard/tinyloom/internal/eventbus"
	"github.com/jordanhubbard/tinyloom/internal/files"
	"github.com/jordanhubbard/tinyloom/internal/queue"
	"github.com/jordanhubbard/tinyloom/internal/routing"
	"github.com/jordanhubbard/tinyloom/pkg/messages"
	"github.com/jordanhubbard/tinyloom/pkg/models"
)

type call struct {
	agentID string
	message string
	reset   bool
}

type fakeInvoker struct {
	mu      sync.Mutex
	calls   []call
	replies map[string]func(message string) (string, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, agent models.Agent, message string, reset bool, reg *models.Registry) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{agentID: agent.ID, message: message, reset: reset})
	reply := f.replies[agent.ID]
	f.mu.Unlock()
	if reply == nil {
		return "ok from " + agent.ID, nil
	}
	return reply(message)
}

func (f *fakeInvoker) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*eventbus.Event
}

func (r *recordingEmitter) Emit(eventType eventbus.EventType, data map[string]interface{}) *eventbus.Event {
	ev := &eventbus.Event{Type: eventType, Timestamp: time.Now(), Data: data}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return ev
}

func (r *recordingEmitter) Types() []eventbus.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventbus.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recordingEmitter) Last(eventType eventbus.EventType) *eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i]
		}
	}
	return nil
}

type staticRegistry struct{ reg *models.Registry }

func (s staticRegistry) Registry() *models.Registry { return s.reg }

func testRegistry(workspace string, agentIDs []string, teams map[string]models.Team) *models.Registry {
	reg := &models.Registry{
		Workspace: workspace,
		Agents:    models.NewOrdered[models.Agent](),
		Teams:     models.NewOrdered[models.Team](),
	}
	for _, id := range agentIDs {
		reg.Agents.Set(id, models.Agent{
			ID:               id,
			Name:             strings.ToUpper(id[:1]) + id[1:],
			Provider:         "anthropic",
			Model:            "sonnet",
			WorkingDirectory: filepath.Join(workspace, id),
		})
	}
	for id, t := range teams {
		t.ID = id
		reg.Teams.Set(id, t)
	}
	return reg
}

type harness struct {
	d       *Dispatcher
	q       *queue.Queue
	inv     *fakeInvoker
	events  *recordingEmitter
	reg     *models.Registry
	chats   *chats.Store
	filesTo string
}

func newHarness(t *testing.T, reg *models.Registry, cfg Config, threshold int) *harness {
	t.Helper()
	root := t.TempDir()
	q, err := queue.New(filepath.Join(root, "queue"), 3)
	require.NoError(t, err)
	fm, err := files.NewManager(filepath.Join(root, "files"), threshold)
	require.NoError(t, err)
	store := chats.NewStore(filepath.Join(root, "chats"))

	inv := &fakeInvoker{replies: make(map[string]func(string) (string, error))}
	ev := &recordingEmitter{}
	d := NewDispatcher(cfg, q, staticRegistry{reg}, inv, ev, fm, store)
	return &harness{d: d, q: q, inv: inv, events: ev, reg: reg, chats: store, filesTo: fm.Dir}
}

func supportHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg := testRegistry(t.TempDir(), []string{"default", "alice", "bob", "carol"}, map[string]models.Team{
		"support": {Name: "Support", Agents: []string{"alice", "bob"}, LeaderAgent: "alice"},
	})
	return newHarness(t, reg, cfg, 4000)
}

func (h *harness) enqueue(t *testing.T, name, channel, text string) {
	t.Helper()
	require.NoError(t, h.q.Enqueue(name, &messages.Envelope{
		Channel:   channel,
		Sender:    "Ann",
		SenderID:  "u1",
		Message:   text,
		Timestamp: messages.NowMillis(),
		MessageID: strings.TrimSuffix(name, ".json"),
	}))
}

// drain processes incoming files until the queue is empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		incoming, err := h.q.List(queue.Incoming)
		require.NoError(t, err)
		if len(incoming) == 0 {
			return
		}
		for _, f := range incoming {
			require.NoError(t, h.d.ProcessFile(context.Background(), f.Name))
		}
	}
	t.Fatal("queue did not drain")
}

func (h *harness) responses(t *testing.T) []messages.Response {
	t.Helper()
	out, err := h.q.ReadResponses(100)
	require.NoError(t, err)
	return out
}

func (h *harness) responseCount() int {
	out, err := h.q.List(queue.Outgoing)
	if err != nil {
		return -1
	}
	return len(out)
}

func TestProcessFile_TeamConversation(t *testing.T) {
	h := supportHarness(t, Config{})
	h.inv.replies["alice"] = func(string) (string, error) { return "[@bob: run the tests]", nil }
	h.inv.replies["bob"] = func(string) (string, error) { return "done, no issues", nil }

	h.enqueue(t, "m1.json", "web", "@support check the build")
	require.NoError(t, h.d.ProcessFile(context.Background(), "m1.json"))

	assert.Empty(t, h.responses(t), "no reply while bob's branch is pending")
	assert.Equal(t, 1, h.d.Conversations().Len())

	incoming, err := h.q.List(queue.Incoming)
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.True(t, strings.HasPrefix(incoming[0].Name, "internal_m1_"))
	assert.Contains(t, incoming[0].Name, "_bob_")

	delegated, err := h.q.ReadEnvelope(queue.Incoming, incoming[0].Name)
	require.NoError(t, err)
	assert.Equal(t, "bob", delegated.Agent)
	assert.Equal(t, "alice", delegated.FromAgent)
	assert.Equal(t, "m1", delegated.MessageID)
	assert.Equal(t, "u1", delegated.SenderID)
	assert.Equal(t, "[Message from teammate @alice]:\nrun the tests", delegated.Message)

	h.drain(t)

	calls := h.inv.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, call{agentID: "alice", message: "check the build"}, calls[0])
	assert.Equal(t, "bob", calls[1].agentID)

	resps := h.responses(t)
	require.Len(t, resps, 1)
	assert.Equal(t, "@alice: \n\n------\n\n@bob: done, no issues", resps[0].Message)
	assert.Equal(t, "@support check the build", resps[0].OriginalMessage)
	assert.Equal(t, "m1", resps[0].MessageID)
	assert.Empty(t, resps[0].Agent)
	assert.Equal(t, 0, h.d.Conversations().Len())

	types := h.events.Types()
	assert.Contains(t, types, eventbus.EventTypeTeamChainStart)
	assert.Contains(t, types, eventbus.EventTypeChainHandoff)
	assert.Contains(t, types, eventbus.EventTypeTeamChainEnd)
	ready := h.events.Last(eventbus.EventTypeResponseReady)
	require.NotNil(t, ready)
	_, hasAgent := ready.Data["agentId"]
	assert.False(t, hasAgent, "team replies are not attributed to one agent")

	saved, err := h.chats.List()
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "support", saved[0].TeamID)
}

func TestProcessFile_UndeliveredReplyIsRetried(t *testing.T) {
	h := supportHarness(t, Config{})
	h.inv.replies["alice"] = func(string) (string, error) { return "[@bob: run the tests]", nil }
	h.inv.replies["bob"] = func(string) (string, error) { return "done, no issues", nil }

	h.enqueue(t, "m1.json", "web", "@support check the build")
	require.NoError(t, h.d.ProcessFile(context.Background(), "m1.json"))
	incoming, err := h.q.List(queue.Incoming)
	require.NoError(t, err)
	require.Len(t, incoming, 1)

	// Make the outgoing write fail while bob's branch closes the conversation.
	outgoing := h.q.Dir(queue.Outgoing)
	require.NoError(t, os.Remove(outgoing))
	require.NoError(t, os.WriteFile(outgoing, nil, 0644))

	err = h.d.ProcessFile(context.Background(), incoming[0].Name)
	require.Error(t, err)
	assert.Equal(t, 1, h.d.Conversations().Len(), "conversation must survive an undelivered reply")
	assert.NotContains(t, h.events.Types(), eventbus.EventTypeTeamChainEnd)
	assert.Nil(t, h.events.Last(eventbus.EventTypeResponseReady))
	saved, err := h.chats.List()
	require.NoError(t, err)
	assert.Empty(t, saved)

	require.NoError(t, os.Remove(outgoing))
	require.NoError(t, os.Mkdir(outgoing, 0755))
	h.drain(t)

	resps := h.responses(t)
	require.Len(t, resps, 1)
	assert.Equal(t, "@alice: \n\n------\n\n@bob: done, no issues", resps[0].Message)
	assert.Equal(t, 0, h.d.Conversations().Len())
	assert.NotNil(t, h.events.Last(eventbus.EventTypeTeamChainEnd))
	saved, err = h.chats.List()
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestProcessFile_FailedDelegationIsNoted(t *testing.T) {
	h := supportHarness(t, Config{})
	incomingDir := h.q.Dir(queue.Incoming)
	h.inv.replies["alice"] = func(string) (string, error) {
		// The claimed file is already in processing; break incoming so the
		// delegation cannot be enqueued.
		if err := os.Remove(incomingDir); err != nil {
			return "", err
		}
		if err := os.WriteFile(incomingDir, nil, 0644); err != nil {
			return "", err
		}
		return "Looping in bob. [@bob: run the tests]", nil
	}

	h.enqueue(t, "m1.json", "web", "@support check the build")
	require.NoError(t, h.d.ProcessFile(context.Background(), "m1.json"))

	assert.Equal(t, 0, h.d.Conversations().Len(), "nothing is pending once the only delegation failed")
	assert.NotContains(t, h.events.Types(), eventbus.EventTypeChainHandoff)
	resps := h.responses(t)
	require.Len(t, resps, 1)
	assert.Equal(t, "Looping in bob. \n\n[Could not reach @bob: the message could not be delivered.]", resps[0].Message)
}

func TestProcessFile_SingleShot(t *testing.T) {
	h := supportHarness(t, Config{})
	h.inv.replies["carol"] = func(string) (string, error) { return "  hello there  ", nil }

	h.enqueue(t, "m2.json", "discord", "@carol hi")
	require.NoError(t, h.d.ProcessFile(context.Background(), "m2.json"))

	out, err := h.q.List(queue.Outgoing)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, strings.HasPrefix(out[0].Name, "discord_m2_"))

	resps := h.responses(t)
	require.Len(t, resps, 1)
	assert.Equal(t, "hello there", resps[0].Message)
	assert.Equal(t, "carol", resps[0].Agent)

	processing, err := h.q.List(queue.Processing)
	require.NoError(t, err)
	assert.Empty(t, processing)

	types := h.events.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, eventbus.EventTypeMessageReceived, types[0])
	assert.Contains(t, types, eventbus.EventTypeAgentRouted)
	assert.Equal(t, "carol", h.events.Last(eventbus.EventTypeResponseReady).Data["agentId"])
}

func TestProcessFile_HeartbeatName(t *testing.T) {
	h := supportHarness(t, Config{})
	h.enqueue(t, "hb1.json", "heartbeat", "@carol status?")
	require.NoError(t, h.d.ProcessFile(context.Background(), "hb1.json"))

	_, err := os.Stat(h.q.Path(queue.Outgoing, "hb1.json"))
	assert.NoError(t, err)
}

func TestProcessFile_Ambiguous(t *testing.T) {
	h := supportHarness(t, Config{})
	h.enqueue(t, "m3.json", "web", "@alice @bob hi")
	require.NoError(t, h.d.ProcessFile(context.Background(), "m3.json"))

	assert.Empty(t, h.inv.Calls())
	data, err := os.ReadFile(h.q.Path(queue.Outgoing, "m3.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "You mentioned multiple agents")

	resps := h.responses(t)
	require.Len(t, resps, 1)
	assert.Equal(t, routing.AmbiguousReply([]string{"alice", "bob"}), resps[0].Message)
}

func TestProcessFile_UnknownPrefixFallsBackToDefault(t *testing.T) {
	h := supportHarness(t, Config{})
	h.enqueue(t, "m4.json", "web", "@nobody hello")
	require.NoError(t, h.d.ProcessFile(context.Background(), "m4.json"))

	calls := h.inv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "default", calls[0].agentID)
	assert.Equal(t, "@nobody hello", calls[0].message)
}

func TestProcessFile_NoDefaultUsesFirstAgent(t *testing.T) {
	reg := testRegistry(t.TempDir(), []string{"a1", "a2"}, nil)
	h := newHarness(t, reg, Config{}, 4000)

	h.enqueue(t, "m5.json", "web", "hello")
	require.NoError(t, h.d.ProcessFile(context.Background(), "m5.json"))

	calls := h.inv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "a1", calls[0].agentID)
	assert.Equal(t, "a1", h.d.peek("missing.json", reg))
}

func TestProcessFile_PreRouted(t *testing.T) {
	h := supportHarness(t, Config{})
	require.NoError(t, h.q.Enqueue("m6.json", &messages.Envelope{
		Channel: "web", Sender: "Ann", Message: "@alice do not parse me", MessageID: "m6", Agent: "carol",
	}))
	assert.Equal(t, "carol", h.d.peek("m6.json", h.reg))
	require.NoError(t, h.d.ProcessFile(context.Background(), "m6.json"))

	calls := h.inv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, call{agentID: "carol", message: "@alice do not parse me"}, calls[0])
}

func TestProcessFile_MessageCap(t *testing.T) {
	h := supportHarness(t, Config{MaxConversationMessages: 1})
	h.inv.replies["alice"] = func(string) (string, error) { return "On it. [@bob: run the tests]", nil }

	h.enqueue(t, "m7.json", "web", "@support check")
	require.NoError(t, h.d.ProcessFile(context.Background(), "m7.json"))

	incoming, err := h.q.List(queue.Incoming)
	require.NoError(t, err)
	assert.Empty(t, incoming, "delegation past the cap must be dropped")

	resps := h.responses(t)
	require.Len(t, resps, 1)
	assert.Equal(t, "On it.", resps[0].Message)
	assert.NotContains(t, h.events.Types(), eventbus.EventTypeChainHandoff)
}

func TestProcessFile_SiblingNote(t *testing.T) {
	reg := testRegistry(t.TempDir(), []string{"alice", "bob", "carol"}, map[string]models.Team{
		"dev": {Name: "Dev", Agents: []string{"alice", "bob", "carol"}, LeaderAgent: "alice"},
	})
	h := newHarness(t, reg, Config{}, 4000)
	h.inv.replies["alice"] = func(string) (string, error) {
		return "[@bob: backend] [@carol: frontend]", nil
	}

	h.enqueue(t, "m8.json", "web", "@dev ship it")
	require.NoError(t, h.d.ProcessFile(context.Background(), "m8.json"))

	incoming, err := h.q.List(queue.Incoming)
	require.NoError(t, err)
	require.Len(t, incoming, 2)
	for _, f := range incoming {
		env, err := h.q.ReadEnvelope(queue.Incoming, f.Name)
		require.NoError(t, err)
		assert.Contains(t, env.Message, "[1 other teammate response(s) are still being processed")
	}

	h.drain(t)
	resps := h.responses(t)
	require.Len(t, resps, 1, "fan-in must produce exactly one reply")
	assert.Contains(t, resps[0].Message, "@bob: ok from bob")
	assert.Contains(t, resps[0].Message, "@carol: ok from carol")
}

func TestProcessFile_ResetFlag(t *testing.T) {
	h := supportHarness(t, Config{})
	flag := h.reg.ResetFlagPath("carol")
	require.NoError(t, os.MkdirAll(filepath.Dir(flag), 0755))
	require.NoError(t, os.WriteFile(flag, nil, 0644))

	h.enqueue(t, "m9.json", "web", "@carol fresh start")
	require.NoError(t, h.d.ProcessFile(context.Background(), "m9.json"))
	h.enqueue(t, "m10.json", "web", "@carol again")
	require.NoError(t, h.d.ProcessFile(context.Background(), "m10.json"))

	calls := h.inv.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].reset)
	assert.False(t, calls[1].reset)
	_, err := os.Stat(flag)
	assert.True(t, os.IsNotExist(err))
}

func TestProcessFile_InvokeErrorApologizes(t *testing.T) {
	h := supportHarness(t, Config{})
	h.inv.replies["carol"] = func(string) (string, error) {
		return "", errors.New("claude exited: status code 503")
	}

	h.enqueue(t, "m11.json", "web", "@carol hi")
	require.NoError(t, h.d.ProcessFile(context.Background(), "m11.json"))

	resps := h.responses(t)
	require.Len(t, resps, 1)
	assert.Equal(t, ApologyText, resps[0].Message)
}

func TestProcessFile_LongResponseSplit(t *testing.T) {
	reg := testRegistry(t.TempDir(), []string{"default"}, nil)
	h := newHarness(t, reg, Config{}, 10)
	h.inv.replies["default"] = func(string) (string, error) { return strings.Repeat("x", 25), nil }

	h.enqueue(t, "m12.json", "web", "write a lot")
	require.NoError(t, h.d.ProcessFile(context.Background(), "m12.json"))

	resps := h.responses(t)
	require.Len(t, resps, 1)
	assert.True(t, strings.HasPrefix(resps[0].Message, strings.Repeat("x", 10)+files.PreviewNote))
	require.Len(t, resps[0].Files, 1)
	assert.Equal(t, h.filesTo, filepath.Dir(resps[0].Files[0]))
}

func TestProcessFile_AlreadyClaimed(t *testing.T) {
	h := supportHarness(t, Config{})
	assert.NoError(t, h.d.ProcessFile(context.Background(), "ghost.json"))
	assert.Empty(t, h.inv.Calls())
}

func TestProcessFile_MalformedQuarantined(t *testing.T) {
	h := supportHarness(t, Config{})
	require.NoError(t, os.WriteFile(h.q.Path(queue.Incoming, "bad.json"), []byte("{not json"), 0644))

	err := h.d.ProcessFile(context.Background(), "bad.json")
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrMalformed)

	_, statErr := os.Stat(h.q.Path(queue.DeadLetter, "bad.json"))
	assert.NoError(t, statErr)
	assert.Contains(t, h.events.Types(), eventbus.EventTypeDeadLettered)
}

func TestRun_RecoversAndProcesses(t *testing.T) {
	h := supportHarness(t, Config{ScanInterval: 10 * time.Millisecond, WatchIncoming: true})

	// An orphan left in processing by a crash.
	require.NoError(t, h.q.Enqueue("orphan.json", &messages.Envelope{
		Channel: "web", Sender: "Ann", Message: "@carol left over", MessageID: "orphan",
	}))
	require.NoError(t, h.q.Claim("orphan.json"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.responseCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	h.enqueue(t, "live.json", "web", "@bob hi")
	require.Eventually(t, func() bool {
		return h.responseCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, eventbus.EventTypeProcessorStart, h.events.Types()[0])
}

func TestFailureKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errors.New("dial tcp 127.0.0.1:11434: connection refused"), "provider"},
		{errors.New("request failed with status code 429"), "provider"},
		{errors.New("exec: \"claude\": executable file not found in $PATH"), "provider"},
		{errors.New("model produced no output"), "agent"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, failureKind(tt.err))
	}
}

func TestQueueWait(t *testing.T) {
	claimed := time.UnixMilli(10_000)

	wait, ok := queueWait(7_500, claimed)
	assert.True(t, ok)
	assert.Equal(t, 2500*time.Millisecond, wait)

	wait, ok = queueWait(12_000, claimed)
	assert.True(t, ok)
	assert.Zero(t, wait, "clock skew never reports a negative wait")

	_, ok = queueWait(0, claimed)
	assert.False(t, ok)
}

func TestResponseName(t *testing.T) {
	assert.Equal(t, "abc.json", responseName("heartbeat", "abc"))
	name := responseName("telegram", "abc")
	assert.True(t, strings.HasPrefix(name, "telegram_abc_"))
	assert.True(t, strings.HasSuffix(name, ".json"))
}

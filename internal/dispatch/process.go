package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/tinyloom/internal/chats"
	"github.com/jordanhubbard/tinyloom/internal/conversation"
	"github.com/jordanhubbard/tinyloom/internal/eventbus"
	"github.com/jordanhubbard/tinyloom/internal/queue"
	"github.com/jordanhubbard/tinyloom/internal/routing"
	"github.com/jordanhubbard/tinyloom/internal/telemetry"
	"github.com/jordanhubbard/tinyloom/pkg/messages"
	"github.com/jordanhubbard/tinyloom/pkg/models"
)

const heartbeatChannel = "heartbeat"

// ProcessFile claims one incoming file and runs it to completion. A file
// another worker already claimed is skipped without error. On failure the
// file is returned to incoming for retry, or quarantined once it has failed
// too often.
func (d *Dispatcher) ProcessFile(ctx context.Context, name string) error {
	ctx, span := telemetry.Tracer.Start(ctx, "dispatch.process_file",
		trace.WithAttributes(attribute.String("queue.file", name)))
	defer span.End()
	start := time.Now()

	if err := d.queue.Claim(name); err != nil {
		if errors.Is(err, queue.ErrAlreadyClaimed) {
			return nil
		}
		span.RecordError(err)
		return err
	}

	agentID, err := d.process(ctx, name, time.Now())
	if agentID != "" {
		d.metrics.ProcessingDuration.WithLabelValues(agentID).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Printf("[Dispatch] Processing error for %s: %v", name, err)
		d.metrics.MessagesFailed.WithLabelValues("processing").Inc()
		d.events.Emit(eventbus.EventTypeMessageFailed, map[string]interface{}{
			"file":  name,
			"error": err.Error(),
		})

		attempts := d.queue.Attempts(name) + 1
		var (
			quarantined bool
			relErr      error
		)
		if errors.Is(err, queue.ErrMalformed) {
			quarantined, relErr = true, d.queue.Quarantine(name, err)
		} else {
			quarantined, relErr = d.queue.ReleaseFailure(name, err)
		}
		if relErr != nil {
			log.Printf("[Dispatch] Failed to move %s back to incoming: %v", name, relErr)
			return relErr
		}
		if quarantined {
			d.metrics.MessagesQuarantine.Inc()
			d.events.Emit(eventbus.EventTypeDeadLettered, map[string]interface{}{
				"file":     name,
				"error":    err.Error(),
				"attempts": attempts,
			})
		}
		return err
	}

	if err := d.queue.ReleaseSuccess(name); err != nil {
		log.Printf("[Dispatch] Failed to remove processed file %s: %v", name, err)
		return err
	}
	telemetry.MessagesProcessed.Add(ctx, 1)
	return nil
}

// process handles one claimed envelope and returns the agent it ran.
func (d *Dispatcher) process(ctx context.Context, name string, claimed time.Time) (string, error) {
	env, err := d.queue.ReadEnvelope(queue.Processing, name)
	if err != nil {
		return "", err
	}
	if wait, ok := queueWait(env.Timestamp, claimed); ok {
		telemetry.DispatchLatency.Record(ctx, float64(wait.Milliseconds()))
	}
	reg := d.registry.Registry()
	if reg.Agents.Len() == 0 {
		return "", ErrNoAgents
	}
	internal := env.IsInternal()

	if internal {
		log.Printf("[Dispatch] Processing [internal] @%s→@%s: %s", env.FromAgent, env.Agent, preview(env.Message, 50))
	} else {
		log.Printf("[Dispatch] Processing [%s] from %s: %s", env.Channel, env.Sender, preview(env.Message, 50))
		d.events.Emit(eventbus.EventTypeMessageReceived, map[string]interface{}{
			"channel":   env.Channel,
			"sender":    env.Sender,
			"message":   preview(env.Message, 120),
			"messageId": env.MessageID,
		})
	}

	var (
		agentID      string
		body         string
		isTeamRouted bool
	)
	if env.Agent != "" && reg.Agents.Has(env.Agent) {
		agentID, body = env.Agent, env.Message
	} else {
		r := routing.Route(env.Message, reg)
		if r.Ambiguous && !internal {
			return "", d.replyAmbiguous(name, env, r)
		}
		agentID, body, isTeamRouted = r.TargetID, r.Body, r.IsTeam
	}
	if !reg.Agents.Has(agentID) {
		agentID = routing.ResolveAgent(agentID, reg)
		body = env.Message
	}

	agent, _ := reg.Agent(agentID)
	log.Printf("[Dispatch] Routing to agent: %s (%s) [%s/%s]", agent.Name, agentID, agent.Provider, agent.Model)
	if !internal {
		d.metrics.MessagesProcessed.WithLabelValues(env.Channel, "external").Inc()
		d.events.Emit(eventbus.EventTypeAgentRouted, map[string]interface{}{
			"agentId":      agentID,
			"agentName":    agent.Name,
			"provider":     agent.Provider,
			"model":        agent.Model,
			"isTeamRouted": isTeamRouted,
		})
	} else {
		d.metrics.MessagesProcessed.WithLabelValues(env.Channel, "internal").Inc()
	}

	var (
		conv    *conversation.Conversation
		team    models.Team
		hasTeam bool
	)
	if internal {
		if c, ok := d.conversations.Get(env.ConversationID); ok {
			conv, team, hasTeam = c, c.Team, true
		} else {
			log.Printf("[Dispatch] Warning: conversation %s not found; answering @%s directly", env.ConversationID, agentID)
		}
	} else {
		team, hasTeam = routing.TeamContext(agentID, isTeamRouted, reg)
	}

	response := d.invoke(ctx, agent, body, env.FromAgent, reg)

	if !hasTeam {
		return agentID, d.singleShot(env, agentID, response)
	}
	return agentID, d.teamStep(ctx, env, conv, team, agentID, response, reg)
}

// invoke runs the agent once, consuming its reset flag. Failures become the
// apology text so the conversation still makes progress.
func (d *Dispatcher) invoke(ctx context.Context, agent models.Agent, message, fromAgent string, reg *models.Registry) string {
	reset := d.consumeResetFlag(agent.ID, reg)

	var from interface{}
	if fromAgent != "" {
		from = fromAgent
	}
	d.events.Emit(eventbus.EventTypeChainStepStart, map[string]interface{}{
		"agentId":   agent.ID,
		"agentName": agent.Name,
		"fromAgent": from,
	})

	ctx, span := telemetry.Tracer.Start(ctx, "dispatch.invoke_agent",
		trace.WithAttributes(
			attribute.String("agent.id", agent.ID),
			attribute.String("agent.provider", agent.Provider),
			attribute.Bool("agent.reset", reset),
		))
	start := time.Now()
	response, err := d.invoker.Invoke(ctx, agent, message, reset, reg)
	elapsed := time.Since(start)
	telemetry.AgentExecutionTime.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("agent.id", agent.ID)))
	d.metrics.RecordInvocation(agent.ID, agent.Provider, err == nil, elapsed.Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Printf("[Dispatch] ERROR: %s error (agent: %s, %s): %v", agent.Provider, agent.ID, failureKind(err), err)
		d.metrics.MessagesFailed.WithLabelValues(failureKind(err)).Inc()
		response = ApologyText
	}
	span.End()

	d.events.Emit(eventbus.EventTypeChainStepDone, map[string]interface{}{
		"agentId":        agent.ID,
		"agentName":      agent.Name,
		"responseLength": len(response),
		"responseText":   response,
	})
	return response
}

func (d *Dispatcher) consumeResetFlag(agentID string, reg *models.Registry) bool {
	path := reg.ResetFlagPath(agentID)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[Dispatch] Warning: failed to remove reset flag for %s: %v", agentID, err)
	}
	log.Printf("[Dispatch] Resetting conversation for agent %s", agentID)
	d.metrics.ResetsConsumed.WithLabelValues(agentID).Inc()
	return true
}

// singleShot answers a message with no team context directly.
func (d *Dispatcher) singleShot(env *messages.Envelope, agentID, response string) error {
	text := strings.TrimSpace(response)
	outbound := routing.CollectFiles(text)
	text = routing.StripTags(text)

	message, files, err := d.split(text, outbound)
	if err != nil {
		return err
	}

	resp := &messages.Response{
		Channel:         env.Channel,
		Sender:          env.Sender,
		Message:         message,
		OriginalMessage: env.Message,
		Timestamp:       messages.NowMillis(),
		MessageID:       env.MessageID,
		Agent:           agentID,
		Files:           files,
	}
	if err := d.queue.WriteResponse(responseName(env.Channel, env.MessageID), resp); err != nil {
		return err
	}

	log.Printf("[Dispatch] ✓ Response ready [%s] %s via agent:%s (%d chars)", env.Channel, env.Sender, agentID, len(text))
	d.events.Emit(eventbus.EventTypeResponseReady, map[string]interface{}{
		"channel":        env.Channel,
		"sender":         env.Sender,
		"agentId":        agentID,
		"responseLength": len(text),
		"responseText":   text,
		"messageId":      env.MessageID,
	})
	return nil
}

// teamStep records one branch of a team conversation, fans out to mentioned
// teammates, and completes the conversation when its last branch closes.
// The conversation stays in the table until its reply is written; if that
// write fails the branch is reopened so a retry of this file completes it.
func (d *Dispatcher) teamStep(ctx context.Context, env *messages.Envelope, conv *conversation.Conversation, team models.Team, agentID, response string, reg *models.Registry) error {
	started := conv == nil
	if started {
		conv = d.conversations.Start(env.MessageID, env.Channel, env.Sender, env.SenderID, env.Message, team, d.cfg.MaxConversationMessages)
		telemetry.ConversationsOpen.Add(ctx, 1)
		d.metrics.ActiveConversations.Set(float64(d.conversations.Len()))
		log.Printf("[Dispatch] Conversation started: %s (team: %s)", conv.ID, team.Name)
		d.events.Emit(eventbus.EventTypeTeamChainStart, map[string]interface{}{
			"teamId":   team.ID,
			"teamName": team.Name,
			"agents":   team.Agents,
			"leader":   team.LeaderAgent,
		})
	}

	conv.Lock()
	conv.Record(agentID, response, routing.CollectFiles(response))

	mentions := routing.ExtractMentions(response, agentID, conv.Team.ID, reg)
	if len(mentions) > 0 {
		if conv.CanFanOut() {
			if failed := d.fanOut(ctx, conv, env, agentID, mentions); len(failed) > 0 {
				conv.Annotate(conversation.UndeliveredNote(failed))
			}
		} else {
			log.Printf("[Dispatch] WARN: Conversation %s hit max messages (%d), not enqueuing further mentions", conv.ID, conv.MaxMessages)
		}
	}

	if !conv.CloseBranch() {
		log.Printf("[Dispatch] Conversation %s: %d branch(es) still pending", conv.ID, conv.Pending())
		conv.Unlock()
		return nil
	}

	c := completion{
		steps:         conv.Responses(),
		files:         conv.Files(),
		totalMessages: conv.TotalMessages(),
	}
	text, err := d.deliver(conv, c)
	if err != nil {
		if started {
			// The retry arrives as a fresh external message and starts over.
			d.conversations.Remove(conv.ID)
		} else {
			conv.Reopen()
		}
		conv.Unlock()
		if started {
			telemetry.ConversationsOpen.Add(ctx, -1)
			d.metrics.ActiveConversations.Set(float64(d.conversations.Len()))
		}
		log.Printf("[Dispatch] Conversation %s reply not delivered, branch @%s will be retried: %v", conv.ID, agentID, err)
		return err
	}
	d.conversations.Remove(conv.ID)
	conv.Unlock()

	telemetry.ConversationsOpen.Add(ctx, -1)
	d.metrics.ActiveConversations.Set(float64(d.conversations.Len()))
	d.complete(conv, c, text, reg)
	return nil
}

// completion is the state of a conversation captured when its last branch
// closed.
type completion struct {
	steps         []conversation.Step
	files         []string
	totalMessages int
}

// fanOut enqueues one internal envelope per mention and returns the
// teammates whose delegation could not be enqueued; those are not counted
// as pending. The caller holds the conversation lock.
func (d *Dispatcher) fanOut(ctx context.Context, conv *conversation.Conversation, env *messages.Envelope, from string, mentions []routing.Mention) []string {
	// Other branches still owed a response, seen by each recipient: the ones
	// already open minus the closing branch, plus this agent's other mentions.
	others := conv.Pending() + len(mentions) - 2
	note := ""
	if others > 0 {
		note = conversation.SiblingNote(others)
	}

	var failed []string
	for _, m := range mentions {
		internal := &messages.Envelope{
			Channel:        env.Channel,
			Sender:         env.Sender,
			SenderID:       env.SenderID,
			Message:        messages.Teammate(from, m.Message) + note,
			Timestamp:      messages.NowMillis(),
			MessageID:      env.MessageID,
			Agent:          m.TeammateID,
			ConversationID: conv.ID,
			FromAgent:      from,
		}
		name := fmt.Sprintf("internal_%s_%s_%d_%s.json", conv.ID, m.TeammateID, internal.Timestamp, uuid.NewString()[:4])
		if err := d.queue.Enqueue(name, internal); err != nil {
			log.Printf("[Dispatch] ERROR: failed to enqueue delegation @%s→@%s: %v", from, m.TeammateID, err)
			d.metrics.MessagesFailed.WithLabelValues("delegation").Inc()
			failed = append(failed, m.TeammateID)
			continue
		}

		conv.OpenBranch(from)
		log.Printf("[Dispatch] @%s → @%s", from, m.TeammateID)
		d.metrics.TeamHandoffs.WithLabelValues(conv.Team.ID).Inc()
		telemetry.TeamHandoffs.Add(ctx, 1, metric.WithAttributes(attribute.String("team.id", conv.Team.ID)))
		d.events.Emit(eventbus.EventTypeChainHandoff, map[string]interface{}{
			"teamId":    conv.Team.ID,
			"fromAgent": from,
			"toAgent":   m.TeammateID,
		})
	}
	return failed
}

// deliver aggregates a finished conversation and writes its single outgoing
// response. It returns the delivered text.
func (d *Dispatcher) deliver(conv *conversation.Conversation, c completion) (string, error) {
	aggregate := strings.TrimSpace(conversation.Aggregate(c.steps))
	outbound := dedupe(append(c.files, routing.CollectFiles(aggregate)...))
	text := routing.StripTags(aggregate)

	message, files, err := d.split(text, outbound)
	if err != nil {
		return "", err
	}

	resp := &messages.Response{
		Channel:         conv.Channel,
		Sender:          conv.Sender,
		Message:         message,
		OriginalMessage: conv.OriginalMessage,
		Timestamp:       messages.NowMillis(),
		MessageID:       conv.MessageID,
		Files:           files,
	}
	if err := d.queue.WriteResponse(responseName(conv.Channel, conv.MessageID), resp); err != nil {
		return "", err
	}
	return text, nil
}

// complete announces a delivered conversation and saves its transcript.
func (d *Dispatcher) complete(conv *conversation.Conversation, c completion, text string, reg *models.Registry) {
	agentIDs := make([]string, 0, len(c.steps))
	for _, s := range c.steps {
		agentIDs = append(agentIDs, s.AgentID)
	}
	log.Printf("[Dispatch] Conversation complete: %s (%d response(s))", conv.ID, len(c.steps))
	d.metrics.ConversationSteps.WithLabelValues(conv.Team.ID).Observe(float64(c.totalMessages))
	d.events.Emit(eventbus.EventTypeTeamChainEnd, map[string]interface{}{
		"teamId":     conv.Team.ID,
		"totalSteps": len(c.steps),
		"agents":     agentIDs,
	})
	d.saveTranscript(conv, c, reg)

	log.Printf("[Dispatch] ✓ Response ready [%s] %s (%d chars)", conv.Channel, conv.Sender, len(text))
	d.events.Emit(eventbus.EventTypeResponseReady, map[string]interface{}{
		"channel":        conv.Channel,
		"sender":         conv.Sender,
		"responseLength": len(text),
		"responseText":   text,
		"messageId":      conv.MessageID,
	})
}

// saveTranscript writes the chat history. A failure is logged and never
// blocks the reply.
func (d *Dispatcher) saveTranscript(conv *conversation.Conversation, c completion, reg *models.Registry) {
	if d.chats == nil {
		return
	}
	entries := make([]chats.Entry, 0, len(c.steps))
	for _, s := range c.steps {
		label := "@" + s.AgentID
		if a, ok := reg.Agent(s.AgentID); ok {
			label = fmt.Sprintf("%s (@%s)", a.Name, s.AgentID)
		}
		entries = append(entries, chats.Entry{AgentID: s.AgentID, Label: label, Text: s.Text})
	}
	path, err := d.chats.Save(&chats.Transcript{
		TeamID:          conv.Team.ID,
		TeamName:        conv.Team.Name,
		Channel:         conv.Channel,
		Sender:          conv.Sender,
		TotalMessages:   c.totalMessages,
		OriginalMessage: conv.OriginalMessage,
		Entries:         entries,
		Completed:       time.Now(),
	})
	if err != nil {
		log.Printf("[Dispatch] ERROR: Failed to save chat history: %v", err)
		return
	}
	log.Printf("[Dispatch] Chat history saved: %s", path)
}

// replyAmbiguous answers an external message that named several agents
// with a fixed notice under the same file name.
func (d *Dispatcher) replyAmbiguous(name string, env *messages.Envelope, r routing.Result) error {
	log.Printf("[Dispatch] Multiple agents mentioned (%s), replying with notice", strings.Join(r.Mentioned, ", "))
	resp := &messages.Response{
		Channel:         env.Channel,
		Sender:          env.Sender,
		Message:         r.Body,
		OriginalMessage: env.Message,
		Timestamp:       messages.NowMillis(),
		MessageID:       env.MessageID,
	}
	return d.queue.WriteResponse(name, resp)
}

func (d *Dispatcher) split(text string, files []string) (string, []string, error) {
	if d.splitter == nil {
		return text, files, nil
	}
	message, out, err := d.splitter.Split(text, files)
	if err != nil {
		return "", nil, err
	}
	if len(out) > len(files) {
		d.metrics.LongResponsesSaved.Inc()
	}
	return message, out, nil
}

// queueWait is how long an envelope stamped at ts (unix milliseconds) sat in
// incoming before it was claimed. Unstamped envelopes are not measured.
func queueWait(ts int64, claimed time.Time) (time.Duration, bool) {
	if ts <= 0 {
		return 0, false
	}
	wait := claimed.Sub(time.UnixMilli(ts))
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// responseName is the outgoing file name for a reply on channel.
func responseName(channel, messageID string) string {
	if channel == heartbeatChannel {
		return messageID + ".json"
	}
	return fmt.Sprintf("%s_%s_%d.json", channel, messageID, messages.NowMillis())
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Package dispatcher implements the decision tree that maps one inbound
// user message to its side effects: persistence, broadcasts, canned
// replies, handover gating and AI generation.
package dispatcher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/supportdesk/supportdesk/internal/ai"
	"github.com/supportdesk/supportdesk/internal/chat/matcher"
	"github.com/supportdesk/supportdesk/internal/chat/models"
	"github.com/supportdesk/supportdesk/internal/chat/session"
	"github.com/supportdesk/supportdesk/internal/chat/store"
	"github.com/supportdesk/supportdesk/internal/common/logger"
	"github.com/supportdesk/supportdesk/internal/fetch"
	gws "github.com/supportdesk/supportdesk/internal/gateway/websocket"
	"github.com/supportdesk/supportdesk/internal/settings"
	"github.com/supportdesk/supportdesk/pkg/ws"
)

// Reply confidences recorded per response type.
const (
	confidencePreloaded = 1.0
	confidenceCanned    = 1.0
	confidenceAI        = 0.9
	confidenceFallback  = 0.0
)

// defaultWordLimit caps AI replies at 30 whitespace-separated tokens.
const defaultWordLimit = 30

// Rooms is the emission surface the dispatcher needs from the gateway.
type Rooms interface {
	NotifyRoom(room string, msg *ws.Message)
	NotifyRoomAgents(room string, msg *ws.Message)
	NotifyClient(clientID string, msg *ws.Message) bool
}

// AgentLocator resolves an agent id to its live connection.
type AgentLocator interface {
	AgentConnection(agentID string) (string, bool)
}

// Params wires the dispatcher's collaborators.
type Params struct {
	Repo      store.Repository
	Sessions  *session.Service
	Matcher   *matcher.Matcher
	Generator ai.TextGenerator // nil disables the AI path
	Fetcher   fetch.Fetcher
	Settings  *settings.Service
	Agents    AgentLocator
	Rooms     Rooms
	Queue     *BestEffortQueue
	RedactPII bool
	WordLimit int
	Now       func() time.Time
	Logger    *logger.Logger
}

// Dispatcher executes the per-message decision tree. One instance serves
// all sessions; per-session ordering comes from the connection read pump.
type Dispatcher struct {
	repo      store.Repository
	sessions  *session.Service
	match     *matcher.Matcher
	gen       ai.TextGenerator
	fetcher   fetch.Fetcher
	settings  *settings.Service
	agents    AgentLocator
	rooms     Rooms
	queue     *BestEffortQueue
	redact    bool
	wordLimit int
	now       func() time.Time
	logger    *logger.Logger
}

// New creates a dispatcher.
func New(p Params) *Dispatcher {
	if p.WordLimit <= 0 {
		p.WordLimit = defaultWordLimit
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Dispatcher{
		repo:      p.Repo,
		sessions:  p.Sessions,
		match:     p.Matcher,
		gen:       p.Generator,
		fetcher:   p.Fetcher,
		settings:  p.Settings,
		agents:    p.Agents,
		rooms:     p.Rooms,
		queue:     p.Queue,
		redact:    p.RedactPII,
		wordLimit: p.WordLimit,
		now:       p.Now,
		logger:    p.Logger.WithComponent("dispatcher"),
	}
}

// UserMessage is one inbound visitor message.
type UserMessage struct {
	SessionID     string
	Text          string
	Type          string // "" or "text" or "image"
	AttachmentURL string
	ConnectionID  string
}

// HandleUserMessage runs the full decision tree for one message. It never
// returns an error to the transport; failures become fixed bot replies or
// a session_error to the sender.
func (d *Dispatcher) HandleUserMessage(ctx context.Context, in UserMessage) {
	log := d.logger.WithSessionID(in.SessionID)
	text := strings.TrimSpace(in.Text)

	// Step 1: validate.
	if in.SessionID == "" || (text == "" && in.AttachmentURL == "") {
		d.sendError(in.ConnectionID, "sessionId and text are required")
		return
	}

	sess, _, err := d.sessions.EnsureSession(ctx, in.SessionID, nil)
	if err != nil {
		log.WithError(err).Error("failed to load session")
		d.sendError(in.ConnectionID, "session unavailable")
		return
	}

	// Step 2: persist the user message before anything else.
	userMsg := &models.Message{
		SessionID:     in.SessionID,
		Sender:        models.SenderUser,
		Text:          text,
		AttachmentURL: in.AttachmentURL,
	}
	if err := d.repo.AppendMessage(ctx, userMsg); err != nil {
		log.WithError(err).Error("failed to persist user message")
	}
	d.queue.Submit(func(ctx context.Context) {
		if err := d.sessions.Touch(ctx, in.SessionID); err != nil {
			log.WithError(err).Debug("failed to touch session")
		}
	})

	// Step 3: admin feed hears every user message, for notification sounds.
	d.notifyRoom(gws.RoomAdminFeed, ws.ActionUserMessageForAgent, map[string]interface{}{
		"sessionId": in.SessionID,
		"text":      text,
		"ts":        d.now().UTC(),
	})

	// Step 4: a message into a concluded session reopens it.
	wasConcluded := sess.Concluded()
	if wasConcluded {
		if err := d.sessions.Reopen(ctx, in.SessionID); err != nil {
			log.WithError(err).Error("failed to reopen session")
		}
	}

	// Step 5: conclusion options outrank every other classifier.
	if d.handleConclusionOptions(ctx, in, text, wasConcluded, log) {
		return
	}

	// Step 6: human intent is hard-gated; no AI afterwards.
	if d.match.WantsHumanAgent(text) {
		d.handleHumanIntent(ctx, in, log)
		return
	}

	// Step 7: assigned or paused sessions route to the agent, not the AI.
	// On a read-through failure the session row already in hand decides;
	// a transient store error must not route an assigned session to the AI.
	assignment, err := d.sessions.Assignment(ctx, in.SessionID)
	if err != nil {
		log.WithError(err).Error("failed to load assignment")
		assignment = session.Assignment{
			AgentID:  sess.AssignedAgent,
			AIPaused: sess.Status == models.SessionAgentAssigned || sess.AssignedAgent != "",
		}
	}
	if assignment.AIPaused || assignment.AgentID != "" {
		d.forwardToAgent(in, text, assignment.AgentID)
		return
	}

	// Step 8: vision branch.
	if in.Type == "image" && in.AttachmentURL != "" {
		d.handleImage(ctx, in, text, log)
		return
	}

	// Step 9: preloaded replies answer without the AI.
	if reply, ok := d.match.PreloadedReply(text); ok {
		d.emitBot(in.SessionID, reply, confidencePreloaded, "", nil, false)
		d.persistBotAsync(in.SessionID, reply, models.ResponsePreloaded, confidencePreloaded, nil, log)
		return
	}

	// Step 10: ending phrase asks the conclusion question.
	if d.match.IsEndingPhrase(text) {
		d.persistBot(ctx, in.SessionID, MsgConclusionQuestion, models.ResponseStub, confidenceCanned, nil, log)
		d.emitBot(in.SessionID, MsgConclusionQuestion, confidenceCanned, TypeConclusionQuestion, conclusionOptions(), false)
		return
	}

	// Step 11: content filter.
	if d.match.IsBlocked(text) {
		d.persistBot(ctx, in.SessionID, MsgContentRejected, models.ResponseStub, confidenceCanned,
			map[string]interface{}{"filtered": true}, log)
		d.emitBot(in.SessionID, MsgContentRejected, confidenceCanned, TypeContentFiltered, nil, false)
		return
	}

	// Steps 12/13: AI with fallback.
	d.handleAI(ctx, in, log)
}

// handleConclusionOptions processes the two option chips. Returns true
// when the turn is fully handled.
func (d *Dispatcher) handleConclusionOptions(ctx context.Context, in UserMessage, text string, wasConcluded bool, log *logger.Logger) bool {
	normalized := matcher.Normalize(text)
	switch normalized {
	case matcher.Normalize(LabelThankYou), OptionThankYou:
		if _, err := d.sessions.Close(ctx, in.SessionID); err != nil {
			log.WithError(err).Error("failed to close session")
		}
		d.persistBot(ctx, in.SessionID, MsgConclusionFinal, models.ResponseStub, confidenceCanned, nil, log)
		d.emitBot(in.SessionID, MsgConclusionFinal, confidenceCanned, TypeConclusionFinal, nil, false)
		d.notifyRoom(gws.SessionRoom(in.SessionID), ws.ActionConversationClosed, map[string]interface{}{
			"sessionId": in.SessionID,
		})
		return true

	case matcher.Normalize(LabelContinue), OptionContinue:
		if wasConcluded {
			d.emitBot(in.SessionID, MsgContinueAfterConclusion, confidenceCanned, "", nil, false)
			return true
		}
		return false
	}
	return false
}

// handleHumanIntent answers an agent request according to business hours.
func (d *Dispatcher) handleHumanIntent(ctx context.Context, in UserMessage, log *logger.Logger) {
	if withinBusinessHours(d.now()) {
		d.persistBot(ctx, in.SessionID, MsgAgentPromptInHours, models.ResponseStub, confidenceCanned, nil, log)
		d.emitBot(in.SessionID, MsgAgentPromptInHours, confidenceCanned, TypeAgentPrompt, nil, true)
		return
	}
	d.persistBot(ctx, in.SessionID, MsgAgentOffHours, models.ResponseStub, confidenceCanned, nil, log)
	d.emitBot(in.SessionID, MsgAgentOffHours, confidenceCanned, TypeAgentPrompt, nil, false)
	d.emitBot(in.SessionID, MsgOfflineForm, confidenceCanned, TypeOfflineForm, nil, false)
}

// forwardToAgent echoes the user message into the session room and, when
// the assigned agent is online, forwards it to that agent's connection.
func (d *Dispatcher) forwardToAgent(in UserMessage, text, agentID string) {
	d.notifyRoom(gws.SessionRoom(in.SessionID), ws.ActionUserMessage, map[string]interface{}{
		"sessionId": in.SessionID,
		"text":      text,
		"sender":    string(models.SenderUser),
	})
	if agentID == "" {
		return
	}
	if connID, online := d.agents.AgentConnection(agentID); online {
		msg, err := ws.NewNotification(ws.ActionUserMessageForAgent, map[string]interface{}{
			"sessionId": in.SessionID,
			"text":      text,
			"ts":        d.now().UTC(),
		})
		if err == nil {
			d.rooms.NotifyClient(connID, msg)
		}
	}
}

// handleImage runs the vision path.
func (d *Dispatcher) handleImage(ctx context.Context, in UserMessage, text string, log *logger.Logger) {
	if d.gen == nil || d.fetcher == nil {
		d.emitFallback(ctx, in.SessionID, log)
		return
	}

	image, mime, err := d.fetcher.Fetch(ctx, in.AttachmentURL)
	if err != nil {
		log.WithError(err).Error("failed to fetch attachment")
		d.emitFallback(ctx, in.SessionID, log)
		return
	}

	prompt := d.settings.ImageAnalysisPrompt(ctx)
	if text != "" {
		prompt += "\n\nUser question: " + text
	}
	res, err := d.gen.GenerateWithImage(ctx, prompt, image, mime)
	if err != nil {
		log.WithError(err).Error("vision generation failed")
		d.emitFallback(ctx, in.SessionID, log)
		return
	}

	reply := d.finalizeAIText(res.Text)
	d.persistBot(ctx, in.SessionID, reply, models.ResponseVision, confidenceAI, nil, log)
	d.emitBot(in.SessionID, reply, confidenceAI, "", nil, false)
	d.recordAccuracy(in.SessionID, reply, models.ResponseVision, confidenceAI, res, log)
}

// handleAI streams a generation into the session room (steps 12 and 13).
func (d *Dispatcher) handleAI(ctx context.Context, in UserMessage, log *logger.Logger) {
	if d.gen == nil {
		d.emitFallback(ctx, in.SessionID, log)
		return
	}

	limit := d.settings.ContextLimit(ctx)
	history, err := d.repo.ListMessages(ctx, in.SessionID, limit, false)
	if err != nil {
		log.WithError(err).Error("failed to load history")
		history = nil
	}
	prompt := buildPrompt(d.settings.SystemPrompt(ctx), history)

	res, err := d.gen.GenerateStream(ctx, prompt, func(cumulative string) {
		d.notifyRoom(gws.SessionRoom(in.SessionID), ws.ActionBotStream, map[string]interface{}{
			"sessionId": in.SessionID,
			"text":      cumulative,
		})
	})
	if err != nil {
		log.WithError(err).Warn("AI generation failed")
		d.emitFallback(ctx, in.SessionID, log)
		return
	}
	if res.BlockReason != "" {
		d.persistBot(ctx, in.SessionID, MsgContentRejected, models.ResponseStub, confidenceCanned,
			map[string]interface{}{"filtered": true, "blockReason": res.BlockReason}, log)
		d.emitBot(in.SessionID, MsgContentRejected, confidenceCanned, TypeContentFiltered, nil, false)
		return
	}

	reply := d.finalizeAIText(res.Text)
	d.persistBot(ctx, in.SessionID, reply, models.ResponseAI, confidenceAI, nil, log)
	d.emitBot(in.SessionID, reply, confidenceAI, "", nil, false)
	d.recordAccuracy(in.SessionID, reply, models.ResponseAI, confidenceAI, res, log)
}

// finalizeAIText applies the word limit and optional PII redaction.
func (d *Dispatcher) finalizeAIText(text string) string {
	text = truncateWords(strings.TrimSpace(text), d.wordLimit)
	if d.redact {
		text = redactPII(text)
	}
	return text
}

// emitFallback is step 13: the fixed unavailable message with a fallback
// accuracy record.
func (d *Dispatcher) emitFallback(ctx context.Context, sessionID string, log *logger.Logger) {
	d.persistBot(ctx, sessionID, MsgAIUnavailable, models.ResponseFallback, confidenceFallback, nil, log)
	d.emitBot(sessionID, MsgAIUnavailable, confidenceFallback, TypeFallback, nil, false)
	d.recordAccuracy(sessionID, MsgAIUnavailable, models.ResponseFallback, confidenceFallback, nil, log)
}

// emitBot broadcasts a bot_message into the session room.
func (d *Dispatcher) emitBot(sessionID, text string, confidence float64, msgType string, options []BotOption, showAgentButton bool) {
	payload := map[string]interface{}{
		"sessionId":  sessionID,
		"text":       text,
		"confidence": confidence,
	}
	if msgType != "" {
		payload["type"] = msgType
	}
	if len(options) > 0 {
		payload["options"] = options
	}
	if showAgentButton {
		payload["showAgentButton"] = true
	}
	d.notifyRoom(gws.SessionRoom(sessionID), ws.ActionBotMessage, payload)
}

// persistBot stores a bot message synchronously. The confidence travels in
// the message metadata so transcripts carry it alongside the accuracy rows.
func (d *Dispatcher) persistBot(ctx context.Context, sessionID, text string, rt models.ResponseType, confidence float64, metadata map[string]interface{}, log *logger.Logger) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["confidence"] = confidence
	msg := &models.Message{
		SessionID: sessionID,
		Sender:    models.SenderBot,
		Text:      text,
		Metadata:  metadata,
	}
	if err := d.repo.AppendMessage(ctx, msg); err != nil {
		log.WithError(err).Error("failed to persist bot message",
			zap.String("response_type", string(rt)))
	}
}

// persistBotAsync stores a bot message and its accuracy record on the
// best-effort queue, keeping canned replies off the hot path.
func (d *Dispatcher) persistBotAsync(sessionID, text string, rt models.ResponseType, confidence float64, metadata map[string]interface{}, log *logger.Logger) {
	d.queue.Submit(func(ctx context.Context) {
		d.persistBot(ctx, sessionID, text, rt, confidence, metadata, log)
	})
	d.recordAccuracy(sessionID, text, rt, confidence, nil, log)
}

// recordAccuracy writes the audit row for a generated reply.
func (d *Dispatcher) recordAccuracy(sessionID, text string, rt models.ResponseType, confidence float64, res *ai.Result, log *logger.Logger) {
	rec := &models.AccuracyRecord{
		SessionID:    sessionID,
		Text:         text,
		Confidence:   confidence,
		ResponseType: rt,
	}
	if d.redact {
		rec.Text = redactPII(rec.Text)
	}
	if res != nil {
		rec.Model = res.Model
		rec.Tokens = res.Tokens
		rec.LatencyMS = res.Latency.Milliseconds()
		meta, err := json.Marshal(map[string]interface{}{
			"model":     res.Model,
			"tokens":    res.Tokens,
			"latencyMs": res.Latency.Milliseconds(),
		})
		if err == nil {
			rec.Metadata = capAccuracyMeta(string(meta))
		}
	}
	d.queue.Submit(func(ctx context.Context) {
		if err := d.repo.CreateAccuracyRecord(ctx, rec); err != nil {
			log.WithError(err).Warn("failed to record accuracy")
		}
	})
}

func (d *Dispatcher) notifyRoom(room, action string, payload interface{}) {
	msg, err := ws.NewNotification(action, payload)
	if err != nil {
		d.logger.WithError(err).Error("failed to build notification", zap.String("action", action))
		return
	}
	d.rooms.NotifyRoom(room, msg)
}

func (d *Dispatcher) sendError(connID, message string) {
	if connID == "" {
		return
	}
	msg, err := ws.NewNotification(ws.ActionSessionError, map[string]interface{}{
		"error": message,
	})
	if err != nil {
		return
	}
	d.rooms.NotifyClient(connID, msg)
}

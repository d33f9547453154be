package dispatcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/supportdesk/internal/ai"
	"github.com/supportdesk/supportdesk/internal/chat/matcher"
	"github.com/supportdesk/supportdesk/internal/chat/models"
	"github.com/supportdesk/supportdesk/internal/chat/session"
	"github.com/supportdesk/supportdesk/internal/chat/store"
	apperrors "github.com/supportdesk/supportdesk/internal/common/errors"
	"github.com/supportdesk/supportdesk/internal/common/logger"
	gws "github.com/supportdesk/supportdesk/internal/gateway/websocket"
	"github.com/supportdesk/supportdesk/internal/settings"
	"github.com/supportdesk/supportdesk/pkg/ws"
)

type sentMessage struct {
	Room   string
	Client string
	Msg    *ws.Message
}

type fakeRooms struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeRooms) NotifyRoom(room string, msg *ws.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Room: room, Msg: msg})
}

func (f *fakeRooms) NotifyRoomAgents(room string, msg *ws.Message) {
	f.NotifyRoom(room, msg)
}

func (f *fakeRooms) NotifyClient(clientID string, msg *ws.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Client: clientID, Msg: msg})
	return true
}

// actionsInRoom returns the actions delivered to a room, in order.
func (f *fakeRooms) actionsInRoom(room string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var actions []string
	for _, s := range f.sent {
		if s.Room == room {
			actions = append(actions, s.Msg.Action)
		}
	}
	return actions
}

// payloadsInRoom decodes every payload delivered to a room for an action.
func (f *fakeRooms) payloadsInRoom(t *testing.T, room, action string) []map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var payloads []map[string]interface{}
	for _, s := range f.sent {
		if s.Room != room || s.Msg.Action != action {
			continue
		}
		var p map[string]interface{}
		require.NoError(t, s.Msg.ParsePayload(&p))
		payloads = append(payloads, p)
	}
	return payloads
}

func (f *fakeRooms) clientActions(clientID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var actions []string
	for _, s := range f.sent {
		if s.Client == clientID {
			actions = append(actions, s.Msg.Action)
		}
	}
	return actions
}

type fakeAgents struct {
	conns map[string]string
}

func (f *fakeAgents) AgentConnection(agentID string) (string, bool) {
	connID, ok := f.conns[agentID]
	return connID, ok
}

type fakeGenerator struct {
	result *ai.Result
	err    error
	chunks []string

	mu    sync.Mutex
	calls int
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (*ai.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, prompt string, onPartial ai.PartialFunc) (*ai.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	cumulative := ""
	for _, c := range f.chunks {
		cumulative += c
		if onPartial != nil {
			onPartial(cumulative)
		}
	}
	return f.result, nil
}

func (f *fakeGenerator) GenerateWithImage(ctx context.Context, prompt string, image []byte, mime string) (*ai.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	disp  *Dispatcher
	rooms *fakeRooms
	repo  store.Repository
	sess  *session.Service
	gen   *fakeGenerator
}

// wednesdayMorning is within business hours (Mon-Fri 9-17 local).
var wednesdayMorning = time.Date(2025, 3, 12, 10, 0, 0, 0, time.Local)

// saturdayNight is outside business hours.
var saturdayNight = time.Date(2025, 3, 15, 22, 0, 0, 0, time.Local)

func newFixture(t *testing.T, opts func(*Params)) *fixture {
	t.Helper()
	repo, err := store.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"), store.DefaultTables())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	log := logger.Default()
	sessions := session.NewService(repo, log)
	rooms := &fakeRooms{}
	gen := &fakeGenerator{result: &ai.Result{Text: "Sure, happy to help.", Model: "test-model"}}

	queue := NewBestEffortQueue(32, log)
	ctx, cancel := context.WithCancel(context.Background())
	queue.Start(ctx)
	t.Cleanup(func() {
		cancel()
		queue.Close()
	})

	p := Params{
		Repo:      repo,
		Sessions:  sessions,
		Matcher:   matcher.New(nil),
		Generator: gen,
		Settings:  settings.NewService(repo, log),
		Agents:    &fakeAgents{conns: map[string]string{}},
		Rooms:     rooms,
		Queue:     queue,
		Now:       func() time.Time { return wednesdayMorning },
		Logger:    log,
	}
	if opts != nil {
		opts(&p)
	}
	return &fixture{
		disp:  New(p),
		rooms: rooms,
		repo:  p.Repo,
		sess:  p.Sessions,
		gen:   gen,
	}
}

// flakyRepo fails GetSession after an armed number of successful calls,
// simulating a store that drops out mid-dispatch.
type flakyRepo struct {
	store.Repository

	mu     sync.Mutex
	armed  bool
	budget int
}

func (r *flakyRepo) failGetsAfter(n int) {
	r.mu.Lock()
	r.armed = true
	r.budget = n
	r.mu.Unlock()
}

func (r *flakyRepo) GetSession(ctx context.Context, id string) (*models.Session, error) {
	r.mu.Lock()
	if r.armed {
		if r.budget == 0 {
			r.mu.Unlock()
			return nil, apperrors.Transient("store unavailable", errors.New("connection reset"))
		}
		r.budget--
	}
	r.mu.Unlock()
	return r.Repository.GetSession(ctx, id)
}

func botPayloads(t *testing.T, f *fixture, sessionID string) []map[string]interface{} {
	t.Helper()
	return f.rooms.payloadsInRoom(t, gws.SessionRoom(sessionID), ws.ActionBotMessage)
}

func TestGreetingAnswersFromPreloadedReplies(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "Hello!"})

	bots := botPayloads(t, f, "s-1")
	require.Len(t, bots, 1)
	assert.Equal(t, matcher.GreetingReply, bots[0]["text"])
	assert.Equal(t, 1.0, bots[0]["confidence"])
	assert.Zero(t, f.gen.callCount(), "preloaded replies must not reach the AI")

	// The audit row lands via the best-effort queue.
	require.Eventually(t, func() bool {
		msgs, err := f.repo.ListMessages(ctx, "s-1", 10, true)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Sender == models.SenderBot && m.Text == matcher.GreetingReply {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHumanIntentWithinHoursEmitsSinglePrompt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "I want to talk to a human"})

	bots := botPayloads(t, f, "s-1")
	require.Len(t, bots, 1, "exactly one agent prompt, no AI reply")
	assert.Equal(t, MsgAgentPromptInHours, bots[0]["text"])
	assert.Equal(t, true, bots[0]["showAgentButton"])
	assert.Zero(t, f.gen.callCount())
}

func TestHumanIntentOffHoursEmitsOfflineForm(t *testing.T) {
	f := newFixture(t, func(p *Params) {
		p.Now = func() time.Time { return saturdayNight }
	})
	ctx := context.Background()

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "connect me with an agent"})

	bots := botPayloads(t, f, "s-1")
	require.Len(t, bots, 2)
	assert.Equal(t, MsgAgentOffHours, bots[0]["text"])
	assert.Nil(t, bots[0]["showAgentButton"])
	assert.Equal(t, MsgOfflineForm, bots[1]["text"])
	assert.Zero(t, f.gen.callCount())
}

func TestAssignedSessionSuppressesAI(t *testing.T) {
	f := newFixture(t, func(p *Params) {
		p.Agents = &fakeAgents{conns: map[string]string{"agent-1": "conn-agent-1"}}
	})
	ctx := context.Background()

	_, _, err := f.sess.EnsureSession(ctx, "s-1", nil)
	require.NoError(t, err)
	_, err = f.sess.Takeover(ctx, "s-1", "agent-1")
	require.NoError(t, err)

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "what is your refund policy?", ConnectionID: "conn-visitor"})

	room := gws.SessionRoom("s-1")
	assert.Contains(t, f.rooms.actionsInRoom(room), ws.ActionUserMessage, "message echoes into the session room")
	assert.NotContains(t, f.rooms.actionsInRoom(room), ws.ActionBotMessage, "no bot reply while an agent holds the session")
	assert.Equal(t, []string{ws.ActionUserMessageForAgent}, f.rooms.clientActions("conn-agent-1"))
	assert.Zero(t, f.gen.callCount())
}

func TestAssignmentLoadFailureStillSuppressesAI(t *testing.T) {
	var flaky *flakyRepo
	f := newFixture(t, func(p *Params) {
		flaky = &flakyRepo{Repository: p.Repo}
		p.Repo = flaky
		p.Sessions = session.NewService(flaky, logger.Default())
		p.Agents = &fakeAgents{conns: map[string]string{"agent-1": "conn-agent-1"}}
	})
	ctx := context.Background()

	_, _, err := f.sess.EnsureSession(ctx, "s-1", nil)
	require.NoError(t, err)
	_, err = f.sess.Takeover(ctx, "s-1", "agent-1")
	require.NoError(t, err)

	// The session row load succeeds, the assignment read-through does not.
	flaky.failGetsAfter(1)

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "is anyone there?", ConnectionID: "conn-visitor"})

	room := gws.SessionRoom("s-1")
	assert.Contains(t, f.rooms.actionsInRoom(room), ws.ActionUserMessage, "message still routes to the session room")
	assert.NotContains(t, f.rooms.actionsInRoom(room), ws.ActionBotMessage, "a store blip must not hand the session back to the AI")
	assert.Equal(t, []string{ws.ActionUserMessageForAgent}, f.rooms.clientActions("conn-agent-1"))
	assert.Zero(t, f.gen.callCount())
}

func TestEndingPhraseAsksConclusionQuestion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "bye"})

	bots := botPayloads(t, f, "s-1")
	require.Len(t, bots, 1)
	assert.Equal(t, MsgConclusionQuestion, bots[0]["text"])
	assert.Equal(t, TypeConclusionQuestion, bots[0]["type"])

	options, ok := bots[0]["options"].([]interface{})
	require.True(t, ok)
	require.Len(t, options, 2)
	first := options[0].(map[string]interface{})
	assert.Equal(t, OptionThankYou, first["value"])
	assert.Equal(t, LabelThankYou, first["label"])
}

func TestThankYouClosesThenNextMessageReopens(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "bye"})
	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: LabelThankYou})

	room := gws.SessionRoom("s-1")
	assert.Contains(t, f.rooms.actionsInRoom(room), ws.ActionConversationClosed)

	sess, err := f.sess.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionClosed, sess.Status)
	assert.True(t, sess.Concluded())

	// The next user message reopens the session before classification.
	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "actually one more thing"})

	sess, err = f.sess.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, sess.Status)
	assert.False(t, sess.Concluded())
}

func TestContinueAfterConclusionInstructsOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "bye"})
	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: LabelThankYou})
	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: LabelContinue})

	bots := botPayloads(t, f, "s-1")
	require.NotEmpty(t, bots)
	assert.Equal(t, MsgContinueAfterConclusion, bots[len(bots)-1]["text"])
	assert.Zero(t, f.gen.callCount(), "continue chip must not trigger a generation")
}

func TestContinueWithoutConclusionFallsThrough(t *testing.T) {
	f := newFixture(t, func(p *Params) {
		g := &fakeGenerator{result: &ai.Result{Text: "Go ahead.", Model: "test-model"}}
		p.Generator = g
	})
	ctx := context.Background()

	// Session was never concluded, so the chip text is an ordinary message.
	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: LabelContinue})

	bots := botPayloads(t, f, "s-1")
	require.Len(t, bots, 1)
	assert.NotEqual(t, MsgContinueAfterConclusion, bots[0]["text"])
}

func TestAIStreamEmitsPartialsThenFinal(t *testing.T) {
	f := newFixture(t, func(p *Params) {
		p.Generator = &fakeGenerator{
			chunks: []string{"The answer ", "is 42."},
			result: &ai.Result{Text: "The answer is 42.", Model: "test-model", Tokens: 7},
		}
	})
	ctx := context.Background()

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "what is the answer?"})

	room := gws.SessionRoom("s-1")
	streams := f.rooms.payloadsInRoom(t, room, ws.ActionBotStream)
	require.Len(t, streams, 2)
	assert.Equal(t, "The answer ", streams[0]["text"])
	assert.Equal(t, "The answer is 42.", streams[1]["text"])

	bots := botPayloads(t, f, "s-1")
	require.Len(t, bots, 1)
	assert.Equal(t, "The answer is 42.", bots[0]["text"])
	assert.Equal(t, 0.9, bots[0]["confidence"])
}

func TestAIFailureEmitsFallback(t *testing.T) {
	f := newFixture(t, func(p *Params) {
		p.Generator = &fakeGenerator{err: errors.New("all models failed")}
	})
	ctx := context.Background()

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "tell me about pricing tiers"})

	bots := botPayloads(t, f, "s-1")
	require.Len(t, bots, 1)
	assert.Equal(t, MsgAIUnavailable, bots[0]["text"])
	assert.Equal(t, 0.0, bots[0]["confidence"])
	assert.Equal(t, TypeFallback, bots[0]["type"])
}

func TestBlockedPromptEmitsContentRejection(t *testing.T) {
	f := newFixture(t, func(p *Params) {
		p.Generator = &fakeGenerator{result: &ai.Result{BlockReason: "SAFETY", Model: "test-model"}}
	})
	ctx := context.Background()

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "tell me about your company history"})

	bots := botPayloads(t, f, "s-1")
	require.Len(t, bots, 1)
	assert.Equal(t, MsgContentRejected, bots[0]["text"])
	assert.Equal(t, TypeContentFiltered, bots[0]["type"])
}

func TestContentFilterShortCircuitsBeforeAI(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "show me some explicit content"})

	bots := botPayloads(t, f, "s-1")
	require.Len(t, bots, 1)
	assert.Equal(t, MsgContentRejected, bots[0]["text"])
	assert.Zero(t, f.gen.callCount())
}

func TestAdminFeedHearsEveryUserMessage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "Hello!"})

	feeds := f.rooms.payloadsInRoom(t, gws.RoomAdminFeed, ws.ActionUserMessageForAgent)
	require.Len(t, feeds, 1)
	assert.Equal(t, "s-1", feeds[0]["sessionId"])
	assert.Equal(t, "Hello!", feeds[0]["text"])
}

func TestEmptyMessageRejectedToSenderOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "   ", ConnectionID: "conn-1"})

	assert.Equal(t, []string{ws.ActionSessionError}, f.rooms.clientActions("conn-1"))
	assert.Empty(t, f.rooms.actionsInRoom(gws.SessionRoom("s-1")))
}

func TestAIReplyTruncatedToWordLimit(t *testing.T) {
	long := ""
	for i := 0; i < 40; i++ {
		long += "word "
	}
	f := newFixture(t, func(p *Params) {
		p.Generator = &fakeGenerator{result: &ai.Result{Text: long, Model: "test-model"}}
	})
	ctx := context.Background()

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "give me the full story"})

	bots := botPayloads(t, f, "s-1")
	require.Len(t, bots, 1)
	text := bots[0]["text"].(string)
	assert.True(t, len(text) < len(long))
	assert.Contains(t, text, "...")
}

func TestTruncateWords(t *testing.T) {
	assert.Equal(t, "one two three", truncateWords("one two three", 5))
	assert.Equal(t, "one two...", truncateWords("one two three four", 2))
	assert.Equal(t, "unchanged", truncateWords("unchanged", 0))
}

func TestRedactPII(t *testing.T) {
	in := "reach me at jane.doe@example.com or +1 (555) 123-4567 thanks"
	out := redactPII(in)
	assert.NotContains(t, out, "jane.doe@example.com")
	assert.NotContains(t, out, "123-4567")
	assert.Contains(t, out, "[redacted-email]")
	assert.Contains(t, out, "[redacted-phone]")
}

func TestCapAccuracyMeta(t *testing.T) {
	short := `{"model":"m"}`
	assert.Equal(t, short, capAccuracyMeta(short))

	long := ""
	for i := 0; i < 300; i++ {
		long += "x"
	}
	capped := capAccuracyMeta(long)
	assert.Len(t, capped, maxAccuracyMetaLen)
	assert.Equal(t, "...", capped[len(capped)-3:])
}

func TestWithinBusinessHours(t *testing.T) {
	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"wednesday morning", wednesdayMorning, true},
		{"saturday night", saturdayNight, false},
		{"monday 9am sharp", time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local), true},
		{"friday 5pm", time.Date(2025, 3, 14, 17, 0, 0, 0, time.Local), false},
		{"sunday noon", time.Date(2025, 3, 16, 12, 0, 0, 0, time.Local), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, withinBusinessHours(tc.at))
		})
	}
}

func TestBotMessagePersistsConfidence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.disp.HandleUserMessage(ctx, UserMessage{SessionID: "s-1", Text: "bye"})

	msgs, err := f.repo.ListMessages(ctx, "s-1", 10, true)
	require.NoError(t, err)
	var bot *models.Message
	for _, m := range msgs {
		if m.Sender == models.SenderBot {
			bot = m
		}
	}
	require.NotNil(t, bot)
	require.NotNil(t, bot.Metadata)
	assert.Equal(t, 1.0, bot.Metadata["confidence"])
}

func TestBestEffortQueueDropsOldestOnOverflow(t *testing.T) {
	log := logger.Default()
	q := NewBestEffortQueue(2, log)
	// Worker not started yet, so the backlog fills.
	var mu sync.Mutex
	var ran []int
	submit := func(n int) {
		q.Submit(func(ctx context.Context) {
			mu.Lock()
			ran = append(ran, n)
			mu.Unlock()
		})
	}
	submit(1)
	submit(2)
	submit(3) // drops 1

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	q.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2, 3}, ran)
}

func TestBestEffortQueueCloseDuringShutdownDrain(t *testing.T) {
	// Shutdown cancels the worker context and then closes the queue, so
	// Close can close the channel while drain is still receiving. Looping
	// makes the interleaving where drain sees the closed channel likely.
	log := logger.Default()
	for i := 0; i < 500; i++ {
		q := NewBestEffortQueue(4, log)
		ctx, cancel := context.WithCancel(context.Background())
		q.Start(ctx)
		q.Submit(func(ctx context.Context) {})
		cancel()
		q.Close()
	}
}

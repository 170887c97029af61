package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"invite-gate/internal/client"
	"invite-gate/internal/config"
	"invite-gate/internal/encryption"
	"invite-gate/internal/models"
	"invite-gate/internal/repository/redis"
	"invite-gate/internal/transport"
)

type sentMessage struct {
	To       int64
	Text     string
	Keyboard transport.Keyboard
	Payload  *models.Payload
}

// fakeMessenger records every outbound call. failFor makes sends to a recipient
// fail with the given error; statuses answers membership lookups by group ref.
type fakeMessenger struct {
	mu        sync.Mutex
	sent      []sentMessage
	edits     []sentMessage
	answers   []string
	failFor   map[int64]error
	statuses  map[string]transport.MemberStatus
	statusErr map[string]error
	nextID    int
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		failFor:   map[int64]error{},
		statuses:  map[string]transport.MemberStatus{},
		statusErr: map[string]error{},
	}
}

func (m *fakeMessenger) SendText(_ context.Context, to int64, text string, kb transport.Keyboard) (transport.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[to]; err != nil {
		return transport.MessageRef{}, err
	}
	m.nextID++
	m.sent = append(m.sent, sentMessage{To: to, Text: text, Keyboard: kb})
	return transport.MessageRef{ChatID: to, MessageID: m.nextID}, nil
}

func (m *fakeMessenger) SendMedia(_ context.Context, to int64, p models.Payload, kb transport.Keyboard) (transport.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[to]; err != nil {
		return transport.MessageRef{}, err
	}
	m.nextID++
	m.sent = append(m.sent, sentMessage{To: to, Payload: &p, Keyboard: kb})
	return transport.MessageRef{ChatID: to, MessageID: m.nextID}, nil
}

func (m *fakeMessenger) EditMessage(_ context.Context, ref transport.MessageRef, text string, kb transport.Keyboard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, sentMessage{To: ref.ChatID, Text: text, Keyboard: kb})
	return nil
}

func (m *fakeMessenger) AnswerButtonPress(_ context.Context, _ transport.PressRef, notice string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, notice)
	return nil
}

func (m *fakeMessenger) GetMembershipStatus(_ context.Context, groupRef string, _ int64) (transport.MemberStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.statusErr[groupRef]; err != nil {
		return "", err
	}
	if s, ok := m.statuses[groupRef]; ok {
		return s, nil
	}
	return transport.MemberLeft, nil
}

func (m *fakeMessenger) setStatus(ref string, s transport.MemberStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[ref] = s
}

func (m *fakeMessenger) last(t *testing.T, to int64) sentMessage {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].To == to {
			return m.sent[i]
		}
	}
	t.Fatalf("no message sent to %d", to)
	return sentMessage{}
}

func (m *fakeMessenger) sentTo(to int64) []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMessage
	for _, s := range m.sent {
		if s.To == to {
			out = append(out, s)
		}
	}
	return out
}

// scriptedGenerator hands out queued values and falls back to crypto/rand.
type scriptedGenerator struct {
	mu     sync.Mutex
	tokens []string
	codes  []string
	random Generator
}

func (g *scriptedGenerator) Token() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.tokens) > 0 {
		tok := g.tokens[0]
		g.tokens = g.tokens[1:]
		return tok, nil
	}
	return g.random.Token()
}

func (g *scriptedGenerator) Code() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.codes) > 0 {
		c := g.codes[0]
		g.codes = g.codes[1:]
		return c, nil
	}
	return g.random.Code()
}

func (g *scriptedGenerator) queueCodes(codes ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.codes = append(g.codes, codes...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev AuditEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Telegram:    config.TelegramConfig{BotUsername: "gate_bot", RequestTimeout: time.Second},
		Gateway: config.GatewayConfig{
			MembershipPolicy: config.MembershipFailOpen,
			AllowedLinkHosts: []string{"t.me", "example.test"},
			ChallengeTTL:     5 * time.Minute,
			LinkTTL:          time.Hour,
		},
		Broadcast: config.BroadcastConfig{
			OperatorID:    1,
			ProgressEvery: 10,
			FlushEvery:    100,
		},
		Bucketing: config.BucketingConfig{RecipientLockStripes: 16},
	}
}

type testStores struct {
	mr         *miniredis.Miniredis
	client     *client.RedisClient
	links      *redis.LinkStore
	challenges *redis.ChallengeStore
	directory  *redis.RecipientDirectory
	runs       *redis.BroadcastRunStore
}

func newTestStores(t *testing.T, cfg *config.Config) *testStores {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := client.WrapRedisClient(rdb)

	cipher, err := encryption.NewEncryptionManager(&config.Config{
		Encryption: config.EncryptionConfig{MasterKey: make([]byte, 32)},
	}, nil)
	require.NoError(t, err)

	return &testStores{
		mr:         mr,
		client:     rc,
		links:      redis.NewLinkStore(rc, cipher, cfg.Gateway.LinkTTL),
		challenges: redis.NewChallengeStore(rc, cfg.Gateway.ChallengeTTL),
		directory:  redis.NewRecipientDirectory(rc),
		runs:       redis.NewBroadcastRunStore(rc),
	}
}

type gatewayFixture struct {
	gw        *Gateway
	stores    *testStores
	messenger *fakeMessenger
	gen       *scriptedGenerator
	events    *recordingPublisher
}

func newGatewayFixture(t *testing.T, mutate func(*config.Config)) *gatewayFixture {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	stores := newTestStores(t, cfg)
	messenger := newFakeMessenger()
	gen := &scriptedGenerator{random: NewRandomGenerator()}
	events := &recordingPublisher{}

	gw := NewGateway(cfg, GatewayDeps{
		Links:      stores.links,
		Challenges: stores.challenges,
		Messenger:  messenger,
		Membership: NewChannelMembership(messenger, cfg, zap.NewNop()),
		Generator:  gen,
		Events:     events,
	}, cfg.Telegram.BotUsername, zap.NewNop())

	return &gatewayFixture{gw: gw, stores: stores, messenger: messenger, gen: gen, events: events}
}

func privateCommand(from int64, name string, args ...string) transport.CommandEvent {
	return transport.CommandEvent{
		Name:         name,
		Args:         args,
		Sender:       transport.Sender{ID: from, DisplayName: fmt.Sprintf("user %d", from)},
		Conversation: transport.Conversation{ID: from, Kind: transport.ConversationPrivate},
	}
}

func button(from int64, cb transport.Callback) transport.ButtonEvent {
	return transport.ButtonEvent{
		Press:    transport.PressRef(fmt.Sprintf("press-%d", from)),
		Callback: cb,
		Sender:   transport.Sender{ID: from},
		Message:  &transport.MessageRef{ChatID: from, MessageID: 1},
	}
}

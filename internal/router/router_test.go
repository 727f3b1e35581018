package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/idgen"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/push"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/registry"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/registry/registrytest"
)

type pushRecorder struct {
	mu       sync.Mutex
	payloads map[string][]*push.Payload
}

func newPushRecorder() *pushRecorder {
	return &pushRecorder{payloads: make(map[string][]*push.Payload)}
}

func (p *pushRecorder) Send(_ context.Context, userID string, payload *push.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads[userID] = append(p.payloads[userID], payload)
	return nil
}

func (p *pushRecorder) Close() error { return nil }

func (p *pushRecorder) count(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads[userID])
}

type memoryMessages struct {
	mu    sync.Mutex
	saved map[string]domain.Message
}

func (m *memoryMessages) SaveMessage(_ context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[msg.ID] = *msg
	return nil
}

func (m *memoryMessages) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.saved[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &msg, nil
}

type fixture struct {
	reg      *registry.Registry
	pushes   *pushRecorder
	messages *memoryMessages
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:      registry.New(),
		pushes:   newPushRecorder(),
		messages: &memoryMessages{saved: make(map[string]domain.Message)},
	}
	f.router = New(f.reg, idgen.NewULID(), f.pushes,
		WithStore(f.messages),
		WithClock(func() time.Time { return time.UnixMilli(1_700_000_000_000) }))
	return f
}

func (f *fixture) connect(t *testing.T, userID string) *registrytest.Handle {
	t.Helper()
	h := registrytest.NewHandle("conn-" + userID)
	s := f.reg.Register(userID, h, 0)
	require.NoError(t, s.Subscribe("sub-0", domain.QueueMessages(userID)))
	return h
}

func TestRouteDelivered(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	out, err := f.router.Send(context.Background(), "alice", &domain.SendMessageRequest{ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, out.Message.DeliveryState)
	assert.False(t, out.Pushed)
	assert.True(t, out.Echoed)

	var body domain.ChatMessageBody
	require.NoError(t, bob.Decode(domain.QueueMessages("bob"), 0, &body))
	assert.Equal(t, domain.MsgTypeChatMessage, body.Type)
	assert.Equal(t, "alice", body.SenderID)
	assert.Equal(t, domain.MessageTypeText, body.MessageType)
	assert.Equal(t, int64(1_700_000_000_000), body.SentAt)

	require.NoError(t, alice.Decode(domain.QueueMessages("alice"), 0, &body))
	assert.Equal(t, domain.DeliveryDelivered, body.DeliveryState, "echo carries the final state")

	saved, err := f.messages.GetMessage(context.Background(), out.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, saved.DeliveryState)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.pushes.count("bob"))
}

func TestRouteOfflineQueuesForPushOnce(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice")

	out, err := f.router.Send(context.Background(), "alice", &domain.SendMessageRequest{ReceiverID: "bob", Content: "are you there?"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryQueuedForPush, out.Message.DeliveryState)
	assert.True(t, out.Pushed)

	require.Eventually(t, func() bool { return f.pushes.count("bob") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.pushes.count("bob"), "push collaborator invoked exactly once")

	var body domain.ChatMessageBody
	require.NoError(t, alice.Decode(domain.QueueMessages("alice"), 0, &body))
	assert.Equal(t, domain.DeliveryQueuedForPush, body.DeliveryState)
}

func TestRouteWriteFailureFallsBackToPush(t *testing.T) {
	f := newFixture(t)
	bob := f.connect(t, "bob")
	bob.SetFailing(true)

	out, err := f.router.Send(context.Background(), "alice", &domain.SendMessageRequest{ReceiverID: "bob", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, out.Message.DeliveryState)
	assert.False(t, out.Echoed, "sender has no session")
	require.Eventually(t, func() bool { return f.pushes.count("bob") == 1 }, time.Second, 5*time.Millisecond)

	_, ok := f.reg.Lookup("bob")
	assert.True(t, ok, "a failed write leaves the registry untouched")
}

func TestRouteUnsubscribedReceiverIsUnreachable(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("bob", registrytest.NewHandle("conn-bob"), 0)

	out, err := f.router.Send(context.Background(), "alice", &domain.SendMessageRequest{ReceiverID: "bob", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, out.Message.DeliveryState)
	require.Eventually(t, func() bool { return f.pushes.count("bob") == 1 }, time.Second, 5*time.Millisecond)
}

func TestSendRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.Send(ctx, "alice", &domain.SendMessageRequest{SenderID: "mallory", ReceiverID: "bob", Content: "x"})
	assert.Equal(t, domain.ErrCodeForbidden, domain.CodeOf(err))

	_, err = f.router.Send(ctx, "alice", &domain.SendMessageRequest{ReceiverID: "bob"})
	assert.Equal(t, domain.ErrCodeBadRequest, domain.CodeOf(err))

	_, err = f.router.Send(ctx, "alice", &domain.SendMessageRequest{Content: "x"})
	assert.Equal(t, domain.ErrCodeBadRequest, domain.CodeOf(err))
}

package call

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/push"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/registry"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/registry/registrytest"
)

type pushRecorder struct {
	mu       sync.Mutex
	payloads map[string][]*push.Payload
}

func (p *pushRecorder) Send(_ context.Context, userID string, payload *push.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads[userID] = append(p.payloads[userID], payload)
	return nil
}

func (p *pushRecorder) Close() error { return nil }

func (p *pushRecorder) types(userID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, payload := range p.payloads[userID] {
		out = append(out, payload.Type)
	}
	return out
}

type fixture struct {
	reg    *registry.Registry
	pushes *pushRecorder
	orch   *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		reg:    registry.New(),
		pushes: &pushRecorder{payloads: make(map[string][]*push.Payload)},
	}
	f.orch = New(cfg, f.reg, f.pushes)
	t.Cleanup(f.orch.Close)
	return f
}

func (f *fixture) connect(t *testing.T, userID string) *registrytest.Handle {
	t.Helper()
	h := registrytest.NewHandle("conn-" + userID)
	s := f.reg.Register(userID, h, 0)
	require.NoError(t, s.Subscribe("sub-1", domain.QueueCalls(userID)))
	return h
}

func invite(sessionID string) *domain.InviteRequest {
	return &domain.InviteRequest{SessionID: sessionID, ReceiverID: "bob", CallType: "VIDEO"}
}

func action(sessionID string) *domain.CallActionRequest {
	return &domain.CallActionRequest{SessionID: sessionID}
}

func TestInviteOnlineReceiverRings(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	c, created, err := f.orch.Invite(context.Background(), "alice", invite("s1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.CallRinging, c.Status)
	assert.Equal(t, domain.CallTypeVideo, c.CallType)

	var body domain.CallBody
	require.NoError(t, bob.Decode(domain.QueueCalls("bob"), 0, &body))
	assert.Equal(t, domain.MsgTypeCallInvite, body.Type)
	assert.Equal(t, "alice", body.CallerID)
	assert.Equal(t, domain.CallRinging, body.Status)

	require.NoError(t, alice.Decode(domain.QueueCalls("alice"), 0, &body))
	assert.Equal(t, domain.MsgTypeCallStatus, body.Type)
	assert.Equal(t, domain.CallRinging, body.Status)
}

func TestInviteOfflineReceiverPushes(t *testing.T) {
	f := newFixture(t, Config{})
	f.connect(t, "alice")

	c, _, err := f.orch.Invite(context.Background(), "alice", invite("s1"))
	require.NoError(t, err)
	assert.Equal(t, domain.CallPushFallbackSent, c.Status)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{push.TypeIncomingCall}, f.pushes.types("bob"))
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, f.orch.Pending("bob"), 1)
}

func TestInviteIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	f.connect(t, "alice")
	bob := f.connect(t, "bob")
	ctx := context.Background()

	first, created, err := f.orch.Invite(ctx, "alice", invite("s1"))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.orch.Invite(ctx, "alice", invite("s1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.orch.Len())
	assert.Equal(t, 1, bob.Count(domain.QueueCalls("bob")), "invite delivered once")

	_, _, err = f.orch.Invite(ctx, "carol", &domain.InviteRequest{SessionID: "s1", ReceiverID: "bob"})
	assert.Equal(t, domain.ErrCodeForbidden, domain.CodeOf(err))
}

func TestInviteValidation(t *testing.T) {
	f := newFixture(t, Config{StrictCallType: true})
	ctx := context.Background()

	_, _, err := f.orch.Invite(ctx, "alice", &domain.InviteRequest{SessionID: "s1", ReceiverID: "bob", CallType: "HOLOGRAM"})
	assert.Equal(t, domain.ErrCodeBadRequest, domain.CodeOf(err))

	_, _, err = f.orch.Invite(ctx, "alice", &domain.InviteRequest{SessionID: "s1", CallerID: "mallory", ReceiverID: "bob"})
	assert.Equal(t, domain.ErrCodeForbidden, domain.CodeOf(err))

	_, _, err = f.orch.Invite(ctx, "alice", &domain.InviteRequest{SessionID: "s1", ReceiverID: "alice"})
	assert.Equal(t, domain.ErrCodeBadRequest, domain.CodeOf(err))

	lenient := newFixture(t, Config{})
	c, _, err := lenient.orch.Invite(ctx, "alice", &domain.InviteRequest{SessionID: "s2", ReceiverID: "bob", CallType: "HOLOGRAM"})
	require.NoError(t, err)
	assert.Equal(t, domain.CallTypeVoice, c.CallType)
}

func TestAcceptThenEnd(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	ctx := context.Background()

	_, _, err := f.orch.Invite(ctx, "alice", invite("s1"))
	require.NoError(t, err)

	_, _, err = f.orch.Accept(ctx, "alice", action("s1"))
	assert.Equal(t, domain.ErrCodeForbidden, domain.CodeOf(err), "caller cannot accept")

	c, changed, err := f.orch.Accept(ctx, "bob", action("s1"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.CallAccepted, c.Status)
	assert.Nil(t, c.EndTime)

	_, _, err = f.orch.End(ctx, "carol", action("s1"))
	assert.Equal(t, domain.ErrCodeForbidden, domain.CodeOf(err))

	c, changed, err = f.orch.End(ctx, "alice", action("s1"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.CallEnded, c.Status)
	require.NotNil(t, c.EndTime)
	endTime := *c.EndTime

	c, changed, err = f.orch.Accept(ctx, "bob", action("s1"))
	require.NoError(t, err, "stale transitions are not errors")
	assert.False(t, changed)
	assert.Equal(t, domain.CallEnded, c.Status)
	assert.Equal(t, endTime, *c.EndTime, "endTime is set exactly once")

	var last domain.CallBody
	frames := bob.To(domain.QueueCalls("bob"))
	require.NoError(t, bob.Decode(domain.QueueCalls("bob"), len(frames)-1, &last))
	assert.Equal(t, domain.CallEnded, last.Status)
	frames = alice.To(domain.QueueCalls("alice"))
	require.NoError(t, alice.Decode(domain.QueueCalls("alice"), len(frames)-1, &last))
	assert.Equal(t, domain.CallEnded, last.Status)
	assert.NotNil(t, last.EndTime)
}

func TestRoleChecks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, _, err := f.orch.Invite(ctx, "alice", invite("s1"))
	require.NoError(t, err)

	_, _, err = f.orch.Cancel(ctx, "bob", action("s1"))
	assert.Equal(t, domain.ErrCodeForbidden, domain.CodeOf(err), "receiver cannot cancel")

	_, _, err = f.orch.Reject(ctx, "alice", action("s1"))
	assert.Equal(t, domain.ErrCodeForbidden, domain.CodeOf(err), "caller cannot reject")

	_, _, err = f.orch.Accept(ctx, "bob", action("unknown"))
	assert.Equal(t, domain.ErrCodeNotFound, domain.CodeOf(err))
	assert.ErrorIs(t, err, domain.ErrCallNotFound)

	_, _, err = f.orch.Accept(ctx, "bob", action(""))
	assert.Equal(t, domain.ErrCodeBadRequest, domain.CodeOf(err))

	c, changed, err := f.orch.Cancel(ctx, "alice", action("s1"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.CallCancelled, c.Status)
}

func TestRingTimeoutMissesCall(t *testing.T) {
	f := newFixture(t, Config{RingTimeout: 30 * time.Millisecond})
	alice := f.connect(t, "alice")
	f.connect(t, "bob")
	ctx := context.Background()

	_, _, err := f.orch.Invite(ctx, "alice", invite("s1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, err := f.orch.Get(ctx, "s1")
		return err == nil && c.Status == domain.CallMissed && c.EndTime != nil
	}, time.Second, 5*time.Millisecond)

	var last domain.CallBody
	frames := alice.To(domain.QueueCalls("alice"))
	require.NoError(t, alice.Decode(domain.QueueCalls("alice"), len(frames)-1, &last))
	assert.Equal(t, domain.CallMissed, last.Status)

	_, changed, err := f.orch.Accept(ctx, "bob", action("s1"))
	require.NoError(t, err)
	assert.False(t, changed, "accept after timeout is a no-op")
}

func TestAcceptStopsRingTimer(t *testing.T) {
	f := newFixture(t, Config{RingTimeout: 30 * time.Millisecond})
	ctx := context.Background()
	_, _, err := f.orch.Invite(ctx, "alice", invite("s1"))
	require.NoError(t, err)
	_, changed, err := f.orch.Accept(ctx, "bob", action("s1"))
	require.NoError(t, err)
	require.True(t, changed)

	time.Sleep(80 * time.Millisecond)
	c, err := f.orch.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallAccepted, c.Status)
}

func TestConcurrentTransitionsResolveOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t, Config{RingTimeout: time.Millisecond})
		f.connect(t, "alice")
		f.connect(t, "bob")
		ctx := context.Background()

		_, _, err := f.orch.Invite(ctx, "alice", invite("s1"))
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 30; i++ {
			wg.Add(3)
			go func() {
				defer wg.Done()
				if _, changed, err := f.orch.Reject(ctx, "bob", action("s1")); err == nil && changed {
					wins.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				if _, changed, err := f.orch.Cancel(ctx, "alice", action("s1")); err == nil && changed {
					wins.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				if _, changed, err := f.orch.End(ctx, "bob", action("s1")); err == nil && changed {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		// The ring timer may win the race too, in which case no caller does.
		c, err := f.orch.Get(ctx, "s1")
		require.NoError(t, err)
		require.True(t, c.Status.IsTerminal(), "final state %s", c.Status)
		if c.Status == domain.CallMissed {
			assert.Zero(t, wins.Load())
		} else {
			assert.Equal(t, int32(1), wins.Load())
		}
	}
}

func TestConcurrentAcceptsSucceedOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, _, err := f.orch.Invite(ctx, "alice", invite("s1"))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, changed, err := f.orch.Accept(ctx, "bob", action("s1")); err == nil && changed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestResumePending(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.connect(t, "alice")
	ctx := context.Background()

	_, _, err := f.orch.Invite(ctx, "alice", invite("s1"))
	require.NoError(t, err)
	assert.Zero(t, f.orch.ResumePending(ctx, "bob"), "receiver still offline")

	bob := f.connect(t, "bob")
	assert.Equal(t, 1, f.orch.ResumePending(ctx, "bob"))
	assert.Zero(t, f.orch.ResumePending(ctx, "bob"), "already ringing")

	c, err := f.orch.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallRinging, c.Status)

	var body domain.CallBody
	require.NoError(t, bob.Decode(domain.QueueCalls("bob"), 0, &body))
	assert.Equal(t, domain.MsgTypeCallInvite, body.Type)

	frames := alice.To(domain.QueueCalls("alice"))
	require.NoError(t, alice.Decode(domain.QueueCalls("alice"), len(frames)-1, &body))
	assert.Equal(t, domain.CallRinging, body.Status)
}

func TestTerminalCallsAreEvicted(t *testing.T) {
	f := newFixture(t, Config{Retention: 20 * time.Millisecond})
	ctx := context.Background()
	_, _, err := f.orch.Invite(ctx, "alice", invite("s1"))
	require.NoError(t, err)
	_, _, err = f.orch.Cancel(ctx, "alice", action("s1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.orch.Len() == 0 }, time.Second, 5*time.Millisecond)
	_, err = f.orch.Get(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

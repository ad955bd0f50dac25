package statusupdate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []types.StatusUpdate
}

func (f *fakeTransport) Send(_ context.Context, update types.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, update)
	return nil
}

func (f *fakeTransport) snapshot() []types.StatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.StatusUpdate, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestForwardSendsImmediatelyAndWaitsForAck(t *testing.T) {
	transport := &fakeTransport{}
	m := New(transport, time.Hour, nil)

	m.Forward(types.StatusUpdate{UUID: "u1", TaskID: "t1", State: types.TaskStateRunning})
	m.Forward(types.StatusUpdate{UUID: "u2", TaskID: "t1", State: types.TaskStateFinished})

	require.Eventually(t, func() bool { return len(transport.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "u1", transport.snapshot()[0].UUID, "second update must not be sent until the first is acked")
	assert.Equal(t, 2, m.PendingCount("t1"))

	m.Acknowledge("t1", "u1")
	require.Eventually(t, func() bool { return len(transport.snapshot()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "u2", transport.snapshot()[1].UUID)
}

func TestAcknowledgeIsIdempotentForLateOrDuplicateAcks(t *testing.T) {
	transport := &fakeTransport{}
	m := New(transport, time.Hour, nil)

	m.Forward(types.StatusUpdate{UUID: "u1", TaskID: "t1", State: types.TaskStateRunning})
	require.Eventually(t, func() bool { return len(transport.snapshot()) == 1 }, time.Second, time.Millisecond)

	m.Acknowledge("t1", "u1")
	m.Acknowledge("t1", "u1") // duplicate, must be a no-op
	assert.Equal(t, 0, m.PendingCount("t1"))

	m.Acknowledge("t1", "stale-uuid-from-before") // late ack for a since-removed stream
	assert.Equal(t, 0, m.PendingCount("t1"))
}

func TestForwardRetriesUntilAcked(t *testing.T) {
	transport := &fakeTransport{}
	m := New(transport, 10*time.Millisecond, nil)

	m.Forward(types.StatusUpdate{UUID: "u1", TaskID: "t1", State: types.TaskStateRunning})
	require.Eventually(t, func() bool { return len(transport.snapshot()) >= 2 }, time.Second, time.Millisecond,
		"unacked update must be retried on the configured interval")

	m.Acknowledge("t1", "u1")
}

func TestForwardAssignsUUIDWhenMissing(t *testing.T) {
	transport := &fakeTransport{}
	m := New(transport, time.Hour, nil)

	m.Forward(types.StatusUpdate{TaskID: "t1", State: types.TaskStateRunning})
	require.Eventually(t, func() bool { return len(transport.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.NotEmpty(t, transport.snapshot()[0].UUID)
}

func TestForwardInvokesCheckpointBeforeSending(t *testing.T) {
	transport := &fakeTransport{}
	var checkpointed []string
	m := New(transport, time.Hour, func(u types.StatusUpdate) error {
		checkpointed = append(checkpointed, u.TaskID)
		return nil
	})

	m.Forward(types.StatusUpdate{UUID: "u1", TaskID: "t1", State: types.TaskStateRunning})
	assert.Equal(t, []string{"t1"}, checkpointed)
}

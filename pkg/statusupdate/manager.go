package statusupdate

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transport is the wire call StatusUpdateManager retries until acked.
type Transport interface {
	Send(ctx context.Context, update types.StatusUpdate) error
}

// stream serializes one task's status update deliveries: only the
// queue head is ever in flight, and nothing else is sent until it is
// acknowledged.
type stream struct {
	mu      sync.Mutex
	pending []types.StatusUpdate
	timer   *time.Timer
}

// Manager implements reliable, per-task ordered status update
// delivery: updates for a task are sent one at a time and retried on
// an interval until acknowledged; a late or duplicate ack for an
// already-completed delivery is dropped idempotently.
type Manager struct {
	transport     Transport
	retryInterval time.Duration
	checkpoint    func(update types.StatusUpdate) error
	logger        zerolog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// New creates a Manager. checkpoint may be nil; when set it is called
// synchronously before an update is queued, for frameworks that opted
// into checkpointing their task's status history.
func New(transport Transport, retryInterval time.Duration, checkpoint func(types.StatusUpdate) error) *Manager {
	return &Manager{
		transport:     transport,
		retryInterval: retryInterval,
		checkpoint:    checkpoint,
		logger:        log.WithComponent("statusupdate"),
		streams:       make(map[string]*stream),
	}
}

// Forward implements agentcore.StatusSink. It assigns a UUID if the
// caller left one unset, checkpoints if configured, and enqueues the
// update on its task's stream.
func (m *Manager) Forward(update types.StatusUpdate) {
	if update.UUID == "" {
		update.UUID = uuid.New().String()
	}
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}

	if m.checkpoint != nil {
		if err := m.checkpoint(update); err != nil {
			m.logger.Error().Err(err).Str("task_id", update.TaskID).Msg("checkpoint status update failed")
		}
	}

	s := m.streamFor(update.TaskID)
	s.mu.Lock()
	s.pending = append(s.pending, update)
	headWasEmpty := len(s.pending) == 1
	s.mu.Unlock()
	metrics.StatusUpdatesInFlight.Inc()

	if headWasEmpty {
		m.sendHead(update.TaskID, s)
	}
}

func (m *Manager) streamFor(taskID string) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[taskID]
	if !ok {
		s = &stream{}
		m.streams[taskID] = s
	}
	return s
}

func (m *Manager) sendHead(taskID string, s *stream) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	update := s.pending[0]
	s.mu.Unlock()

	if err := m.transport.Send(context.Background(), update); err != nil {
		m.logger.Warn().Err(err).Str("task_id", taskID).Str("state", string(update.State)).Msg("status update send failed, will retry")
	}

	s.mu.Lock()
	s.timer = time.AfterFunc(m.retryInterval, func() { m.sendHead(taskID, s) })
	s.mu.Unlock()
}

// Acknowledge processes an acknowledgement from the master in arrival
// order: it only advances a stream whose current head matches the
// acked UUID, so a late ack for a delivery already advanced past (or
// a duplicate) is a silent no-op.
func (m *Manager) Acknowledge(taskID, ackUUID string) {
	m.mu.Lock()
	s, ok := m.streams[taskID]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if len(s.pending) == 0 || s.pending[0].UUID != ackUUID {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.pending = s.pending[1:]
	hasMore := len(s.pending) > 0
	s.mu.Unlock()

	metrics.StatusUpdatesInFlight.Dec()
	metrics.StatusUpdatesAckedTotal.Inc()

	if hasMore {
		m.sendHead(taskID, s)
	} else {
		m.mu.Lock()
		delete(m.streams, taskID)
		m.mu.Unlock()
	}
}

// PendingCount returns how many unacknowledged updates are queued for
// taskID, used by tests and diagnostics.
func (m *Manager) PendingCount(taskID string) int {
	m.mu.Lock()
	s, ok := m.streams[taskID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Package events fans closed-stream records out to in-process
// subscribers and, when a broker connection is configured, to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/qpov/castbridge/internal/logger"
	"github.com/qpov/castbridge/internal/token"
)

const (
	// StreamClosedSubject is the NATS subject closed-stream records
	// are published on.
	StreamClosedSubject = "castbridge.stream.closed"

	queueSize   = 64
	workerCount = 2

	// eventTimeout bounds the delivery of one record when the producer
	// did not bring a usable deadline.
	eventTimeout = 30 * time.Second
)

// StreamClosed describes one stream session that stopped serving,
// either drained completely or abandoned by every player.
type StreamClosed struct {
	MessageID          int64     `json:"message_id"`
	ChatID             int64     `json:"chat_id"`
	Token              string    `json:"token"`
	UndeliveredPercent float64   `json:"undelivered_percent"`
	ClosedAt           time.Time `json:"closed_at"`

	// Local carries the session token to in-process subscribers. It is
	// not part of the wire record.
	Local token.Local `json:"-"`
}

// Callback receives closed-stream records in-process.
type Callback func(ctx context.Context, event StreamClosed) error

type queuedEvent struct {
	ctx   context.Context
	event StreamClosed
}

// Service delivers StreamClosed records through a small worker pool:
// registered callbacks always run, the NATS publish happens on top of
// them when a connection was handed in.
type Service struct {
	log *logger.Logger
	nc  *nats.Conn

	queue    chan queuedEvent
	workers  sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
	dropped  atomic.Int64

	mu        sync.RWMutex
	callbacks []Callback
}

// NewService starts the delivery workers. nc may be nil, in which case
// records only reach the registered callbacks.
func NewService(log *logger.Logger, nc *nats.Conn) *Service {
	s := &Service{
		log:      log.WithComponent("events"),
		nc:       nc,
		queue:    make(chan queuedEvent, queueSize),
		shutdown: make(chan struct{}),
	}

	for i := 0; i < workerCount; i++ {
		s.workers.Add(1)
		go s.worker()
	}

	return s
}

// RegisterCallback subscribes cb to every record queued from now on.
func (s *Service) RegisterCallback(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// HandleStreamClosed queues a record for delivery. It implements the
// gateway's stream-closed notification contract.
func (s *Service) HandleStreamClosed(ctx context.Context, undeliveredPercent float64, chatID, messageID int64, local token.Local) error {
	if s.closed.Load() {
		return fmt.Errorf("events service shutting down")
	}

	event := StreamClosed{
		MessageID:          messageID,
		ChatID:             chatID,
		Token:              local.String(),
		UndeliveredPercent: undeliveredPercent,
		ClosedAt:           time.Now().UTC(),
		Local:              local,
	}

	select {
	case s.queue <- queuedEvent{ctx: ctx, event: event}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		dropped := s.dropped.Add(1)
		s.log.Error("event queue full, record dropped",
			"message_id", messageID, "total_dropped", dropped)
		return fmt.Errorf("event queue is full")
	}
}

// Shutdown stops accepting records, lets the workers drain the queue
// and waits for them.
func (s *Service) Shutdown() {
	s.closed.Store(true)
	close(s.shutdown)
	s.workers.Wait()
	close(s.queue)
}

// Dropped reports how many records were lost to a full queue.
func (s *Service) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Service) worker() {
	defer s.workers.Done()

	for {
		select {
		case ev := <-s.queue:
			s.handleEvent(ev)
		case <-s.shutdown:
			// Deliver whatever is still queued before exiting.
			for {
				select {
				case ev := <-s.queue:
					s.handleEvent(ev)
				default:
					return
				}
			}
		}
	}
}

// handleEvent makes sure the record has a usable deadline, then
// delivers it.
func (s *Service) handleEvent(ev queuedEvent) {
	ctx := ev.ctx

	var cancel context.CancelFunc
	if dl, ok := ctx.Deadline(); !ok || time.Until(dl) < time.Second {
		ctx, cancel = context.WithTimeout(context.Background(), eventTimeout)
	}

	s.deliver(ctx, ev.event)

	if cancel != nil {
		cancel()
	}
}

func (s *Service) deliver(ctx context.Context, event StreamClosed) {
	s.mu.RLock()
	callbacks := make([]Callback, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.RUnlock()

	for _, cb := range callbacks {
		if err := cb(ctx, event); err != nil {
			s.log.Error("stream closed callback failed",
				"message_id", event.MessageID, "error", err)
		}
	}

	if s.nc == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		s.log.Error("marshal stream closed record",
			"message_id", event.MessageID, "error", err)
		return
	}

	if err := s.nc.Publish(StreamClosedSubject, data); err != nil {
		s.log.Error("publish stream closed record",
			"subject", StreamClosedSubject, "error", err)
		return
	}

	s.log.Debug("published stream closed record",
		"subject", StreamClosedSubject, "message_id", event.MessageID)
}

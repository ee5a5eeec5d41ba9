package eventstream

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/events"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/metrics"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/round"
)

const publishTimeout = 5 * time.Second

// Publisher writes messages to the stream.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Mirror forwards every event to the wrapped broadcaster and queues the
// audience-wide ones for the stream. Publishing never blocks a round: when the
// queue is full the stream copy is dropped.
type Mirror struct {
	next      round.Broadcaster
	publisher Publisher
	queue     chan Message
	metrics   metrics.Collector
}

func NewMirror(next round.Broadcaster, publisher Publisher, queueSize int, m metrics.Collector) *Mirror {
	if queueSize < 1 {
		queueSize = 1
	}
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Mirror{
		next:      next,
		publisher: publisher,
		queue:     make(chan Message, queueSize),
		metrics:   m,
	}
}

func (m *Mirror) Broadcast(audience round.Audience, ev *events.Event) {
	m.next.Broadcast(audience, ev)

	select {
	case m.queue <- Message{Event: ev, Audience: audience.String()}:
	default:
		m.metrics.RecordStreamPublish(false)
		log.Warn().
			Int64("game_id", ev.GameID).
			Str("event_type", string(ev.Type)).
			Msg("event stream queue full, dropping event")
	}
}

// SendTo and Kick address a single connection and are not mirrored.
func (m *Mirror) SendTo(connID string, ev *events.Event) { m.next.SendTo(connID, ev) }

func (m *Mirror) Kick(connID string, ev *events.Event) { m.next.Kick(connID, ev) }

// Run publishes queued events until ctx is cancelled, then flushes what is left.
func (m *Mirror) Run(ctx context.Context) {
	log.Info().Msg("event stream mirror started")
	for {
		select {
		case <-ctx.Done():
			m.flush()
			log.Info().Msg("event stream mirror stopped")
			return
		case msg := <-m.queue:
			m.publish(ctx, msg)
		}
	}
}

func (m *Mirror) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		select {
		case msg := <-m.queue:
			m.publish(ctx, msg)
		default:
			return
		}
	}
}

func (m *Mirror) publish(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := m.publisher.Publish(ctx, msg)
	m.metrics.RecordStreamPublish(err == nil)
	if err != nil {
		log.Error().
			Err(err).
			Int64("game_id", msg.Event.GameID).
			Str("event_id", msg.Event.ID).
			Str("event_type", string(msg.Event.Type)).
			Msg("failed to publish event")
	}
}

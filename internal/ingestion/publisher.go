package ingestion

import (
	"CandleLedger/internal/core"
	"CandleLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream        = "CANDLE_LEDGER_EVENTS"
	OutboundSubjectPrefix = "candle.ledger.events"
)

// streamPublisher is the slice of jetstream.JetStream the publisher needs.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events to NATS for downstream
// consumers. Its input is fed by the persistence worker, so only durable
// events leave the process. Subjects: candle.ledger.events.{event_type}
type OutboundPublisher struct {
	js        streamPublisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(js streamPublisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run publishes until ctx is cancelled or the input closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			evt := NewPublishableEvent(out)
			status := "ok"
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: consumers can read the event log directly.
				status = "error"
				op.logger.Warn().Err(err).
					Int64("sequence", evt.Sequence).
					Str("event_type", evt.EventType).
					Msg("outbound publish failed")
			}
			if op.metrics != nil {
				op.metrics.NATSPublished.WithLabelValues(evt.EventType, status).Inc()
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// The idempotency key doubles as the JetStream message ID so a
	// republish after restart is deduplicated by the server.
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.IdempotencyKey))
	return err
}

// Tee copies every output from in to each of outs without blocking.
// A full output drops the item and counts it in PublishDrops.
// All outs are closed when in closes.
func Tee(in <-chan core.CoreOutput, metrics *observability.Metrics, outs ...chan<- core.CoreOutput) {
	defer func() {
		for _, out := range outs {
			close(out)
		}
	}()
	for item := range in {
		for _, out := range outs {
			select {
			case out <- item:
			default:
				if metrics != nil {
					metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{OutboundSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger := observability.NewLogger("publisher")
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}

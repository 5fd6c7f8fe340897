package ingestion

import (
	"CandleLedger/internal/core"
	"CandleLedger/internal/event"
	"CandleLedger/internal/ledger"
	"CandleLedger/internal/observability"
	"CandleLedger/internal/params"
	"CandleLedger/internal/votes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	SettlementStream   = "CANDLE_SETTLEMENTS"
	SettlementSubjects = "candle.settlements.>"
	SettlementConsumer = "ledger-settlements"
)

// Settler is the engine operation the subscriber drives.
type Settler interface {
	ReleasePrizes(auth params.AuthContext, candleStart int64, winning event.Vote) (*event.PrizesReleased, error)
}

// ackable is the part of jetstream.Msg the handler touches.
type ackable interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// SettlementSubscriber consumes oracle settlements from JetStream and
// releases prizes for the named candle. Every message is released under
// the configured caller identity; the payload cannot choose it.
type SettlementSubscriber struct {
	js       jetstream.JetStream
	settler  Settler
	caller   params.AuthContext
	metrics  *observability.Metrics
	logger   zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewSettlementSubscriber(js jetstream.JetStream, settler Settler, caller string, metrics *observability.Metrics) *SettlementSubscriber {
	return &SettlementSubscriber{
		js:      js,
		settler: settler,
		caller:  params.AuthContext{Caller: caller},
		metrics: metrics,
		logger:  observability.NewLogger("settlements"),
	}
}

// Subscribe creates the durable consumer and starts delivery.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (s *SettlementSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, SettlementStream, jetstream.ConsumerConfig{
		Durable:       SettlementConsumer,
		FilterSubject: SettlementSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", SettlementConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handle(msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", SettlementConsumer, err)
	}
	s.consumer = cc

	s.logger.Info().
		Str("subject", SettlementSubjects).
		Str("consumer", SettlementConsumer).
		Msg("subscribed")
	return nil
}

// handle settles one message and decides its disposition:
// ack on success or duplicate, term on anything that can never succeed,
// nak on everything else so JetStream redelivers.
func (s *SettlementSubscriber) handle(msg ackable) string {
	status := s.process(msg)

	var err error
	switch status {
	case "released", "duplicate":
		err = msg.Ack()
	case "malformed", "rejected":
		err = msg.Term()
	default:
		err = msg.Nak()
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject()).Str("status", status).Msg("ack failed")
	}

	if s.metrics != nil {
		s.metrics.SettlementsReceived.WithLabelValues(status).Inc()
	}
	return status
}

func (s *SettlementSubscriber) process(msg ackable) string {
	cmd, err := ParseSettlement(msg.Data())
	if err != nil {
		s.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed settlement")
		return "malformed"
	}

	log := s.logger.With().
		Int64("candle", cmd.Candle).
		Str("winning_vote", cmd.WinningVote.String()).
		Str("request_id", cmd.RequestID).
		Logger()

	evt, err := s.settler.ReleasePrizes(s.caller, cmd.Candle, cmd.WinningVote)
	switch {
	case err == nil:
		log.Info().
			Int64("pool", evt.Pool).
			Int("winners", len(evt.Payouts)).
			Msg("prizes released")
		return "released"

	case errors.Is(err, votes.ErrAlreadyReleased):
		log.Debug().Msg("candle already released")
		return "duplicate"

	case errors.Is(err, params.ErrNotAuthorized),
		errors.Is(err, event.ErrInvalidVoteChoice),
		errors.Is(err, ledger.ErrInsufficientBalance):
		log.Error().Err(err).Str("reason", core.RejectReason(err)).Msg("settlement rejected")
		return "rejected"

	default:
		log.Error().Err(err).Msg("settlement failed, will retry")
		return "error"
	}
}

// EnsureStreams creates the inbound settlement stream and the outbound
// event stream. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      SettlementStream,
		Subjects:  []string{SettlementSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", SettlementStream, err)
	}
	return EnsureOutboundStream(ctx, js)
}

// Stop stops message delivery and waits for the handler in progress, if
// any, to finish.
func (s *SettlementSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
		<-s.consumer.Closed()
	}
	s.logger.Info().Msg("settlement subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.Name("candleledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream = "OPTL_COMMANDS"
	MarketStream  = "OPTL_MARKET"
)

// NATSSubscriber consumes JetStream subjects and feeds raw commands to the
// dispatcher. Acknowledgement happens in RawCommand.Done, after the command
// has been applied or rejected.
type NATSSubscriber struct {
	js        jetstream.JetStream
	out       chan<- RawCommand
	consumers []jetstream.ConsumeContext
	active    []jetstream.Consumer
	logger    zerolog.Logger
}

// SubjectConfig maps a NATS subject to a command kind.
type SubjectConfig struct {
	Subject      string
	Kind         CommandKind
	ConsumerName string
	StreamName   string
	// Deliver selects where consumption starts. Market data uses ephemeral
	// consumers so the catalog and price board are rebuilt on every boot.
	Deliver jetstream.DeliverPolicy
	Durable bool
}

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	cmd := func(subject string, kind CommandKind, consumer string) SubjectConfig {
		return SubjectConfig{
			Subject: subject, Kind: kind, ConsumerName: consumer,
			StreamName: CommandStream, Deliver: jetstream.DeliverAllPolicy, Durable: true,
		}
	}
	return []SubjectConfig{
		cmd("optl.orders.submit.>", KindSubmitOrder, "ledger-orders-submit"),
		cmd("optl.orders.batch.>", KindSubmitBatch, "ledger-orders-batch"),
		cmd("optl.orders.cancel.>", KindCancelNonce, "ledger-orders-cancel"),
		cmd("optl.liquidations.>", KindLiquidate, "ledger-liquidations"),
		cmd("optl.settlements.>", KindSettle, "ledger-settlements"),
		cmd("optl.deposits.>", KindDeposit, "ledger-deposits"),
		cmd("optl.withdrawals.>", KindWithdraw, "ledger-withdrawals"),
		{Subject: "optl.instruments.listed.>", Kind: KindInstrumentListed, StreamName: MarketStream, Deliver: jetstream.DeliverAllPolicy},
		{Subject: "optl.instruments.status.>", Kind: KindInstrumentStatus, StreamName: MarketStream, Deliver: jetstream.DeliverAllPolicy},
		{Subject: "optl.instruments.finalized.>", Kind: KindInstrumentFinalized, StreamName: MarketStream, Deliver: jetstream.DeliverAllPolicy},
		{Subject: "optl.prices.>", Kind: KindPriceUpdate, StreamName: MarketStream, Deliver: jetstream.DeliverLastPerSubjectPolicy},
	}
}

// SubjectsFor filters DefaultSubjects to one stream.
func SubjectsFor(stream string) []SubjectConfig {
	var out []SubjectConfig
	for _, cfg := range DefaultSubjects() {
		if cfg.StreamName == stream {
			out = append(out, cfg)
		}
	}
	return out
}

func NewNATSSubscriber(js jetstream.JetStream, out chan<- RawCommand, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, out: out, logger: logger}
}

// Subscribe creates a consumer per subject. Consumers use explicit ACK,
// max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cc := jetstream.ConsumerConfig{
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: cfg.Deliver,
		}
		if cfg.Durable {
			cc.Durable = cfg.ConsumerName
		}
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, cc)
		if err != nil {
			return fmt.Errorf("create consumer for %s: %w", cfg.Subject, err)
		}

		kind := cfg.Kind
		consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:  msg.Subject(),
				Kind:     kind,
				Data:     msg.Data(),
				Received: time.Now(),
				Done:     ns.settle(msg),
			}
			select {
			case ns.out <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.Subject, err)
		}

		ns.consumers = append(ns.consumers, consumeCtx)
		ns.active = append(ns.active, consumer)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// settle acknowledges msg according to the dispatch outcome. Malformed
// payloads are terminated; rejected commands are acked since redelivery
// would be rejected the same way.
func (ns *NATSSubscriber) settle(msg jetstream.Msg) func(err error, retry bool) {
	return func(err error, retry bool) {
		var ackErr error
		switch {
		case retry:
			ackErr = msg.Nak()
		case errors.Is(err, ErrMalformedCommand), errors.Is(err, ErrUnknownCommand):
			ackErr = msg.Term()
		default:
			ackErr = msg.Ack()
		}
		if ackErr != nil {
			ns.logger.Warn().Err(ackErr).Str("subject", msg.Subject()).Msg("ack failed")
		}
	}
}

// EnsureStreams creates the inbound streams. Commands expire after 72h;
// market data is retained so ephemeral consumers can rebuild from it.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name: CommandStream,
			Subjects: []string{
				"optl.orders.>", "optl.liquidations.>", "optl.settlements.>",
				"optl.deposits.>", "optl.withdrawals.>",
			},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:              MarketStream,
			Subjects:          []string{"optl.instruments.>", "optl.prices.>"},
			Storage:           jetstream.FileStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxMsgsPerSubject: 1024,
			Replicas:          1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// WaitIdle blocks until every consumer subscribed so far has no pending or
// unacknowledged messages. Market data is replayed this way before command
// consumers start, so commands never race the catalog rebuild.
func (ns *NATSSubscriber) WaitIdle(ctx context.Context, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		idle := true
		for _, c := range ns.active {
			info, err := c.Info(ctx)
			if err != nil {
				return fmt.Errorf("consumer info: %w", err)
			}
			if info.NumPending > 0 || info.NumAckPending > 0 {
				idle = false
				break
			}
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("optionsledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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

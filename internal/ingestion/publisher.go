package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"OptionsLedger/internal/core"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream        = "OPTL_LEDGER_EVENTS"
	outboundSubjectPrefix = "optl.ledger.events"
)

// Publisher is the subset of jetstream.JetStream the outbound publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events for downstream consumers on
// optl.ledger.events.{event_type}[.{instrument_id}]. The sequence is the
// JetStream message id, so republishing after a restart is deduplicated.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire format.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	InstrumentID   *uint64         `json:"instrument_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      hexutil.Bytes   `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{js: js, inputChan: inputChan, logger: logger}
}

// Run publishes until ctx is cancelled or the input closes. Failures are
// logged and skipped; consumers can fall back to the event log.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	subject, data, err := Outbound(out)
	if err != nil {
		return err
	}
	_, err = op.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(strconv.FormatInt(out.Envelope.Sequence, 10)))
	return err
}

// Outbound renders a committed event as its subject and JSON body.
func Outbound(out core.CoreOutput) (string, []byte, error) {
	env := out.Envelope
	evt := PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		InstrumentID:   env.InstrumentID,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      env.StateHash[:],
		Timestamp:      env.Timestamp,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return "", nil, fmt.Errorf("marshal event %d: %w", env.Sequence, err)
	}

	subject := outboundSubjectPrefix + "." + evt.EventType
	if env.InstrumentID != nil {
		subject += "." + strconv.FormatUint(*env.InstrumentID, 10)
	}
	return subject, data, nil
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{outboundSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}

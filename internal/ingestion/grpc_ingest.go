package ingestion

import (
	"context"
	"time"
)

// GRPCIngestService injects commands from the admin RPC surface into the
// same dispatcher queue NATS feeds, and waits for the outcome. It is for
// manual operations, not throughput.
type GRPCIngestService struct {
	out chan<- RawCommand
}

func NewGRPCIngestService(out chan<- RawCommand) *GRPCIngestService {
	return &GRPCIngestService{out: out}
}

// Inject queues a command of kind and returns the dispatch result.
func (s *GRPCIngestService) Inject(ctx context.Context, kind CommandKind, data []byte) error {
	if _, err := ParseCommand(kind, data); err != nil {
		return err
	}

	result := make(chan error, 1)
	raw := RawCommand{
		Subject:  "grpc." + string(kind),
		Kind:     kind,
		Data:     data,
		Received: time.Now(),
		Done:     func(err error, _ bool) { result <- err },
	}

	select {
	case s.out <- raw:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

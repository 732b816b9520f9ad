package audit

import (
	"context"

	"github.com/felixgeelhaar/legacyguard/internal/log"
	"github.com/felixgeelhaar/legacyguard/internal/security"
)

// BestEffort fans an event out to every configured sink. Metadata is masked
// before it reaches a sink, and sink failures are logged at warn and dropped.
type BestEffort struct {
	sinks  []Sink
	logger *log.Logger
}

// NewBestEffort wraps sinks. Nil sinks are ignored.
func NewBestEffort(logger *log.Logger, sinks ...Sink) *BestEffort {
	if logger == nil {
		logger = log.Discard()
	}
	b := &BestEffort{logger: logger.WithComponent("audit")}
	for _, s := range sinks {
		if s != nil {
			b.sinks = append(b.sinks, s)
		}
	}
	return b
}

// Record writes the event to every sink. It never fails.
func (b *BestEffort) Record(ctx context.Context, action string, severity Severity, message string, metadata map[string]any) {
	if b == nil {
		return
	}
	message = security.MaskSecrets(message)
	metadata = security.SanitizeMetadata(metadata)
	for _, s := range b.sinks {
		if err := s.LogEvent(ctx, action, severity, message, metadata); err != nil {
			b.logger.Warn("audit sink failed",
				"action", action,
				"error", err.Error(),
			)
		}
	}
}

// LogEvent implements Sink so BestEffort can be nested; it always returns nil.
func (b *BestEffort) LogEvent(ctx context.Context, action string, severity Severity, message string, metadata map[string]any) error {
	b.Record(ctx, action, severity, message, metadata)
	return nil
}

// Query reads from the last sink that supports reading. Sinks are listed
// cheapest first, so this prefers the durable store; when it fails the next
// readable sink is tried.
func (b *BestEffort) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	if b == nil {
		return []Entry{}, nil
	}
	var lastErr error
	for i := len(b.sinks) - 1; i >= 0; i-- {
		q, ok := b.sinks[i].(Querier)
		if !ok {
			continue
		}
		entries, err := q.Query(ctx, filter)
		if err == nil {
			return entries, nil
		}
		b.logger.Warn("audit query failed", "error", err.Error())
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return []Entry{}, nil
}

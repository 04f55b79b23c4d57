package usecase

import (
	"context"
	"errors"
	"sync"

	"github.com/vitos/crypto_pcs_engine/internal/domain"
)

// ChannelSink is an in-process DecisionSink backed by buffered channels.
// When a buffer is full the item is rejected instead of blocking the caller.
type ChannelSink struct {
	exits   chan domain.ExitDecision
	signals chan domain.Signal
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{
		exits:   make(chan domain.ExitDecision, buffer),
		signals: make(chan domain.Signal, buffer),
	}
}

var errSinkFull = errors.New("sink buffer full")

func (s *ChannelSink) PublishExit(ctx context.Context, d *domain.ExitDecision) error {
	select {
	case s.exits <- *d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errSinkFull
	}
}

func (s *ChannelSink) PublishSignal(ctx context.Context, sig *domain.Signal) error {
	select {
	case s.signals <- *sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errSinkFull
	}
}

func (s *ChannelSink) Exits() <-chan domain.ExitDecision {
	return s.exits
}

func (s *ChannelSink) Signals() <-chan domain.Signal {
	return s.signals
}

// MultiSink fans a decision out to several sinks and joins their errors.
type MultiSink []domain.DecisionSink

func (m MultiSink) PublishExit(ctx context.Context, d *domain.ExitDecision) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishExit(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) PublishSignal(ctx context.Context, sig *domain.Signal) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishSignal(ctx, sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DecisionLog drains a ChannelSink and keeps the latest decisions for the API.
type DecisionLog struct {
	mu      sync.Mutex
	limit   int
	exits   []domain.ExitDecision
	signals []domain.Signal
}

func NewDecisionLog(limit int) *DecisionLog {
	if limit <= 0 {
		limit = 100
	}
	return &DecisionLog{limit: limit}
}

// Run consumes sink until ctx is cancelled.
func (l *DecisionLog) Run(ctx context.Context, sink *ChannelSink) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-sink.Exits():
			l.mu.Lock()
			l.exits = appendCapped(l.exits, d, l.limit)
			l.mu.Unlock()
		case sig := <-sink.Signals():
			l.mu.Lock()
			l.signals = appendCapped(l.signals, sig, l.limit)
			l.mu.Unlock()
		}
	}
}

// Recent returns copies of the kept decisions, oldest first.
func (l *DecisionLog) Recent() ([]domain.ExitDecision, []domain.Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ExitDecision{}, l.exits...), append([]domain.Signal{}, l.signals...)
}

func appendCapped[T any](list []T, v T, limit int) []T {
	list = append(list, v)
	if len(list) > limit {
		list = append(list[:0:0], list[len(list)-limit:]...)
	}
	return list
}

package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"
)

type rawHandler func(ctx context.Context, data json.RawMessage) error

// Dispatcher routes inbound envelopes to typed handlers. Handlers run on the
// caller's goroutine in subscription order.
type Dispatcher struct {
	logger *zap.Logger

	mu       sync.RWMutex
	next     uint64
	handlers map[Kind]map[uint64]rawHandler
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger, handlers: make(map[Kind]map[uint64]rawHandler)}
}

// Subscription removes its handler when unsubscribed. Unsubscribe is
// idempotent.
type Subscription struct {
	d    *Dispatcher
	kind Kind
	id   uint64
	once sync.Once
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.d.remove(s.kind, s.id) })
}

// On registers fn for messages of kind, decoding the payload into T.
func On[T any](d *Dispatcher, kind Kind, fn func(ctx context.Context, msg T)) *Subscription {
	return d.add(kind, func(ctx context.Context, data json.RawMessage) error {
		var msg T
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		fn(ctx, msg)
		return nil
	})
}

func (d *Dispatcher) add(kind Kind, h rawHandler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	if d.handlers[kind] == nil {
		d.handlers[kind] = make(map[uint64]rawHandler)
	}
	d.handlers[kind][d.next] = h
	return &Subscription{d: d, kind: kind, id: d.next}
}

func (d *Dispatcher) remove(kind Kind, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers[kind], id)
	if len(d.handlers[kind]) == 0 {
		delete(d.handlers, kind)
	}
}

// Handlers reports how many handlers are registered for kind.
func (d *Dispatcher) Handlers(kind Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind])
}

// Dispatch delivers env to every handler of its kind. A handler that cannot
// decode the payload is skipped; the others still receive it.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) {
	d.mu.RLock()
	ids := make([]uint64, 0, len(d.handlers[env.Type]))
	hs := make(map[uint64]rawHandler, len(d.handlers[env.Type]))
	for id, h := range d.handlers[env.Type] {
		ids = append(ids, id)
		hs[id] = h
	}
	d.mu.RUnlock()

	if len(ids) == 0 {
		d.logger.Debug("no handler for message", zap.String("type", string(env.Type)))
		return
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := hs[id](ctx, env.Data); err != nil {
			decodeErrors.WithLabelValues(string(env.Type)).Inc()
			d.logger.Warn("malformed message", zap.String("type", string(env.Type)), zap.String("id", env.ID), zap.Error(err))
		}
	}
}

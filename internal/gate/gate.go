// Package gate holds local claims that keep one rider from having two ride
// requests open at once. Claims are keyed by rider and remember the request
// key that owns them.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/riderlink/internal/ride/domain"
)

const DefaultTTL = 2 * time.Minute

type claim struct {
	key       string
	expiresAt time.Time
}

// MemoryGate is a process-local domain.RequestGate.
type MemoryGate struct {
	clock domain.Clock
	ttl   time.Duration

	mu     sync.Mutex
	claims map[string]claim
}

func NewMemoryGate(clock domain.Clock, ttl time.Duration) *MemoryGate {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryGate{clock: clock, ttl: ttl, claims: make(map[string]claim)}
}

func (g *MemoryGate) CreateRideRequest(_ context.Context, uniqueKey, riderID string) error {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.claims[riderID]; ok && now.Before(c.expiresAt) {
		return fmt.Errorf("%w: rider %s has request %s open", domain.ErrDuplicateRequest, riderID, c.key)
	}
	g.claims[riderID] = claim{key: uniqueKey, expiresAt: now.Add(g.ttl)}
	return nil
}

// ExpireRideRequest releases the claim only when uniqueKey still owns it.
func (g *MemoryGate) ExpireRideRequest(_ context.Context, uniqueKey, riderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.claims[riderID]; ok && c.key == uniqueKey {
		delete(g.claims, riderID)
	}
	return nil
}

// ReleaseRideRequest drops the claim of an accepted request.
func (g *MemoryGate) ReleaseRideRequest(ctx context.Context, uniqueKey, riderID string) error {
	return g.ExpireRideRequest(ctx, uniqueKey, riderID)
}

// Chain claims every gate in order. When a later gate refuses, the earlier
// claims are released so a rejected attempt leaves nothing behind.
type Chain []domain.RequestGate

func (c Chain) CreateRideRequest(ctx context.Context, uniqueKey, riderID string) error {
	for i, g := range c {
		if err := g.CreateRideRequest(ctx, uniqueKey, riderID); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = c[j].ExpireRideRequest(ctx, uniqueKey, riderID)
			}
			return err
		}
	}
	return nil
}

func (c Chain) ExpireRideRequest(ctx context.Context, uniqueKey, riderID string) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].ExpireRideRequest(ctx, uniqueKey, riderID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReleaseRideRequest releases the members that hold local claims. Members
// without one, such as the server gate, are left alone.
func (c Chain) ReleaseRideRequest(ctx context.Context, uniqueKey, riderID string) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		r, ok := c[i].(domain.ClaimReleaser)
		if !ok {
			continue
		}
		if err := r.ReleaseRideRequest(ctx, uniqueKey, riderID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

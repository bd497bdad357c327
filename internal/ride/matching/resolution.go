package matching

import (
	"sync"

	"github.com/example/riderlink/internal/ride/domain"
)

type outcome struct {
	assignment Assignment
	err        error
}

// resolution is the per-request race state. It starts pending and is
// resolved exactly once; later transitions are ignored.
type resolution struct {
	key        string
	candidates map[string]struct{}
	done       chan struct{}

	mu       sync.Mutex
	rejected map[string]struct{}
	result   *outcome
}

func newResolution(key string, candidates []domain.DriverSnapshot) *resolution {
	ids := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		ids[c.DriverID] = struct{}{}
	}
	return &resolution{
		key:        key,
		candidates: ids,
		done:       make(chan struct{}),
		rejected:   make(map[string]struct{}),
	}
}

// resolve records o if the race is still pending and reports whether it won.
func (r *resolution) resolve(o outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result != nil {
		return false
	}
	r.result = &o
	close(r.done)
	return true
}

// reject records a refusal from driverID and resolves the race as
// no-drivers once every candidate has refused.
func (r *resolution) reject(driverID string) bool {
	r.mu.Lock()
	if r.result != nil {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.candidates[driverID]; !ok {
		r.mu.Unlock()
		return false
	}
	r.rejected[driverID] = struct{}{}
	all := len(r.rejected) == len(r.candidates)
	r.mu.Unlock()
	if !all {
		return false
	}
	return r.resolve(outcome{err: domain.ErrNoDriversAvailable})
}

func (r *resolution) outcome() (outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return outcome{}, false
	}
	return *r.result, true
}

func (r *resolution) rejections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rejected)
}

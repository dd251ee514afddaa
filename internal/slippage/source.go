package slippage

import (
	"math/rand"
	"sync"
)

// Source supplies uniform values in [0, 1). *rand.Rand satisfies it but is
// not safe for concurrent use; wrap it with NewLockedSource.
type Source interface {
	Float64() float64
}

// LockedSource is a mutex-guarded math/rand generator.
type LockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewLockedSource seeds a concurrency-safe source.
func NewLockedSource(seed int64) *LockedSource {
	return &LockedSource{r: rand.New(rand.NewSource(seed))}
}

func (s *LockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

// FixedSource always returns the same value. Used to pin outcomes in tests.
type FixedSource float64

func (f FixedSource) Float64() float64 { return float64(f) }

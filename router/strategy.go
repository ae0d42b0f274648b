package router

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// SelectionStrategy picks a GPU among capacity-eligible candidates.
// Candidates have already been filtered by the memory-fit predicate and
// health; a strategy never invents capacity. Implementations must be safe
// for concurrent use.
type SelectionStrategy interface {
	Name() string
	// SelectGPU returns the chosen device id, or ok=false when the
	// candidate list is empty.
	SelectGPU(candidates []GPUState, req *Request) (gpuID string, ok bool)
}

// SingleGPU always returns the first candidate. Deterministic, no load
// spreading: repeated calls over an unchanged candidate list always pick the
// same device.
type SingleGPU struct{}

func (SingleGPU) Name() string { return StrategySingleGPU }

func (SingleGPU) SelectGPU(candidates []GPUState, _ *Request) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[0].ID, true
}

// RoundRobinGPU cycles through candidates in rotation, independent of load.
type RoundRobinGPU struct {
	counter atomic.Uint64
}

func (*RoundRobinGPU) Name() string { return StrategyRoundRobin }

func (rr *RoundRobinGPU) SelectGPU(candidates []GPUState, _ *Request) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	n := rr.counter.Add(1) - 1
	return candidates[int(n%uint64(len(candidates)))].ID, true
}

// LeastLoadedGPU picks the candidate with minimum utilization.
// Ties are broken by first occurrence in candidate order.
type LeastLoadedGPU struct{}

func (LeastLoadedGPU) Name() string { return StrategyLeastLoaded }

func (LeastLoadedGPU) SelectGPU(candidates []GPUState, _ *Request) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Utilization < best.Utilization {
			best = c
		}
	}
	return best.ID, true
}

// MemoryOptimizedGPU picks the candidate with maximum free memory.
// Ties are broken by first occurrence in candidate order.
type MemoryOptimizedGPU struct{}

func (MemoryOptimizedGPU) Name() string { return StrategyMemoryOptimized }

func (MemoryOptimizedGPU) SelectGPU(candidates []GPUState, _ *Request) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.MemoryFreeMB > best.MemoryFreeMB {
			best = c
		}
	}
	return best.ID, true
}

// RandomGPU picks a uniformly random candidate.
type RandomGPU struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (*RandomGPU) Name() string { return StrategyRandom }

func (r *RandomGPU) SelectGPU(candidates []GPUState, _ *Request) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	r.mu.Lock()
	idx := r.rng.Intn(len(candidates))
	r.mu.Unlock()
	return candidates[idx].ID, true
}

// Strategy names accepted by the selector.
const (
	StrategySingleGPU       = "single_gpu"
	StrategyRoundRobin      = "round_robin"
	StrategyLeastLoaded     = "least_loaded"
	StrategyMemoryOptimized = "memory_optimized"
	StrategyRandom          = "random"
)

// AvailableStrategies returns the supported strategy names.
func AvailableStrategies() []string {
	return []string{StrategySingleGPU, StrategyRoundRobin, StrategyLeastLoaded, StrategyMemoryOptimized, StrategyRandom}
}

// StrategySelector holds one instance of every strategy and resolves names
// to strategies. Unknown or empty names resolve to the configured default --
// never an error.
type StrategySelector struct {
	defaultName string
	strategies  map[string]SelectionStrategy
}

// NewStrategySelector builds the strategy set. An unknown defaultName falls
// back to least_loaded.
func NewStrategySelector(defaultName string, seed int64) *StrategySelector {
	s := &StrategySelector{
		strategies: map[string]SelectionStrategy{
			StrategySingleGPU:       SingleGPU{},
			StrategyRoundRobin:      &RoundRobinGPU{},
			StrategyLeastLoaded:     LeastLoadedGPU{},
			StrategyMemoryOptimized: MemoryOptimizedGPU{},
			StrategyRandom:          &RandomGPU{rng: rand.New(rand.NewSource(seed))},
		},
	}
	if _, ok := s.strategies[defaultName]; !ok {
		if defaultName != "" {
			logrus.Warnf("unknown default strategy %q, using %s", defaultName, StrategyLeastLoaded)
		}
		defaultName = StrategyLeastLoaded
	}
	s.defaultName = defaultName
	return s
}

// Get resolves a strategy by name, falling back to the default for empty or
// unknown names.
func (s *StrategySelector) Get(name string) SelectionStrategy {
	if name == "" {
		return s.strategies[s.defaultName]
	}
	st, ok := s.strategies[name]
	if !ok {
		logrus.Warnf("unknown strategy %q, using default %s", name, s.defaultName)
		return s.strategies[s.defaultName]
	}
	return st
}

// Default returns the configured default strategy.
func (s *StrategySelector) Default() SelectionStrategy {
	return s.strategies[s.defaultName]
}

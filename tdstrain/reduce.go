package tdstrain

import (
	"errors"
	"sync"

	"github.com/unixpickle/anyvec"
)

// A Reducer exchanges values between the workers of a
// data-parallel run.
//
// Collective calls must happen in the same order on every
// worker. Any error is fatal for the run.
type Reducer interface {
	// Rank identifies this worker, from 0 to
	// WorldSize()-1.
	Rank() int

	// WorldSize is the number of workers.
	WorldSize() int

	// ReduceGrad averages the corresponding vectors of
	// every worker, in place.
	ReduceGrad(vecs []anyvec.Vector) error

	// ReduceOverflow ORs the overflow flags of every
	// worker, so they all take the same skip decision.
	ReduceOverflow(overflow bool) (bool, error)
}

// A LocalGroup connects workers running as goroutines in
// one process.
type LocalGroup struct {
	size int

	mu         sync.Mutex
	cond       *sync.Cond
	payloads   []interface{}
	arrived    int
	generation int
	err        error
}

// NewLocalGroup creates a group of the given size.
func NewLocalGroup(size int) *LocalGroup {
	if size < 1 {
		panic("group size must be positive")
	}
	res := &LocalGroup{
		size:     size,
		payloads: make([]interface{}, size),
	}
	res.cond = sync.NewCond(&res.mu)
	return res
}

// Reducer returns the handle for one rank.
// Each rank must be driven by its own goroutine.
func (l *LocalGroup) Reducer(rank int) Reducer {
	if rank < 0 || rank >= l.size {
		panic("rank out of range")
	}
	return &localReducer{group: l, rank: rank}
}

// barrier waits for every rank to contribute a payload,
// runs combine exactly once, then hands every rank its
// (possibly rewritten) payload slot.
//
// A rank's slot cannot be clobbered by a faster rank,
// since the next generation only completes once this rank
// has re-entered the barrier.
func (l *LocalGroup) barrier(rank int, payload interface{},
	combine func(all []interface{}) error) (interface{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.payloads[rank] = payload
	l.arrived++
	if l.arrived == l.size {
		if err := combine(l.payloads); err != nil {
			l.err = err
		}
		l.arrived = 0
		l.generation++
		l.cond.Broadcast()
	} else {
		gen := l.generation
		for gen == l.generation {
			l.cond.Wait()
		}
	}
	if l.err != nil {
		return nil, l.err
	}
	return l.payloads[rank], nil
}

type localReducer struct {
	group *LocalGroup
	rank  int
}

func (l *localReducer) Rank() int {
	return l.rank
}

func (l *localReducer) WorldSize() int {
	return l.group.size
}

func (l *localReducer) ReduceGrad(vecs []anyvec.Vector) error {
	_, err := l.group.barrier(l.rank, vecs, func(all []interface{}) error {
		first := all[0].([]anyvec.Vector)
		for _, x := range all[1:] {
			other := x.([]anyvec.Vector)
			if len(other) != len(first) {
				return errors.New("reduce gradient: vector count mismatch")
			}
			for j, vec := range other {
				if vec.Len() != first[j].Len() {
					return errors.New("reduce gradient: vector size mismatch")
				}
			}
		}
		for j := range first {
			sum := first[j].Copy()
			for _, x := range all[1:] {
				sum.Add(x.([]anyvec.Vector)[j])
			}
			sum.Scale(sum.Creator().MakeNumeric(1 / float64(len(all))))
			for _, x := range all {
				x.([]anyvec.Vector)[j].Set(sum)
			}
		}
		return nil
	})
	return err
}

func (l *localReducer) ReduceOverflow(overflow bool) (bool, error) {
	out, err := l.group.barrier(l.rank, overflow, func(all []interface{}) error {
		var result bool
		for _, x := range all {
			if x.(bool) {
				result = true
			}
		}
		for i := range all {
			all[i] = result
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

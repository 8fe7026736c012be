package eventloop

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Pool is a fixed set of loops handed out in strict round-robin order. The
// round-robin cursor belongs to the pool instance.
type Pool struct {
	loops  []*Loop
	cursor atomic.Uint64
}

// NewPool creates size loops named "<cfg.Name>-<index>". A size below one is
// treated as one.
//
// Parameters:
//   - size: Number of loops
//   - cfg: Settings applied to every loop
//
// Returns:
//   - A new *Pool whose loops are not yet running
func NewPool(size int, cfg LoopConfig) *Pool {
	if size < 1 {
		size = 1
	}

	if cfg.Name == "" {
		cfg.Name = "loop"
	}

	p := &Pool{loops: make([]*Loop, 0, size)}
	for i := 0; i < size; i++ {
		p.loops = append(p.loops, NewLoop(LoopConfig{
			Name:   fmt.Sprintf("%s-%d", cfg.Name, i),
			Logger: cfg.Logger,
		}))
	}

	return p
}

// Size returns the number of loops.
func (p *Pool) Size() int {
	return len(p.loops)
}

// Loop returns the loop at index i.
func (p *Pool) Loop(i int) *Loop {
	return p.loops[i]
}

// FindNext returns the next loop in cyclic order 0, 1, ..., Size()-1, 0, ...
// It is safe for concurrent use.
func (p *Pool) FindNext() *Loop {
	n := p.cursor.Add(1) - 1
	return p.loops[n%uint64(len(p.loops))]
}

// Start starts every loop.
//
// Returns:
//   - The first error reported by a loop, if any
func (p *Pool) Start() error {
	var g errgroup.Group
	for _, l := range p.loops {
		g.Go(l.Start)
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("start loop pool: %w", err)
	}

	return nil
}

// Stop stops every loop concurrently and waits for all of them.
//
// Returns:
//   - The first error reported by a loop, if any
func (p *Pool) Stop() error {
	var g errgroup.Group
	for _, l := range p.loops {
		g.Go(l.Stop)
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("stop loop pool: %w", err)
	}

	return nil
}

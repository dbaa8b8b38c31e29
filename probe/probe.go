// Package probe ranks and relabels stored endpoints using live
// reachability probes.
package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"subsync/descriptor"
)

// Prober measures how long it takes to reach url through d. A non-positive
// duration is treated as a failure just like an error.
type Prober interface {
	Probe(ctx context.Context, d *descriptor.Descriptor, url string, timeout time.Duration) (time.Duration, error)
}

// MultiProber is implemented by probers that can test several URLs through
// one instance of the endpoint.
type MultiProber interface {
	ProbeAll(ctx context.Context, d *descriptor.Descriptor, urls []string, timeout time.Duration) ([]time.Duration, error)
}

// probeAll returns one duration per url and fails as soon as any url does.
func probeAll(ctx context.Context, p Prober, d *descriptor.Descriptor, urls []string, timeout time.Duration) ([]time.Duration, error) {
	var results []time.Duration
	if mp, ok := p.(MultiProber); ok {
		var err error
		results, err = mp.ProbeAll(ctx, d, urls, timeout)
		if err != nil {
			return nil, err
		}
	} else {
		results = make([]time.Duration, 0, len(urls))
		for _, url := range urls {
			elapsed, err := p.Probe(ctx, d, url, timeout)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", url, err)
			}
			results = append(results, elapsed)
		}
	}
	if len(results) != len(urls) {
		return nil, fmt.Errorf("expected %d results, got %d", len(urls), len(results))
	}
	for i, elapsed := range results {
		if elapsed <= 0 {
			return nil, fmt.Errorf("%s: no response", urls[i])
		}
	}
	return results, nil
}

func millis(d time.Duration) int {
	ms := int(d / time.Millisecond)
	if ms <= 0 && d > 0 {
		ms = 1
	}
	return ms
}

// Gate is a set of non-blocking locks keyed by scope.
type Gate struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func NewGate() *Gate {
	return &Gate{busy: make(map[string]struct{})}
}

// TryAcquire takes the lock for scope if it is free. The returned release
// func must be called exactly once when ok is true.
func (g *Gate) TryAcquire(scope string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy == nil {
		g.busy = make(map[string]struct{})
	}
	if _, taken := g.busy[scope]; taken {
		return func() {}, false
	}
	g.busy[scope] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.busy, scope)
			g.mu.Unlock()
		})
	}, true
}

// Package throttle gates fetch admission per bin: a concurrency cap and a
// minimum interval between request issues.
package throttle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crawlcore/internal/metrics"
)

// Limits bound one bin. A zero MaxConcurrent means no concurrency cap and a
// zero MinInterval means no pacing.
type Limits struct {
	MinInterval   time.Duration `mapstructure:"min_interval"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// Config holds the default limits and per-bin overrides.
type Config struct {
	Default Limits
	Bins    map[string]Limits
}

// Registry owns per-bin state. Bins are created on first use.
type Registry struct {
	cfg Config

	mu   sync.Mutex
	bins map[string]*bin
}

type bin struct {
	name   string
	limits Limits
	sem    *semaphore.Weighted

	// mu guards lastIssued; the interval check and the timestamp update
	// happen under it together.
	mu         sync.Mutex
	lastIssued time.Time
	held       atomic.Int64
}

// New creates a Registry.
func New(cfg Config) *Registry {
	bins := make(map[string]Limits, len(cfg.Bins))
	for name, limits := range cfg.Bins {
		bins[normalize(name)] = limits
	}
	cfg.Bins = bins
	return &Registry{cfg: cfg, bins: make(map[string]*bin)}
}

// Permit is held while a guarded request runs. Release is idempotent.
type Permit struct {
	bins   []*bin
	issued time.Time
	once   sync.Once
}

// Issued is the time the permit was granted and stamped on its bins.
func (p *Permit) Issued() time.Time {
	return p.issued
}

// Release returns the concurrency slots. The interval clock is not reset.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		for _, b := range p.bins {
			b.held.Add(-1)
			if b.sem != nil {
				b.sem.Release(1)
			}
			metrics.AddPermitsHeld(b.name, -1)
		}
	})
}

// Bins returns the bin names covered by the permit in acquisition order.
func (p *Permit) Bins() []string {
	out := make([]string, 0, len(p.bins))
	for _, b := range p.bins {
		out = append(out, b.name)
	}
	return out
}

// Acquire blocks until every bin admits one more request. Bins are taken in
// lexicographic order so concurrent callers with overlapping sets cannot
// deadlock. An empty set returns immediately with a no-op permit.
func (r *Registry) Acquire(ctx context.Context, names []string) (*Permit, error) {
	bins := r.lookup(names)
	if len(bins) == 0 {
		return &Permit{issued: time.Now()}, nil
	}
	start := time.Now()

	for i, b := range bins {
		if b.sem == nil {
			continue
		}
		if err := b.sem.Acquire(ctx, 1); err != nil {
			releaseSlots(bins[:i])
			return nil, fmt.Errorf("acquire bin %q: %w", b.name, err)
		}
	}

	issued, err := r.awaitInterval(ctx, bins)
	if err != nil {
		releaseSlots(bins)
		return nil, err
	}

	waited := time.Since(start)
	for _, b := range bins {
		metrics.ObserveThrottleWait(b.name, waited)
		metrics.AddPermitsHeld(b.name, 1)
	}
	return &Permit{bins: bins, issued: issued}, nil
}

// Held reports how many permits are currently held for bin.
func (r *Registry) Held(name string) int {
	r.mu.Lock()
	b, ok := r.bins[normalize(name)]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return int(b.held.Load())
}

// awaitInterval waits until every bin's last issue is at least MinInterval
// old, then stamps all bins with the same issue time.
func (r *Registry) awaitInterval(ctx context.Context, bins []*bin) (time.Time, error) {
	for {
		for _, b := range bins {
			b.mu.Lock()
		}
		now := time.Now()
		var wait time.Duration
		for _, b := range bins {
			if b.lastIssued.IsZero() || b.limits.MinInterval <= 0 {
				continue
			}
			if d := b.lastIssued.Add(b.limits.MinInterval).Sub(now); d > wait {
				wait = d
			}
		}
		if wait <= 0 {
			for _, b := range bins {
				b.lastIssued = now
				b.held.Add(1)
			}
		}
		for i := len(bins) - 1; i >= 0; i-- {
			bins[i].mu.Unlock()
		}
		if wait <= 0 {
			return now, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, fmt.Errorf("await bin interval: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (r *Registry) lookup(names []string) []*bin {
	seen := make(map[string]struct{}, len(names))
	keys := make([]string, 0, len(names))
	for _, name := range names {
		key := normalize(name)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*bin, 0, len(keys))
	for _, key := range keys {
		b, ok := r.bins[key]
		if !ok {
			limits, override := r.cfg.Bins[key]
			if !override {
				limits = r.cfg.Default
			}
			b = &bin{name: key, limits: limits}
			if limits.MaxConcurrent > 0 {
				b.sem = semaphore.NewWeighted(int64(limits.MaxConcurrent))
			}
			r.bins[key] = b
		}
		out = append(out, b)
	}
	return out
}

func releaseSlots(bins []*bin) {
	for _, b := range bins {
		if b.sem != nil {
			b.sem.Release(1)
		}
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

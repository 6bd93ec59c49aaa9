package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/esbmeter/esbmeter/pkg/types"
)

// ErrUnknownMeter is returned for an MPRN that is not configured.
var ErrUnknownMeter = errors.New("unknown meter")

// Map holds every configured meter. Meters are updated independently.
type Map struct {
	mu     sync.RWMutex
	meters map[string]*Meter
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{meters: make(map[string]*Meter)}
}

// Add registers m. Adding after Run has started has no effect on scheduling.
func (mp *Map) Add(m *Meter) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.meters == nil {
		mp.meters = make(map[string]*Meter)
	}
	if _, ok := mp.meters[m.mprn]; ok {
		return fmt.Errorf("meter %s already configured", m.mprn)
	}
	mp.meters[m.mprn] = m
	return nil
}

// Meter returns the meter for mprn.
func (mp *Map) Meter(mprn string) (*Meter, error) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	m, ok := mp.meters[mprn]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMeter, mprn)
	}
	return m, nil
}

// Len returns the number of meters.
func (mp *Map) Len() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.meters)
}

func (mp *Map) list() []*Meter {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	out := make([]*Meter, 0, len(mp.meters))
	for _, m := range mp.meters {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].mprn < out[j].mprn
	})
	return out
}

// Snapshots returns every meter's snapshot ordered by MPRN.
func (mp *Map) Snapshots() []types.Snapshot {
	meters := mp.list()
	out := make([]types.Snapshot, 0, len(meters))
	for _, m := range meters {
		out = append(out, m.Snapshot())
	}
	return out
}

// Run runs every meter until ctx is done and waits for them to stop.
func (mp *Map) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, m := range mp.list() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Run(ctx)
		}()
	}
	wg.Wait()
}

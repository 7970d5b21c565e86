package mediaserver

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Sample is one reading of audience and encoder metrics.
type Sample struct {
	Viewers   int
	Bitrate   int
	Estimated bool
	Source    string
}

// Telemetry reports live metrics for a session.
type Telemetry interface {
	Sample(ctx context.Context, session Session) (Sample, error)
}

// PlaceholderTelemetry fabricates plausible values until a real metrics
// source is wired in. Every sample is flagged Estimated.
type PlaceholderTelemetry struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPlaceholderTelemetry seeds from the clock when seed is zero.
func NewPlaceholderTelemetry(seed uint64) *PlaceholderTelemetry {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &PlaceholderTelemetry{rng: rand.New(rand.NewPCG(seed, seed>>1|1))}
}

// Sample returns viewers in [5, 54] and bitrate in [2500, 2999] kbps.
func (p *PlaceholderTelemetry) Sample(_ context.Context, _ Session) (Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Sample{
		Viewers:   p.rng.IntN(50) + 5,
		Bitrate:   2500 + p.rng.IntN(500),
		Estimated: true,
		Source:    "placeholder",
	}, nil
}

var _ Telemetry = (*PlaceholderTelemetry)(nil)

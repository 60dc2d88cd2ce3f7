package services

import (
	"context"
	"sync"
	"time"

	"github.com/bananajs/banana/internal/logger"
	"github.com/bananajs/banana/internal/models"
	"github.com/bananajs/banana/internal/recovery"
)

// ResourceSample is a point-in-time reading of this process.
type ResourceSample struct {
	MemoryMB  float64
	CPUMillis float64
}

// Sampler reads process resource usage.
type Sampler func() (ResourceSample, error)

// MetricsPublisher broadcasts a metrics event on a fixed interval. Delivery is
// fire-and-forget: Broadcast only enqueues, so a slow channel never delays
// the next tick.
type MetricsPublisher struct {
	broadcaster Broadcaster
	clock       *BuildClock
	interval    time.Duration
	sample      Sampler

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	last    models.MetricsPayload
	samples int
}

// NewMetricsPublisher creates a publisher sampling this process every interval.
func NewMetricsPublisher(b Broadcaster, clock *BuildClock, interval time.Duration) *MetricsPublisher {
	if interval <= 0 {
		interval = time.Second
	}
	return &MetricsPublisher{
		broadcaster: b,
		clock:       clock,
		interval:    interval,
		sample:      SampleProcess,
	}
}

// WithSampler replaces the resource sampler.
func (p *MetricsPublisher) WithSampler(s Sampler) *MetricsPublisher {
	p.sample = s
	return p
}

// Start runs the ticker until Stop or ctx is cancelled.
func (p *MetricsPublisher) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	recovery.SafeGoWithCleanup("metrics-publisher", func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Publish()
			}
		}
	}, func() { close(done) })

	logger.Debugf("📊 Metrics publisher started (interval %s)", p.interval)
}

// Stop halts the ticker and waits for it to exit.
func (p *MetricsPublisher) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Publish takes one sample and broadcasts it. It returns the event sent.
func (p *MetricsPublisher) Publish() models.Event {
	payload := p.Sample()
	ev := models.NewMetrics(payload)
	p.broadcaster.Broadcast(ev)
	return ev
}

// Sample builds a metrics payload without broadcasting it. When the sampler
// fails the previous resource reading is reused.
func (p *MetricsPublisher) Sample() models.MetricsPayload {
	payload := models.MetricsPayload{
		BuildTime:     p.clock.SinceBuildStart().Milliseconds(),
		HMRUpdateTime: p.clock.SinceHMRApplied().Milliseconds(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, err := p.sample(); err != nil {
		if p.samples == 0 {
			logger.Warnf("⚠️ Failed to sample process resources: %v", err)
		}
		payload.Memory = p.last.Memory
		payload.CPU = p.last.CPU
	} else {
		payload.Memory = s.MemoryMB
		payload.CPU = s.CPUMillis
	}
	p.samples++
	p.last = payload
	return payload
}

// Last returns the most recent payload.
func (p *MetricsPublisher) Last() models.MetricsPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

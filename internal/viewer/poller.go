package viewer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/smartpcapp/smartpc-control-plane/internal/metrics"
)

// Poller samples connection stats from the live session on a fixed interval.
// A failed tick leaves the previous sample in place.
type Poller struct {
	interval    time.Duration
	callTimeout time.Duration
	clock       Clock
	apply       func(epoch uint64, st ConnectionStats) bool

	mu     sync.Mutex
	cancel context.CancelFunc
	timer  Timer
	wg     sync.WaitGroup
}

func newPoller(interval, callTimeout time.Duration, clock Clock, apply func(uint64, ConnectionStats) bool) *Poller {
	return &Poller{interval: interval, callTimeout: callTimeout, clock: clock, apply: apply}
}

// Start samples l once right away, then every interval, replacing any
// previous loop.
func (p *Poller) Start(l lease) {
	p.Stop()
	if l.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(l.ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.tick(ctx, l)
		p.schedule(ctx, l)
	}()
}

// schedule arms the next tick. Every armed timer holds one wg slot, released
// either by the tick or by Stop when it disarms the timer.
func (p *Poller) schedule(ctx context.Context, l lease) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	p.wg.Add(1)
	p.timer = p.clock.AfterFunc(p.interval, func() {
		defer p.wg.Done()
		if ctx.Err() != nil {
			return
		}
		p.tick(ctx, l)
		p.schedule(ctx, l)
	})
}

func (p *Poller) tick(ctx context.Context, l lease) {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	st, err := l.session.GetStats(callCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("event=viewer_stats_failed epoch=%d err=%q", l.epoch, err.Error())
		metrics.Default().IncCounter("smartpc_viewer_stats_polls_total", map[string]string{"status": "error"})
		return
	}
	if !p.apply(l.epoch, ConnectionStats{LatencyMs: st.LatencyMs, FPS: st.FPS, SampledAt: p.clock.Now()}) {
		metrics.Default().IncCounter("smartpc_viewer_stats_polls_total", map[string]string{"status": "discarded"})
		return
	}
	metrics.Default().IncCounter("smartpc_viewer_stats_polls_total", map[string]string{"status": "ok"})
}

// Stop cancels the loop. It does not wait for an in-flight read; that read's
// result is rejected by apply.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.timer != nil {
		if p.timer.Stop() {
			p.wg.Done()
		}
		p.timer = nil
	}
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// wait blocks until every stopped loop has exited.
func (p *Poller) wait() {
	p.wg.Wait()
}

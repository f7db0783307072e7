package jobs

import (
	"context"
	"log"
	"time"

	"github.com/smartpcapp/smartpc-control-plane/internal/metrics"
)

type Store interface {
	CleanupExpiredIdempotencyRecords(context.Context) error
	PruneViewerEvents(ctx context.Context, retention time.Duration) (int64, error)
	ExpireStaleProvisioning(ctx context.Context, maxAge time.Duration) (int64, error)
}

type Options struct {
	ProvisioningTimeout  time.Duration
	ViewerEventRetention time.Duration
}

type Runner struct {
	store Store
	opts  Options
}

func NewRunner(store Store, opts Options) *Runner {
	if opts.ProvisioningTimeout <= 0 {
		opts.ProvisioningTimeout = 15 * time.Minute
	}
	if opts.ViewerEventRetention <= 0 {
		opts.ViewerEventRetention = 30 * 24 * time.Hour
	}
	return &Runner{store: store, opts: opts}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "idempotency_ttl_cleanup", 5*time.Minute, r.store.CleanupExpiredIdempotencyRecords)
	go r.runEvery(ctx, "stale_provisioning_expiry", 1*time.Minute, r.expireStaleProvisioning)
	go r.runEvery(ctx, "viewer_event_prune", 1*time.Hour, r.pruneViewerEvents)
}

func (r *Runner) expireStaleProvisioning(ctx context.Context) error {
	n, err := r.store.ExpireStaleProvisioning(ctx, r.opts.ProvisioningTimeout)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("event=stale_provisioning_expired count=%d max_age=%s", n, r.opts.ProvisioningTimeout)
	}
	return nil
}

func (r *Runner) pruneViewerEvents(ctx context.Context) error {
	n, err := r.store.PruneViewerEvents(ctx, r.opts.ViewerEventRetention)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("event=viewer_events_pruned count=%d retention=%s", n, r.opts.ViewerEventRetention)
	}
	return nil
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		log.Printf("metric=job_run name=%s status=error duration_ms=%d err=%q", name, int64(durMs), err.Error())
	} else {
		log.Printf("metric=job_run name=%s status=ok duration_ms=%d", name, int64(durMs))
	}
	metrics.Default().IncCounter("smartpc_job_runs_total", map[string]string{"job": name, "status": status})
	metrics.Default().ObserveHistogram("smartpc_job_duration_ms", durMs, map[string]string{"job": name})
}

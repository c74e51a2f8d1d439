package service

import (
	"context"
	"time"

	"github.com/open-policy-agent/opa-bundle-sidecar/internal/builder"
	"github.com/open-policy-agent/opa-bundle-sidecar/internal/logging"
	"github.com/open-policy-agent/opa-bundle-sidecar/internal/metrics"
	"github.com/open-policy-agent/opa-bundle-sidecar/internal/sources"
	"github.com/open-policy-agent/opa-bundle-sidecar/internal/store"
)

const (
	defaultDebounce = 100 * time.Millisecond
	defaultRetry    = 5 * time.Second
)

// Coordinator decouples the bursty watch-event stream from bundle assembly.
// It runs a small state machine: idle until a change is signalled, then
// scheduled while the debounce timer runs (further changes extend the timer),
// then building. Builds run one at a time on the coordinator's own goroutine;
// changes signalled during a build are picked up right after it completes, so
// no change is ever dropped and no two builds overlap. Published bundles
// carry strictly increasing sequence numbers.
type Coordinator struct {
	cache    *sources.Cache
	store    *store.Store
	debounce time.Duration
	retry    time.Duration
	ready    <-chan struct{}
	log      *logging.Logger
	changed  chan struct{}
	sequence uint64

	// assemble is swapped out by tests to inject assembly failures.
	assemble func(snapshot []sources.PolicySource, sequence uint64) (*builder.Bundle, error)
}

func NewCoordinator(cache *sources.Cache, st *store.Store, log *logging.Logger) *Coordinator {
	c := &Coordinator{
		cache:    cache,
		store:    st,
		debounce: defaultDebounce,
		retry:    defaultRetry,
		log:      log,
		changed:  make(chan struct{}, 1),
	}
	c.assemble = c.build
	return c
}

func (c *Coordinator) WithDebounce(d time.Duration) *Coordinator {
	if d > 0 {
		c.debounce = d
	}
	return c
}

// WithRetry sets how long after a failed build the coordinator waits before
// rebuilding on its own, so a transient assembly fault followed by watch
// silence still converges on the latest cache state.
func (c *Coordinator) WithRetry(d time.Duration) *Coordinator {
	if d > 0 {
		c.retry = d
	}
	return c
}

// WithReady defers the first build until the channel is closed. Wired to the
// watch feed's initial-sync barrier so the first published bundle reflects
// the complete snapshot, never a partially delivered LIST.
func (c *Coordinator) WithReady(ready <-chan struct{}) *Coordinator {
	c.ready = ready
	return c
}

// Trigger signals that the source cache changed. It never blocks; signals
// arriving while one is already pending coalesce.
func (c *Coordinator) Trigger() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// Run owns the debounce/build state machine until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.ready != nil {
		select {
		case <-c.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	scheduled := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case <-c.changed:
			// idle -> scheduled, or extend the window while scheduled.
			if scheduled && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.debounce)
			scheduled = true

		case <-timer.C:
			scheduled = false
			if !c.rebuild() {
				// The attempt failed and the trigger is consumed, so rebuild
				// on our own later: the cache state must reach readers even
				// if the watch feed stays silent from here on.
				timer.Reset(c.retry)
				scheduled = true
			}
		}
	}
}

// rebuild snapshots the cache, assembles, and publishes, reporting success.
// A failed assembly abandons the attempt: the previous bundle stays current,
// the sequence number is not consumed, and readers never see the error.
func (c *Coordinator) rebuild() bool {
	snapshot := c.cache.Snapshot()
	startTime := time.Now()

	b, err := c.assemble(snapshot, c.sequence+1)
	if err != nil {
		c.log.Warnf("failed to build bundle from %d sources: %v", len(snapshot), err)
		metrics.BundleBuildFailed("build_failed")
		return false
	}

	c.sequence = b.Sequence
	c.store.Publish(b)
	metrics.BundleBuildSucceeded(startTime, b.Sequence, len(b.Data))
	c.log.Debugf("bundle %d built: digest=%s sources=%d bytes=%d",
		b.Sequence, b.Digest, len(snapshot), len(b.Data))
	return true
}

func (c *Coordinator) build(snapshot []sources.PolicySource, sequence uint64) (*builder.Bundle, error) {
	return builder.New().
		WithSources(snapshot).
		WithSequence(sequence).
		WithCollisionHandler(func(path string, winner sources.Key) {
			c.log.Warnf("archive path %q produced by multiple sources; keeping content from %v", path, winner)
		}).
		Build()
}

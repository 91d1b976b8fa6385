// Package triage runs the crash deduplication pipeline: cached or replayed
// coverage per crash, a tail window fingerprint per trace, one bucket
// directory per fingerprint.
package triage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"triage/internal/bucket"
	"triage/internal/cache"
	"triage/internal/crash"
	"triage/internal/replay"
	"triage/internal/trace"
)

// SetupError aborts a run before any crash is processed.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one run.
type Result struct {
	Buckets    *bucket.Set
	Failed     []*replay.ReplayError
	CopyErrors []*bucket.CopyError
	Crashes    int
	CacheHits  int
	Replayed   int
	Stale      []string // cached traces of crashes not in this run
}

// Triager owns the resources of a run.
type Triager struct {
	Pool    *replay.Pool
	Cache   *cache.Store
	Limit   int // tail window; bucket.DefaultLimit when <= 0
	Log     logrus.FieldLogger
	Metrics *Metrics
}

// Run triages crashes and writes the buckets under bucketsDir. At most
// Pool.Size() crashes are replayed at once; the buckets do not depend on
// that number. A crash whose replay fails is left out and retried by the
// next run since failures are never cached. A trace that cannot be cached
// is still bucketed and replayed again by the next run.
func (t *Triager) Run(ctx context.Context, crashes []crash.Crash, bucketsDir string) (*Result, error) {
	if t.Pool == nil || t.Pool.Size() == 0 {
		return nil, &SetupError{Op: "replay pool", Err: replay.ErrEmptyPool}
	}
	if t.Metrics == nil {
		t.Metrics = NewMetrics()
	}
	limit := t.Limit
	if limit <= 0 {
		limit = bucket.DefaultLimit
	}
	if err := t.Cache.Init(); err != nil {
		return nil, &SetupError{Op: "create traces directory", Err: err}
	}
	if err := os.MkdirAll(bucketsDir, 0755); err != nil {
		return nil, &SetupError{Op: "create buckets directory", Err: err}
	}

	t.Log.Infof("loaded %d crash(es)", len(crashes))
	stale := t.staleTraces(crashes)
	if len(stale) > 0 {
		t.Log.Infof("%d cached trace(s) have no matching crash", len(stale))
	}
	t.Log.Info("gathering coverage")
	t.Metrics.Crashes.Add(float64(len(crashes)))

	traces := make([]*trace.Trace, len(crashes))
	hits := make([]bool, len(crashes))
	failures := make([]*replay.ReplayError, len(crashes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.Pool.Size())
	for i, c := range crashes {
		i, c := i, c
		g.Go(func() error {
			tr, hit, err := t.coverage(gctx, c)
			if err != nil {
				var re *replay.ReplayError
				if errors.As(err, &re) && gctx.Err() == nil {
					failures[i] = re
					return nil
				}
				return err
			}
			traces[i], hits[i] = tr, hit
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Buckets: bucket.NewSet(), Crashes: len(crashes), Stale: stale}
	for i, c := range crashes {
		if re := failures[i]; re != nil {
			res.Failed = append(res.Failed, re)
			t.Metrics.ReplayFailures.WithLabelValues(string(re.Phase)).Inc()
			t.Log.WithError(re.Err).WithFields(logrus.Fields{
				"crash": c.Name,
				"phase": re.Phase,
			}).Warn("replay failed, crash skipped")
			continue
		}
		if hits[i] {
			res.CacheHits++
		} else {
			res.Replayed++
		}
		res.Buckets.Add(bucket.Fingerprint(traces[i].Coverage, limit), c)
	}

	t.Log.Infof("triaged %d crash(es)", res.Buckets.Total())
	t.Log.Infof("found %d unique crash(es)", res.Buckets.Len())
	for _, fp := range res.Buckets.Keys() {
		t.Log.Infof("bucket %s contains %d file(s)", fp, len(res.Buckets.Members(fp)))
	}

	res.CopyErrors = bucket.Materialize(bucketsDir, res.Buckets)
	for _, ce := range res.CopyErrors {
		t.Log.WithError(ce.Err).WithField("bucket", ce.Bucket).Warnf("could not copy %s", ce.Src)
	}
	t.Metrics.CopyErrors.Add(float64(len(res.CopyErrors)))
	t.Metrics.Buckets.Set(float64(res.Buckets.Len()))

	return res, nil
}

// coverage returns the trace of c from the cache, or replays it and
// writes the trace through. hit reports a cache hit.
func (t *Triager) coverage(ctx context.Context, c crash.Crash) (tr *trace.Trace, hit bool, err error) {
	log := t.Log.WithField("crash", c.Name)

	tr, err = t.Cache.Lookup(c.Name)
	var corrupt *cache.CorruptError
	switch {
	case err == nil:
		log.Debug("coverage exists, loading from file")
		t.Metrics.CacheHits.Inc()
		return tr, true, nil
	case errors.Is(err, cache.ErrTraceNotFound):
	case errors.As(err, &corrupt):
		log.WithError(corrupt.Err).Warn("cached trace is corrupt, recomputing")
		t.Metrics.CacheCorrupt.Inc()
		if err := t.Cache.Delete(c.Name); err != nil && !errors.Is(err, cache.ErrTraceNotFound) {
			log.WithError(err).Warn("cannot evict corrupt trace")
		}
	}

	r, err := t.Pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	defer t.Pool.Release(r)

	log.Debug("doing coverage")
	start := time.Now()
	tr, err = r.Replay(ctx, c)
	t.Metrics.ReplayDuration.Observe(time.Since(start).Seconds())
	t.Metrics.Replays.Inc()
	if err != nil {
		return nil, false, err
	}

	path, err := t.Cache.Save(c.Name, tr)
	if err != nil {
		t.Metrics.CacheErrors.Inc()
		log.WithError(err).Warn("cannot cache trace, it will be replayed again")
		return tr, false, nil
	}
	log.Debugf("saved trace to %s", path)
	return tr, false, nil
}

// staleTraces lists the cached traces that no crash of this run owns.
func (t *Triager) staleTraces(crashes []crash.Crash) []string {
	names, err := t.Cache.List()
	if err != nil {
		t.Log.WithError(err).Warn("cannot list cached traces")
		return nil
	}
	owned := make(map[string]bool, len(crashes))
	for _, c := range crashes {
		owned[c.Name] = true
	}
	var stale []string
	for _, name := range names {
		if !owned[name] {
			stale = append(stale, name)
		}
	}
	return stale
}

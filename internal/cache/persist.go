package cache

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/plaintask/internal/codec"
	"github.com/basket/plaintask/internal/otel"
)

const maxRetryDelay = 30 * time.Second

type job struct {
	id      string
	seq     int64
	path    string
	data    []byte
	hash    string
	stale   []string
	deleted bool
}

type batch struct {
	jobs    []job
	waiters []chan error
}

type jobResult struct {
	job job
	err error
}

// schedule arms the debounce timer unless it is already running. After
// failed writes the delay backs off.
func (c *Cache) schedule(st *state) {
	if st.timer != nil || !st.flushable() {
		return
	}
	d := c.debounce
	for i := 0; i < st.failures && d < maxRetryDelay; i++ {
		d *= 2
	}
	d = min(d, maxRetryDelay)
	st.timerGen++
	gen := st.timerGen
	st.timer = time.AfterFunc(d, func() {
		select {
		case c.reqs <- func(st *state) {
			if st.timerGen != gen {
				return
			}
			st.timer = nil
			c.startFlush(st)
		}:
		case <-c.quit:
		}
	})
}

// startFlush hands every dirty record to the persister. Only one batch is
// in flight; a request made meanwhile is picked up when it completes.
func (c *Cache) startFlush(st *state) {
	if st.flushing {
		return
	}
	st.stopTimer()
	b := &batch{waiters: st.waiting}
	st.waiting = nil

	for id, pw := range st.dirty {
		if _, held := st.conflicts[id]; held {
			continue
		}
		j := job{id: id, seq: pw.seq, stale: slices.Clone(pw.stale), deleted: pw.deleted}
		if pw.deleted {
			j.path = pw.path
		} else {
			e := st.records[id]
			if e.doc == nil {
				doc, err := codec.Marshal(e.rec)
				if err != nil {
					c.logger.Error("encode task for flush", "task_id", id, "error", err)
					continue
				}
				e.doc = doc
				e.rec.Hash = codec.Hash(doc)
			}
			j.path, j.data, j.hash = e.path, e.doc, e.rec.Hash
		}
		b.jobs = append(b.jobs, j)
		st.inflight[id] = j.hash
		delete(st.dirty, id)
	}
	if len(b.jobs) == 0 {
		for _, w := range b.waiters {
			w <- nil
		}
		return
	}
	slices.SortFunc(b.jobs, func(x, y job) int { return cmp.Compare(x.id, y.id) })
	st.flushing = true
	c.jobs <- b
}

func (c *Cache) runPersister() {
	for {
		select {
		case b := <-c.jobs:
			results := c.persist(b)
			select {
			case c.reqs <- func(st *state) { c.flushDone(st, b, results) }:
			case <-c.quit:
				for _, w := range b.waiters {
					w <- ErrClosed
				}
				return
			}
		case <-c.quit:
			return
		}
	}
}

// persist performs the file I/O for one batch. It never touches state.
func (c *Cache) persist(b *batch) []jobResult {
	ctx := context.Background()
	ctx, span := otel.StartSpan(ctx, c.tracer, "cache.flush", otel.AttrCount.Int(len(b.jobs)))
	defer span.End()
	start := time.Now()

	results := make([]jobResult, 0, len(b.jobs))
	for _, j := range b.jobs {
		err := c.persistJob(j)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			c.logger.Error("task file write failed", "task_id", j.id, "path", j.path, "error", err)
		} else if j.seq > 0 {
			if aerr := c.journal.Ack(ctx, j.id, j.seq); aerr != nil {
				c.logger.Warn("journal ack failed; entry will replay", "task_id", j.id, "seq", j.seq, "error", aerr)
			}
		}
		op := "put"
		if j.deleted {
			op = "delete"
		}
		c.metrics.FileWrites.Add(ctx, 1, metric.WithAttributes(otel.AttrOp.String(op), otel.AttrOutcome.String(outcome)))
		results = append(results, jobResult{job: j, err: err})
	}

	c.metrics.FlushDuration.Record(ctx, time.Since(start).Seconds())
	if n, err := c.journal.Len(ctx); err == nil {
		c.metrics.JournalPending.Record(ctx, int64(n))
	}
	return results
}

func (c *Cache) persistJob(j job) error {
	if j.deleted {
		var errs []error
		for _, p := range append([]string{j.path}, j.stale...) {
			if p == "" {
				continue
			}
			if err := c.store.Delete(p); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	if err := c.store.WriteAtomic(j.path, j.data); err != nil {
		return err
	}
	var errs []error
	for _, p := range j.stale {
		if p == j.path {
			continue
		}
		if err := c.store.Delete(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) flushDone(st *state, b *batch, results []jobResult) {
	st.flushing = false
	st.flushes++
	st.lastFlush = c.now()

	var errs []error
	for _, r := range results {
		delete(st.inflight, r.job.id)
		if r.err != nil {
			errs = append(errs, r.err)
			c.redirty(st, r.job)
			continue
		}
		if !r.job.deleted {
			if e, ok := st.records[r.job.id]; ok && e.path == r.job.path {
				e.synced = r.job.hash
			}
			// Our write replaced whatever broken file was there.
			delete(st.quarantine, r.job.path)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		st.failures++
		st.writeErrors += uint64(len(errs))
		st.lastError = err.Error()
	} else {
		st.failures = 0
	}
	for _, w := range b.waiters {
		w <- err
	}
	c.publish(st)

	if len(st.waiting) > 0 {
		c.startFlush(st)
		return
	}
	c.schedule(st)
}

// redirty puts a failed job back so the next flush retries it, merged with
// any edit made while it was in flight.
func (c *Cache) redirty(st *state, j job) {
	pw, ok := st.dirty[j.id]
	if !ok {
		st.dirty[j.id] = &pendingWrite{seq: j.seq, stale: j.stale, deleted: j.deleted, path: j.path}
		return
	}
	pw.seq = max(pw.seq, j.seq)
	pw.addStale(j.stale...)
	if !pw.deleted && !j.deleted {
		if e, ok := st.records[j.id]; ok && e.path != j.path {
			pw.addStale(j.path)
		}
	}
}

package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// job is one attempt of one task handed to a worker.
type job struct {
	index   int
	task    Task
	attempt int
}

// outcome is a worker's answer to a job.
type outcome struct {
	index   int
	attempt int
	skipped bool
	err     error
}

// schedule drives every record to Completed or FailedPermanent.
//
// The scheduler goroutine is the only writer of records. Workers receive
// jobs and return outcomes; a failed attempt that has retries left is
// parked on a backoff timer owned by the scheduler and re-queued when the
// timer fires, so workers are never blocked by a retry delay.
func (m *Manager) schedule(ctx context.Context, fetcher Fetcher, records []Record) error {
	total := len(records)
	if total == 0 {
		return nil
	}

	jobs := make(chan job)
	// Each task has at most one job in flight or one retry parked, so
	// neither channel can hold more than total values.
	outcomes := make(chan outcome, total)
	retries := make(chan int, total)

	var g errgroup.Group
	for range min(m.concurrency, total) {
		g.Go(func() error {
			for j := range jobs {
				outcomes <- m.process(ctx, fetcher, j)
			}
			return nil
		})
	}

	queue := make([]int, total)
	for i := range queue {
		queue[i] = i
	}

	remaining := total
	cancelled := ctx.Done()
	var cause error

	finish := func(idx int) {
		remaining--
		m.logger.Debug("task settled",
			"url", records[idx].Task.URL,
			"status", records[idx].Status.String(),
			"done", total-remaining,
			"total", total,
		)
	}

	abandon := func(idx int) {
		records[idx].Status = StatusFailedPermanent
		records[idx].Err = fmt.Errorf("not completed: %w", cause)
		finish(idx)
	}

	stop := func() {
		cancelled = nil
		cause = context.Cause(ctx)
		m.logger.Warn("download run cancelled", "pending", len(queue), "error", cause)
		for _, idx := range queue {
			abandon(idx)
		}
		queue = nil
	}

	for remaining > 0 {
		if cause == nil && ctx.Err() != nil {
			stop()
			continue
		}

		var dispatch chan<- job
		var next job
		if cause == nil && len(queue) > 0 {
			idx := queue[0]
			dispatch = jobs
			next = job{index: idx, task: records[idx].Task, attempt: records[idx].Attempts + 1}
		}

		select {
		case dispatch <- next:
			queue = queue[1:]
			records[next.index].Status = StatusInFlight

		case idx := <-retries:
			if cause != nil {
				abandon(idx)
				continue
			}
			records[idx].Status = StatusPending
			queue = append(queue, idx)

		case out := <-outcomes:
			rec := &records[out.index]
			if out.err == nil {
				rec.Status = StatusCompleted
				rec.Skipped = out.skipped
				rec.Err = nil
				if !out.skipped {
					rec.Attempts = out.attempt
				}
				finish(out.index)
				continue
			}

			rec.Attempts = out.attempt
			rec.Err = out.err
			if cause != nil || out.attempt > m.maxRetries {
				rec.Status = StatusFailedPermanent
				m.logger.Warn("download failed permanently",
					"url", rec.Task.URL,
					"attempts", rec.Attempts,
					"error", rec.Err,
				)
				finish(out.index)
				continue
			}

			rec.Status = StatusFailedTransient
			delay := m.backoff(out.attempt)
			m.logger.Warn("download attempt failed, retrying",
				"url", rec.Task.URL,
				"attempt", out.attempt,
				"max_attempts", m.maxRetries+1,
				"delay", delay,
				"error", out.err,
			)
			go func(idx int) {
				_ = m.sleep(ctx, delay) //nolint:errcheck // cancellation is observed by the scheduler
				retries <- idx
			}(out.index)

		case <-cancelled:
			stop()
		}
	}

	close(jobs)
	_ = g.Wait() //nolint:errcheck // workers never return errors
	return cause
}

// process runs one job. The first attempt of a task consults the progress
// store and the destination before any network I/O.
func (m *Manager) process(ctx context.Context, fetcher Fetcher, j job) outcome {
	out := outcome{index: j.index, attempt: j.attempt}
	key := j.task.Key

	if err := ctx.Err(); err != nil {
		out.err = &TransferError{URL: j.task.URL, Attempt: j.attempt, Err: err}
		return out
	}

	if j.attempt == 1 {
		if m.store.Has(key) {
			m.logger.Debug("already downloaded, skipping", "url", j.task.URL)
			out.skipped = true
			return out
		}
		if info, err := os.Stat(j.task.Destination); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			m.logger.Debug("destination exists, recording as done", "path", j.task.Destination)
			if err := m.store.MarkComplete(key); err != nil {
				m.logger.Warn("failed to record existing file", "path", j.task.Destination, "error", err)
			}
			out.skipped = true
			return out
		}
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			out.err = &TransferError{URL: j.task.URL, Attempt: j.attempt, Err: err}
			return out
		}
	}

	n, err := m.transfer(ctx, fetcher, j.task)
	if err != nil {
		out.err = &TransferError{URL: j.task.URL, Attempt: j.attempt, Err: err}
		return out
	}

	if err := m.store.MarkComplete(key); err != nil {
		m.logger.Error("failed to record progress", "url", j.task.URL, "error", err)
	}
	m.logger.Info("downloaded", "url", j.task.URL, "path", j.task.Destination, "bytes", n)
	return out
}

// transfer streams the resource into a partial file and renames it into
// place. Nothing is left at the destination on failure.
func (m *Manager) transfer(ctx context.Context, fetcher Fetcher, t Task) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(t.Destination), 0750); err != nil {
		return 0, fmt.Errorf("failed to create destination directory: %w", err)
	}

	part := t.PartialPath()
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600) //nolint:gosec // destination comes from the task list
	if err != nil {
		return 0, fmt.Errorf("failed to create partial file: %w", err)
	}

	n, err := fetcher.Fetch(ctx, t.URL, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close partial file: %w", cerr)
	}
	if err == nil && n == 0 {
		err = ErrEmptyBody
	}
	if err != nil {
		_ = os.Remove(part)
		return n, err
	}

	if err := os.Rename(part, t.Destination); err != nil {
		_ = os.Remove(part)
		return n, fmt.Errorf("failed to move file into place: %w", err)
	}
	return n, nil
}

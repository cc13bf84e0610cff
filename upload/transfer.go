package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/burugo/eventsync"
)

// errPauseRequested ends a transfer between chunks.
var errPauseRequested = errors.New("upload: pause requested")

// transfer is the state of one worker run.
type transfer struct {
	m         *Manager
	w         *worker
	task      Task
	src       Source
	sessionID string
	token     string
}

// transfer uploads the task's source from the remote offset to the end.
func (m *Manager) transfer(ts *taskState, w *worker) error {
	task := m.snapshot(ts)
	src, err := m.opts.Open(task.SourceURI)
	if err != nil {
		return fmt.Errorf("failed to reopen upload source: %w", err)
	}
	defer src.Close()
	if uint64(src.Size()) != task.TotalBytes {
		return &eventsync.ValidationError{
			Field:  "sourceURI",
			Reason: fmt.Sprintf("size changed from %d to %d bytes since enqueue", task.TotalBytes, src.Size()),
		}
	}

	t := &transfer{m: m, w: w, task: task, src: src, sessionID: SessionID(task.ID)}
	if err := t.authorize(); err != nil {
		return err
	}

	offset, err := withRetry(t, "resolve offset", t.remoteOffset)
	if err != nil {
		return err
	}
	if offset > task.TotalBytes {
		return fmt.Errorf("remote offset %d exceeds upload size %d: %w", offset, task.TotalBytes, eventsync.ErrOffsetMismatch)
	}
	if offset != task.BytesSent {
		log.Printf("DEBUG: Upload %s continues at remote offset %d (recorded %d)", task.ID, offset, task.BytesSent)
	}
	m.setProgress(ts, offset)

	for offset < task.TotalBytes {
		if w.pauseRequested() {
			return errPauseRequested
		}
		offset, err = t.sendChunk(offset)
		if err != nil {
			return err
		}
		m.setProgress(ts, offset)
	}
	return nil
}

// authorize fetches a fresh bearer token.
func (t *transfer) authorize() error {
	if t.m.opts.Tokens == nil {
		return nil
	}
	token, err := t.m.opts.Tokens.Token(t.w.ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain upload token: %w", err)
	}
	t.token = token
	return nil
}

// remoteOffset asks the remote how much of the session it holds, creating the
// session when the remote has none.
func (t *transfer) remoteOffset(ctx context.Context) (uint64, error) {
	offset, err := t.m.endpoint.QueryOffset(ctx, t.token, t.sessionID)
	if errors.Is(err, eventsync.ErrSessionNotFound) {
		session := Session{ID: t.sessionID, TotalBytes: t.task.TotalBytes, Destination: t.task.Destination}
		if err := t.m.endpoint.CreateSession(ctx, t.token, session); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return offset, err
}

// sendChunk sends the chunk at offset and returns the acknowledged offset. After a
// retryable failure the offset is re-queried before the next attempt.
func (t *transfer) sendChunk(offset uint64) (uint64, error) {
	resync := false
	return withRetry(t, "upload chunk", func(ctx context.Context) (uint64, error) {
		if resync {
			remote, err := t.remoteOffset(ctx)
			if err != nil {
				return 0, err
			}
			if remote > t.task.TotalBytes {
				return 0, backoff.Permanent(fmt.Errorf("remote offset %d exceeds upload size %d: %w", remote, t.task.TotalBytes, eventsync.ErrOffsetMismatch))
			}
			offset = remote
			resync = false
			if offset == t.task.TotalBytes {
				return offset, nil
			}
		}

		size := t.m.opts.ChunkSize
		if remaining := int64(t.task.TotalBytes - offset); remaining < size {
			size = remaining
		}
		chunk := make([]byte, size)
		n, err := t.src.ReadAt(chunk, int64(offset))
		if err != nil && !(errors.Is(err, io.EOF) && int64(n) == size) {
			return 0, backoff.Permanent(fmt.Errorf("failed to read upload source at %d: %w", offset, err))
		}

		next, err := t.m.endpoint.UploadChunk(ctx, t.token, t.sessionID, offset, chunk)
		if err != nil {
			resync = true
			return 0, err
		}
		if next <= offset || next > t.task.TotalBytes {
			resync = true
			return 0, fmt.Errorf("remote acknowledged offset %d after a chunk at %d: %w", next, offset, eventsync.ErrOffsetMismatch)
		}
		return next, nil
	})
}

// withRetry runs fn under the chunk retry table. Each attempt gets its own timeout;
// cancelling the worker aborts the attempt in flight.
func withRetry[T any](t *transfer, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	delays := t.m.opts.RetryDelays
	return backoff.Retry(t.w.ctx, func() (T, error) {
		ctx, cancel := context.WithTimeout(t.w.ctx, t.m.opts.ChunkTimeout)
		defer cancel()
		v, err := fn(ctx)
		if err != nil {
			return v, t.classify(err)
		}
		return v, nil
	},
		backoff.WithBackOff(newDelayTable(delays)),
		backoff.WithMaxTries(uint(len(delays)+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("WARN: Upload %s: %s failed, retrying in %s: %v", t.task.ID, op, next, err)
		}),
	)
}

// classify marks err permanent unless another attempt can succeed. An expired
// credential is refreshed before the retry.
func (t *transfer) classify(err error) error {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return err
	}
	if t.w.ctx.Err() != nil {
		return backoff.Permanent(err)
	}
	switch {
	case errors.Is(err, eventsync.ErrAuthExpired):
		if refreshErr := t.authorize(); refreshErr != nil {
			return backoff.Permanent(refreshErr)
		}
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &eventsync.TransientNetworkError{Op: "chunk attempt timed out", Err: err}
	case errors.Is(err, eventsync.ErrTransient),
		errors.Is(err, eventsync.ErrOffsetMismatch),
		errors.Is(err, eventsync.ErrSessionNotFound):
		return err
	default:
		return backoff.Permanent(err)
	}
}

package worker

import (
	"context"
	"time"
)

// BatchQueue pulls a bounded batch and handles the items one at a time with a
// pause in between. Moving to a small pool of handlers only touches Drain.
type BatchQueue[T any] struct {
	Pull  func(ctx context.Context, limit int) ([]T, error)
	Limit int
	Pause time.Duration
}

// Drain handles one batch and returns how many items were handled. It stops
// early when ctx is cancelled.
func (q BatchQueue[T]) Drain(ctx context.Context, handle func(context.Context, T)) (int, error) {
	items, err := q.Pull(ctx, q.Limit)
	if err != nil {
		return 0, err
	}

	handled := 0
	for i, item := range items {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		if i > 0 && q.Pause > 0 {
			timer := time.NewTimer(q.Pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return handled, ctx.Err()
			case <-timer.C:
			}
		}
		handle(ctx, item)
		handled++
	}
	return handled, nil
}

package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrUnavailable is the family of failures a reader can observe instead of data.
	ErrUnavailable = errors.New("attachment unavailable")
	// ErrReaderTimeout means the caller's wait elapsed before a producer provided the data.
	ErrReaderTimeout = fmt.Errorf("%w: reader timed out", ErrUnavailable)
	// ErrReclaimed means the slot expired before it was fulfilled.
	ErrReclaimed = fmt.Errorf("%w: slot reclaimed", ErrUnavailable)
	// ErrReleased means the slot was released before it was fulfilled.
	ErrReleased = fmt.Errorf("%w: reader never satisfied", ErrUnavailable)
)

// Future is a handle on a pending attachment read. All futures for the same slot observe
// the same stream.
type Future struct {
	id   string
	slot *slot
}

// ID returns the attachment id.
func (f *Future) ID() string {
	return f.id
}

// Done is closed once the future has resolved, successfully or not.
func (f *Future) Done() <-chan struct{} {
	return f.slot.done
}

// Wait blocks until the stream is available or timeout elapses. A non-positive timeout
// waits without limit.
func (f *Future) Wait(timeout time.Duration) (io.Reader, error) {
	if timeout <= 0 {
		return f.WaitContext(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return f.WaitContext(ctx)
}

// WaitContext blocks until the stream is available or ctx is done. An expired deadline is
// reported as ErrReaderTimeout.
func (f *Future) WaitContext(ctx context.Context) (io.Reader, error) {
	select {
	case <-f.slot.done:
		return f.result()
	default:
	}

	select {
	case <-f.slot.done:
		return f.result()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s - attachment %s: %w", logPrefix, f.id, ErrReaderTimeout)
		}
		return nil, fmt.Errorf("%s - attachment %s: %w", logPrefix, f.id, ctx.Err())
	}
}

// TryResult returns the outcome without blocking. ok is false while the future is pending.
func (f *Future) TryResult() (stream io.Reader, ok bool, err error) {
	select {
	case <-f.slot.done:
		stream, err = f.result()
		return stream, true, err
	default:
		return nil, false, nil
	}
}

func (f *Future) result() (io.Reader, error) {
	if f.slot.err != nil {
		return nil, fmt.Errorf("%s - attachment %s: %w", logPrefix, f.id, f.slot.err)
	}
	return f.slot.stream, nil
}

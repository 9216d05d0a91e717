package dataset

import "context"

// MaxPrefetch bounds the prefetch queue.
const MaxPrefetch = 8

// Prepared is one batch after preparation, or the error preparing it.
type Prepared[T any] struct {
	Batch Batch
	Value T
	Err   error
}

// Prefetch prepares batches on a producer goroutine so preparation of batch
// n+1 overlaps with the consumer's work on batch n. Order is preserved. The
// channel is closed after the last batch, after the first error, or when ctx
// is done.
func Prefetch[T any](ctx context.Context, it *Iterator, depth int, prepare func(Batch) (T, error)) <-chan Prepared[T] {
	if depth < 1 {
		depth = 1
	}
	if depth > MaxPrefetch {
		depth = MaxPrefetch
	}
	out := make(chan Prepared[T], depth)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			b, ok := it.Next()
			if !ok {
				return
			}
			v, err := prepare(b)
			select {
			case out <- Prepared[T]{Batch: b, Value: v, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

package utils

import (
	"context"
	"fmt"
	"sync"
)

type result[T any] struct {
	value T
	err   error
}

// SetOnce holds a single value or error that is produced once and can be
// awaited by any number of callers.
type SetOnce[T any] struct {
	wait   func() (T, error)
	result chan result[T]
	done   chan struct{}
}

func NewSetOnce[T any]() *SetOnce[T] {
	result := make(chan result[T], 1)
	done := make(chan struct{})

	wait := sync.OnceValues(func() (T, error) {
		defer close(done)

		value, ok := <-result
		if !ok {
			return *new(T), fmt.Errorf("result channel was closed")
		}

		return value.value, value.err
	})

	// The wait function must already be running so that closing done and
	// the first external Wait call cannot deadlock each other.
	go wait()

	return &SetOnce[T]{
		result: result,
		done:   done,
		wait:   wait,
	}
}

func (o *SetOnce[T]) WaitWithContext(ctx context.Context) (T, error) {
	select {
	case <-o.done:
		return o.wait()
	case <-ctx.Done():
		return *new(T), ctx.Err()
	}
}

// Wait returns the value or error set by SetValue or SetError.
// It can be called multiple times, returning the same value or error.
func (o *SetOnce[T]) Wait() (T, error) {
	return o.wait()
}

// Done reports whether a result has been produced without blocking.
func (o *SetOnce[T]) Done() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

func (o *SetOnce[T]) SetValue(value T) error {
	select {
	case o.result <- result[T]{value: value}:
		return nil
	default:
		return fmt.Errorf("error setting value: result was already set")
	}
}

func (o *SetOnce[T]) SetError(err error) error {
	select {
	case o.result <- result[T]{err: err}:
		return nil
	default:
		return fmt.Errorf("error setting error: result was already set")
	}
}

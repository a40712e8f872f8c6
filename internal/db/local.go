package db

import (
	"context"
	"sync"
)

type localKey struct{}

// LocalTransactor serializes units of work in process. It pairs with the
// in-memory repositories; nested calls join the outer unit. There is no
// rollback.
type LocalTransactor struct {
	mu sync.Mutex
}

func (t *LocalTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(localKey{}) != nil {
		return fn(ctx)
	}
	t.mu.Lock()
	var hooks []func()
	err := fn(context.WithValue(ctx, localKey{}, &hooks))
	t.mu.Unlock()
	if err != nil {
		return err
	}
	for _, h := range hooks {
		h()
	}
	return nil
}

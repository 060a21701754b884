package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"farmlokal-api/internal/repository"
)

var errStoreDown = errors.New("connection refused")

// flakyStore wraps a Store, failing the named operations and counting every call.
type flakyStore struct {
	repository.Store

	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
}

func newFlakyStore(inner repository.Store, failing ...string) *flakyStore {
	f := &flakyStore{Store: inner, fail: map[string]bool{}, calls: map[string]int{}}
	for _, op := range failing {
		f.fail[op] = true
	}
	return f
}

// downStore fails every operation.
func downStore() *flakyStore {
	return newFlakyStore(repository.NewMemoryStore(), "setnx", "incr", "expire", "get", "set", "del", "ping")
}

func (f *flakyStore) record(op, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.fail[op] {
		return &repository.UnavailableError{Op: op, Key: key, Err: errStoreDown}
	}
	return nil
}

func (f *flakyStore) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *flakyStore) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *flakyStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := f.record("setnx", key); err != nil {
		return false, err
	}
	return f.Store.SetNX(ctx, key, value, ttl)
}

func (f *flakyStore) Incr(ctx context.Context, key string) (int64, error) {
	if err := f.record("incr", key); err != nil {
		return 0, err
	}
	return f.Store.Incr(ctx, key)
}

func (f *flakyStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := f.record("expire", key); err != nil {
		return err
	}
	return f.Store.Expire(ctx, key, ttl)
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := f.record("get", key); err != nil {
		return nil, false, err
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.record("set", key); err != nil {
		return err
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func (f *flakyStore) Del(ctx context.Context, key string) error {
	if err := f.record("del", key); err != nil {
		return err
	}
	return f.Store.Del(ctx, key)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if err := f.record("ping", ""); err != nil {
		return err
	}
	return f.Store.Ping(ctx)
}

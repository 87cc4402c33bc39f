package cache_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"bob-contactsync/internal/store"
)

var errKVDown = errors.New("kv unavailable")

// fakeKV 仅用于单元测试（内存 KV，可注入故障）
type fakeKV struct {
	mu       sync.Mutex
	data     map[string]string
	failGet  bool
	failSet  bool
	setCalls int
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return "", errKVDown
	}
	v, ok := f.data[key]
	if !ok {
		return "", store.ErrMiss
	}
	return v, nil
}

func (f *fakeKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.failSet {
		return errKVDown
	}
	f.data[key] = value
	return nil
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

package kvstore

import (
	"context"
	"time"

	"github.com/armorylog/armorylog/internal/metrics"
)

// instrumentedBackend records the outcome and latency of every operation.
type instrumentedBackend struct {
	Backend
	metrics metrics.Manager
}

func instrument(b Backend, m metrics.Manager) Backend {
	return &instrumentedBackend{Backend: b, metrics: m}
}

func (i *instrumentedBackend) observe(op string, start time.Time, success bool) {
	i.metrics.RecordStorageOperation(i.Backend.Kind()+"_"+op, success, time.Since(start))
}

func (i *instrumentedBackend) GetItem(ctx context.Context, key string) (string, bool) {
	start := time.Now()
	v, ok := i.Backend.GetItem(ctx, key)
	// A miss is not a failure; GetItem cannot tell the two apart.
	i.observe("get", start, true)
	return v, ok
}

func (i *instrumentedBackend) SetItem(ctx context.Context, key, value string) error {
	start := time.Now()
	err := i.Backend.SetItem(ctx, key, value)
	i.observe("set", start, err == nil)
	return err
}

func (i *instrumentedBackend) RemoveItem(ctx context.Context, key string) error {
	start := time.Now()
	err := i.Backend.RemoveItem(ctx, key)
	i.observe("remove", start, err == nil)
	return err
}

func (i *instrumentedBackend) Clear(ctx context.Context) error {
	start := time.Now()
	err := i.Backend.Clear(ctx)
	i.observe("clear", start, err == nil)
	return err
}

func (i *instrumentedBackend) GetAllKeys(ctx context.Context) []string {
	start := time.Now()
	keys := i.Backend.GetAllKeys(ctx)
	i.observe("keys", start, true)
	return keys
}

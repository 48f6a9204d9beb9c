package pool

import (
	"context"
	"encoding/json"
)

// BackendFunc is an in-process backend.
type BackendFunc func(ctx context.Context, tool string, args map[string]interface{}) (json.RawMessage, error)

// LocalDialer hands out channels that call fn directly.
type LocalDialer struct {
	Fn BackendFunc
}

func (d LocalDialer) Dial(_ context.Context) (Channel, error) {
	return localChannel{fn: d.Fn}, nil
}

type localChannel struct {
	fn BackendFunc
}

func (c localChannel) Call(ctx context.Context, tool string, args map[string]interface{}) (json.RawMessage, error) {
	return c.fn(ctx, tool, args)
}

func (c localChannel) Close() error { return nil }

package handler_test

import (
	"context"
	"encoding/json"
)

type dispatchCall struct {
	command string
	args    json.RawMessage
}

type mockDispatcher struct {
	dispatchFn func(ctx context.Context, command string, args json.RawMessage) (any, error)
	calls      []dispatchCall
}

func (m *mockDispatcher) Dispatch(ctx context.Context, command string, args json.RawMessage) (any, error) {
	m.calls = append(m.calls, dispatchCall{command: command, args: args})
	if m.dispatchFn != nil {
		return m.dispatchFn(ctx, command, args)
	}
	return map[string]any{}, nil
}

func (m *mockDispatcher) last() dispatchCall {
	if len(m.calls) == 0 {
		return dispatchCall{}
	}
	return m.calls[len(m.calls)-1]
}

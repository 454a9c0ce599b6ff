package plugin_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/botswarm/internal/plugin"
	"github.com/cory-johannsen/botswarm/internal/protocol"
	"github.com/cory-johannsen/botswarm/internal/protocol/v117"
	"github.com/cory-johannsen/botswarm/internal/protocol/versions"
	"github.com/cory-johannsen/botswarm/internal/session"
)

func noop(context.Context, session.Bot, protocol.Operation) error { return nil }

func TestHost_RegistersHandlersInOrder(t *testing.T) {
	h := plugin.NewHost(protocol.NewRegistry(), zaptest.NewLogger(t))
	var order []string
	mk := func(tag string) session.Handler {
		return func(context.Context, session.Bot, protocol.Operation) error {
			order = append(order, tag)
			return nil
		}
	}
	require.NoError(t, h.Load(
		plugin.Func{PluginName: "a", Fn: func(r plugin.Registrar) error {
			return r.RegisterOperationHandler(protocol.KindChatMessage, mk("a"))
		}},
		plugin.Func{PluginName: "b", Fn: func(r plugin.Registrar) error {
			return r.RegisterOperationHandler(protocol.KindChatMessage, mk("b"))
		}},
	))

	hs := h.Handlers()[protocol.KindChatMessage]
	require.Len(t, hs, 2)
	for _, fn := range hs {
		require.NoError(t, fn(context.Background(), nil, protocol.ChatMessage{}))
	}
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, []string{"a", "b"}, h.Loaded())
}

func TestHost_HandlersReturnsCopy(t *testing.T) {
	h := plugin.NewHost(protocol.NewRegistry(), zaptest.NewLogger(t))
	require.NoError(t, h.RegisterOperationHandler(protocol.KindKeepAlive, noop))
	hs := h.Handlers()
	hs[protocol.KindKeepAlive] = nil
	assert.Len(t, h.Handlers()[protocol.KindKeepAlive], 1)
}

func TestHost_RejectsNilHandler(t *testing.T) {
	h := plugin.NewHost(protocol.NewRegistry(), zaptest.NewLogger(t))
	assert.Error(t, h.RegisterOperationHandler(protocol.KindChat, nil))
}

func TestHost_RegisterCodec(t *testing.T) {
	reg := protocol.NewRegistry()
	h := plugin.NewHost(reg, zaptest.NewLogger(t))
	require.NoError(t, h.Load(plugin.Func{PluginName: "v117", Fn: func(r plugin.Registrar) error {
		return r.RegisterCodec(v117.Version, v117.NewCodec, "latest")
	}}))

	v, _, err := reg.Resolve("latest")
	require.NoError(t, err)
	assert.Equal(t, v117.Version, v)
}

func TestHost_DuplicateCodecFails(t *testing.T) {
	h := plugin.NewHost(versions.New(), zaptest.NewLogger(t))
	err := h.Load(plugin.Func{PluginName: "dup", Fn: func(r plugin.Registrar) error {
		return r.RegisterCodec(v117.Version, v117.NewCodec)
	}})
	assert.ErrorContains(t, err, "plugin dup")
	assert.Empty(t, h.Loaded())
}

func TestHost_DuplicatePluginName(t *testing.T) {
	h := plugin.NewHost(protocol.NewRegistry(), zaptest.NewLogger(t))
	p := plugin.Func{PluginName: "same", Fn: func(plugin.Registrar) error { return nil }}
	require.NoError(t, h.Load(p))
	assert.ErrorContains(t, h.Load(p), "already loaded")
}

func TestHost_StopsAtFirstFailure(t *testing.T) {
	h := plugin.NewHost(protocol.NewRegistry(), zaptest.NewLogger(t))
	boom := errors.New("boom")
	called := false
	err := h.Load(
		plugin.Func{PluginName: "bad", Fn: func(plugin.Registrar) error { return boom }},
		plugin.Func{PluginName: "never", Fn: func(plugin.Registrar) error { called = true; return nil }},
	)
	require.ErrorIs(t, err, boom)
	assert.False(t, called)
}

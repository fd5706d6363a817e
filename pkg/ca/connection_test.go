// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ca

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type testEnv struct {
	lib *fakeLibrary
	svc *ContextService
	reg *Registry
}

func newTestEnv() *testEnv {
	lib := newFakeLibrary()
	return &testEnv{lib: lib, svc: NewContextService(lib), reg: NewRegistry()}
}

func (e *testEnv) connect(t *testing.T, parent any, opts ...Option) *Connection {
	t.Helper()
	c := NewConnection(e.svc, parent, append([]Option{WithRegistry(e.reg)}, opts...)...)
	t.Cleanup(c.Close)
	require.Equal(t, ResultSuccess, c.EstablishContext(nil, nil))
	require.Equal(t, ResultSuccess, c.EstablishChannel(nil, "TEST:PV", 0))
	c.SetChannelElementCount()
	return c
}

// ============================================================
// Context lifecycle
// ============================================================

func TestContext_SingleSharedContext(t *testing.T) {
	env := newTestEnv()

	conns := make([]*Connection, 5)
	for i := range conns {
		conns[i] = NewConnection(env.svc, i, WithRegistry(env.reg))
		require.Equal(t, ResultSuccess, conns[i].EstablishContext(nil, nil))
	}

	assert.Equal(t, 1, env.lib.contextsCreated)
	assert.Equal(t, 5, env.svc.Count())
	assert.True(t, env.svc.Active())

	conns[0].Close()
	assert.True(t, env.svc.Active(), "context must survive while connections remain")
	assert.Equal(t, 0, env.lib.contextsDestroyed)

	for _, c := range conns[1:] {
		c.Close()
	}
	assert.False(t, env.svc.Active())
	assert.Equal(t, 1, env.lib.contextsDestroyed)
	assert.Equal(t, 0, env.svc.Count())
	assert.Equal(t, 0, env.reg.Len())
}

func TestContext_RecreatedAfterLastRelease(t *testing.T) {
	env := newTestEnv()

	c1 := NewConnection(env.svc, nil, WithRegistry(env.reg))
	require.Equal(t, ResultSuccess, c1.EstablishContext(nil, nil))
	c1.Close()

	c2 := NewConnection(env.svc, nil, WithRegistry(env.reg))
	defer c2.Close()
	require.Equal(t, ResultSuccess, c2.EstablishContext(nil, nil))

	assert.Equal(t, 2, env.lib.contextsCreated)
	assert.Equal(t, 1, env.lib.contextsDestroyed)
}

func TestContext_ExceptionHandlerRegisteredOnce(t *testing.T) {
	env := newTestEnv()
	handler := func(ExceptionArgs) {}

	for i := 0; i < 3; i++ {
		c := NewConnection(env.svc, nil, WithRegistry(env.reg))
		defer c.Close()
		require.Equal(t, ResultSuccess, c.EstablishContext(handler, nil))
	}
	assert.Equal(t, 1, env.lib.countCalls("AddExceptionEvent"))
}

func TestContext_EstablishTwiceFails(t *testing.T) {
	env := newTestEnv()
	c := NewConnection(env.svc, nil, WithRegistry(env.reg))
	defer c.Close()

	assert.Equal(t, ResultSuccess, c.EstablishContext(nil, nil))
	assert.Equal(t, ResultFailed, c.EstablishContext(nil, nil))
}

// ============================================================
// Channel establishment
// ============================================================

func TestEstablishChannel_RequiresContext(t *testing.T) {
	env := newTestEnv()
	c := NewConnection(env.svc, nil, WithRegistry(env.reg))
	defer c.Close()

	assert.Equal(t, ResultFailed, c.EstablishChannel(nil, "TEST:PV", 0))
	assert.Equal(t, 0, env.lib.countCalls("CreateChannel"))
}

func TestEstablishChannel_WaitsForSearchTimeout(t *testing.T) {
	env := newTestEnv()
	c := env.connect(t, nil)

	search, _, _ := c.Timeouts()
	assert.Equal(t, DefaultSearchTimeout, search)
	assert.Contains(t, env.lib.Calls(), fmt.Sprintf("PendIO %s", DefaultSearchTimeout))
	assert.Equal(t, "TEST:PV", c.Name())
	assert.NotZero(t, c.ChannelID())
}

func TestEstablishChannel_NullHandleFails(t *testing.T) {
	env := newTestEnv()
	env.lib.nullHandle = true
	core, logs := observer.New(zapcore.DebugLevel)

	c := NewConnection(env.svc, nil, WithRegistry(env.reg), WithLogger(zap.New(core)))
	defer c.Close()
	require.Equal(t, ResultSuccess, c.EstablishContext(nil, nil))

	assert.Equal(t, ResultFailed, c.EstablishChannel(nil, "TEST:PV", 0))
	assert.Equal(t, 1, logs.FilterMessage("client library returned a null channel handle").Len())
	assert.Equal(t, ChannelUnknown, c.ChannelState())
}

func TestEstablishChannel_CreationStatusFails(t *testing.T) {
	env := newTestEnv()
	env.lib.createStatus = StatusBadType
	c := NewConnection(env.svc, nil, WithRegistry(env.reg))
	defer c.Close()
	require.Equal(t, ResultSuccess, c.EstablishContext(nil, nil))

	assert.Equal(t, ResultFailed, c.EstablishChannel(nil, "TEST:PV", 0))
}

func TestEstablishChannel_ConnectionHandlerGetsParent(t *testing.T) {
	env := newTestEnv()
	env.lib.syncConnect = true

	var mu sync.Mutex
	var parents []any
	handler := func(parent any, ev ConnectionArgs) {
		mu.Lock()
		defer mu.Unlock()
		parents = append(parents, parent)
	}

	c := NewConnection(env.svc, "widget", WithRegistry(env.reg))
	defer c.Close()
	require.Equal(t, ResultSuccess, c.EstablishContext(nil, nil))
	require.Equal(t, ResultSuccess, c.EstablishChannel(handler, "TEST:PV", 10))

	env.lib.fireConnection(c.ChannelID(), false, c.token)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"widget", "widget"}, parents)
}

// ============================================================
// Element counts
// ============================================================

func TestSubscribeElementCount(t *testing.T) {
	tests := []struct {
		name      string
		actual    uint32
		requested *uint32
		expected  uint32
	}{
		{name: "no request", actual: 10, expected: 10},
		{name: "request below actual", actual: 10, requested: ptr(uint32(4)), expected: 4},
		{name: "request above actual", actual: 10, requested: ptr(uint32(40)), expected: 10},
		{name: "request equal actual", actual: 10, requested: ptr(uint32(10)), expected: 10},
		{name: "zero request", actual: 10, requested: ptr(uint32(0)), expected: 10},
		{name: "malformed actual clamps to one", actual: 0, expected: 1},
		{name: "malformed actual with request", actual: 0, requested: ptr(uint32(5)), expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.lib.elementCount = tt.actual
			c := env.connect(t, nil)
			if tt.requested != nil {
				c.SetChannelRequestedElementCount(*tt.requested)
			}
			c.SetChannelElementCount()
			assert.Equal(t, tt.expected, c.SubscribeElementCount())
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}

// ============================================================
// Subscriptions
// ============================================================

func TestEstablishSubscription_InitialReadBeforeSubscription(t *testing.T) {
	env := newTestEnv()
	env.lib.elementCount = 4
	c := env.connect(t, "widget")

	var mu sync.Mutex
	var seen []string
	subscriptionsAtFirstDelivery := -1
	handler := func(parent any, ev EventArgs) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 {
			subscriptionsAtFirstDelivery = env.lib.countCalls("CreateSubscription")
		}
		assert.Equal(t, "widget", parent)
		assert.Equal(t, "args", ev.Arg)
		seen = append(seen, fmt.Sprintf("%s:%v", ev.Type, ev.Value.Data))
	}

	require.Equal(t, ResultSuccess, c.EstablishSubscription(handler, "args", RequestCtrlDouble, RequestTimeDouble))
	assert.Equal(t, 0, env.lib.countCalls("CreateSubscription"), "subscription must wait for the initial read")

	env.lib.fireGet(0, &Value{Data: []float64{1, 2, 3, 4}, Meta: &Metadata{Units: "mm", Precision: 3}})
	require.Equal(t, 1, env.lib.countCalls("CreateSubscription"))

	env.lib.fireSubscriptions(&Value{Data: []float64{5, 6, 7, 8}})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, subscriptionsAtFirstDelivery)
	assert.Equal(t, []string{"DBR_CTRL_DOUBLE:[1 2 3 4]", "DBR_TIME_DOUBLE:[5 6 7 8]"}, seen)

	calls := env.lib.Calls()
	assert.Contains(t, calls, "ArrayGetCallback DBR_CTRL_DOUBLE 4")
	assert.Contains(t, calls, fmt.Sprintf("CreateSubscription DBR_TIME_DOUBLE 4 mask=%d", MaskValue|MaskAlarm))
}

func TestEstablishSubscription_RequiresChannel(t *testing.T) {
	env := newTestEnv()
	c := NewConnection(env.svc, nil, WithRegistry(env.reg))
	defer c.Close()
	require.Equal(t, ResultSuccess, c.EstablishContext(nil, nil))

	assert.Equal(t, ResultFailed, c.EstablishSubscription(nil, nil, RequestCtrlDouble, RequestTimeDouble))
}

func TestEstablishSubscription_OnlyOnce(t *testing.T) {
	env := newTestEnv()
	c := env.connect(t, nil)

	assert.Equal(t, ResultSuccess, c.EstablishSubscription(nil, nil, RequestCtrlDouble, RequestTimeDouble))
	assert.Equal(t, ResultFailed, c.EstablishSubscription(nil, nil, RequestCtrlDouble, RequestTimeDouble))
}

func TestEstablishSubscription_InitialReadFails(t *testing.T) {
	env := newTestEnv()
	env.lib.getStatus = StatusDisconnected
	c := env.connect(t, nil)

	assert.Equal(t, ResultFailed, c.EstablishSubscription(nil, nil, RequestCtrlDouble, RequestTimeDouble))
}

func TestRemoveChannel_BeforeInitialReadCompletes(t *testing.T) {
	env := newTestEnv()
	c := env.connect(t, nil)

	called := false
	handler := func(any, EventArgs) { called = true }
	require.Equal(t, ResultSuccess, c.EstablishSubscription(handler, nil, RequestCtrlDouble, RequestTimeDouble))

	c.RemoveChannel()
	env.lib.fireGet(0, &Value{Data: []float64{1}})

	assert.False(t, called)
	assert.Equal(t, 0, env.lib.countCalls("CreateSubscription"))
}

func TestRemoveChannel_ClearsSubscriptionOnce(t *testing.T) {
	env := newTestEnv()
	c := env.connect(t, nil)

	require.Equal(t, ResultSuccess, c.EstablishSubscription(nil, nil, RequestCtrlDouble, RequestTimeDouble))
	env.lib.fireGet(0, &Value{Data: []float64{1}})
	require.Equal(t, 1, env.lib.subscriptionCount())

	c.RemoveChannel()
	c.RemoveChannel()

	assert.Equal(t, 1, env.lib.countCalls("ClearSubscription"))
	assert.Equal(t, 1, env.lib.countCalls("ClearChannel"))
	assert.Equal(t, 0, env.lib.subscriptionCount())
	assert.Equal(t, ChannelUnknown, c.ChannelState())
	assert.Equal(t, "", c.HostName())
}

func TestRemoveChannel_WithoutSubscription(t *testing.T) {
	env := newTestEnv()
	c := env.connect(t, nil)

	c.RemoveChannel()
	assert.Equal(t, 0, env.lib.countCalls("ClearSubscription"))
	assert.Equal(t, 1, env.lib.countCalls("ClearChannel"))
}

func TestRemoveSubscription_KeepsSubscription(t *testing.T) {
	env := newTestEnv()
	c := env.connect(t, nil)

	require.Equal(t, ResultSuccess, c.EstablishSubscription(nil, nil, RequestCtrlDouble, RequestTimeDouble))
	env.lib.fireGet(0, &Value{Data: []float64{1}})

	c.RemoveSubscription()
	assert.Equal(t, 0, env.lib.countCalls("ClearSubscription"))
	assert.Equal(t, 1, env.lib.subscriptionCount())
}

// ============================================================
// Reads and writes
// ============================================================

func TestReadChannel_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		expected Result
	}{
		{name: "normal", status: StatusNormal, expected: ResultSuccess},
		{name: "disconnected", status: StatusDisconnected, expected: ResultDisconnected},
		{name: "bad type", status: StatusBadType, expected: ResultFailed},
		{name: "timeout", status: StatusTimeout, expected: ResultFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			c := env.connect(t, nil)
			env.lib.getStatus = tt.status

			assert.Equal(t, tt.expected, c.ReadChannel(nil, nil, RequestCtrlDouble))
			assert.Equal(t, tt.status, c.ReadResult())
			assert.Contains(t, env.lib.Calls(), fmt.Sprintf("PendIO %s", DefaultReadTimeout))
		})
	}
}

func TestReadChannel_Inactive(t *testing.T) {
	env := newTestEnv()
	c := NewConnection(env.svc, nil, WithRegistry(env.reg))
	defer c.Close()

	assert.Equal(t, ResultFailed, c.ReadChannel(nil, nil, RequestDouble))
	assert.Equal(t, 0, env.lib.countCalls("ArrayGetCallback"))
}

func TestReadChannel_DeliversValue(t *testing.T) {
	env := newTestEnv()
	c := env.connect(t, "widget")

	var got *Value
	handler := func(parent any, ev EventArgs) {
		assert.Equal(t, "widget", parent)
		assert.Equal(t, 7, ev.Arg)
		got = ev.Value
	}
	require.Equal(t, ResultSuccess, c.ReadChannel(handler, 7, RequestTimeDouble))
	env.lib.fireGet(0, &Value{Data: []float64{12.5}})

	require.NotNil(t, got)
	assert.Equal(t, []float64{12.5}, got.Float64s())
}

func TestWriteChannel_Dispatch(t *testing.T) {
	primitives := []string{"Put", "PutCallback", "ArrayPut", "ArrayPutCallback"}

	tests := []struct {
		name     string
		count    uint32
		callback bool
		expected string
	}{
		{name: "scalar without callback", count: 0, callback: false, expected: "Put"},
		{name: "scalar with callback", count: 0, callback: true, expected: "PutCallback"},
		{name: "array without callback", count: 3, callback: false, expected: "ArrayPut"},
		{name: "array with callback", count: 3, callback: true, expected: "ArrayPutCallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			c := env.connect(t, nil)
			c.SetWriteWithCallback(tt.callback)
			assert.Equal(t, tt.callback, c.WriteWithCallback())

			assert.Equal(t, ResultSuccess, c.WriteChannel(nil, nil, RequestDouble, tt.count, []float64{1, 2, 3}))

			for _, p := range primitives {
				want := 0
				if p == tt.expected {
					want = 1
				}
				assert.Equal(t, want, env.lib.countCalls(p), p)
			}
		})
	}
}

func TestWriteChannel_CompletionHandler(t *testing.T) {
	env := newTestEnv()
	c := env.connect(t, "widget")
	c.SetWriteWithCallback(true)

	done := 0
	handler := func(parent any, ev EventArgs) {
		assert.Equal(t, "widget", parent)
		assert.Equal(t, "stop", ev.Arg)
		done++
	}
	require.Equal(t, ResultSuccess, c.WriteChannel(handler, "stop", RequestDouble, 0, 1.0))
	assert.Contains(t, env.lib.Calls(), fmt.Sprintf("PendIO %s", DefaultWriteTimeout))

	env.lib.firePuts()
	assert.Equal(t, 1, done)
}

func TestWriteChannel_Outcomes(t *testing.T) {
	env := newTestEnv()
	c := env.connect(t, nil)

	env.lib.putStatus = StatusDisconnected
	assert.Equal(t, ResultDisconnected, c.WriteChannel(nil, nil, RequestDouble, 0, 1.0))
	assert.Equal(t, StatusDisconnected, c.WriteResult())

	env.lib.putStatus = StatusNoWriteAccess
	assert.Equal(t, ResultFailed, c.WriteChannel(nil, nil, RequestDouble, 0, 1.0))
}

// ============================================================
// Queries
// ============================================================

func TestQueries_InactiveChannelDefaults(t *testing.T) {
	env := newTestEnv()
	core, logs := observer.New(zapcore.WarnLevel)
	c := NewConnection(env.svc, nil, WithRegistry(env.reg), WithLogger(zap.New(core)))
	defer c.Close()

	assert.Equal(t, 0, c.ChannelType())
	assert.Equal(t, 1, logs.FilterMessage("channel type requested on an inactive channel").Len())
	assert.Equal(t, ChanID(0), c.ChannelID())
	assert.Equal(t, "", c.HostName())
	assert.False(t, c.ReadAccess())
	assert.False(t, c.WriteAccess())
	assert.Equal(t, FieldNoAccess, c.FieldType())
	assert.Equal(t, uint32(0), c.ElementCount())
	assert.Equal(t, ChannelUnknown, c.ChannelState())
	assert.Equal(t, 0, env.lib.countCalls("FieldType"))
}

func TestQueries_ActiveChannel(t *testing.T) {
	env := newTestEnv()
	env.lib.elementCount = 16
	c := env.connect(t, nil)

	assert.Equal(t, int(FieldDouble), c.ChannelType())
	assert.Equal(t, FieldDouble, c.FieldType())
	assert.Equal(t, "ioc.example:5064", c.HostName())
	assert.True(t, c.ReadAccess())
	assert.True(t, c.WriteAccess())
	assert.Equal(t, uint32(16), c.ElementCount())
}

func TestChannelState_QueriedLive(t *testing.T) {
	env := newTestEnv()
	c := env.connect(t, nil)

	states := map[NativeState]ChannelState{
		NativeNeverConnected:      ChannelNeverConnected,
		NativePreviouslyConnected: ChannelPreviouslyConnected,
		NativeConnected:           ChannelConnected,
		NativeClosed:              ChannelClosed,
		NativeState(42):           ChannelUnknown,
	}
	for native, expected := range states {
		env.lib.mu.Lock()
		env.lib.state = native
		env.lib.mu.Unlock()
		assert.Equal(t, expected, c.ChannelState())
	}
}

func TestLinkStateAndTimeouts(t *testing.T) {
	env := newTestEnv()
	c := NewConnection(env.svc, nil, WithRegistry(env.reg))
	defer c.Close()

	assert.Equal(t, LinkDown, c.LinkState())
	c.SetLinkState(LinkUp)
	assert.Equal(t, LinkUp, c.LinkState())

	c.SetTimeouts(5*time.Second, 0, 250*time.Millisecond)
	search, read, write := c.Timeouts()
	assert.Equal(t, 5*time.Second, search)
	assert.Equal(t, DefaultReadTimeout, read)
	assert.Equal(t, 250*time.Millisecond, write)
}

// ============================================================
// Teardown
// ============================================================

func TestClose_DropsLateCallbacks(t *testing.T) {
	env := newTestEnv()
	metrics := NewMetrics(prometheus.NewRegistry())

	called := 0
	c := NewConnection(env.svc, "widget", WithRegistry(env.reg), WithMetrics(metrics))
	require.Equal(t, ResultSuccess, c.EstablishContext(nil, nil))
	require.Equal(t, ResultSuccess, c.EstablishChannel(func(any, ConnectionArgs) { called++ }, "TEST:PV", 0))

	id := c.ChannelID()
	env.lib.mu.Lock()
	cb := env.lib.connCallbacks[id]
	env.lib.mu.Unlock()

	c.Close()
	cb(ConnectionArgs{Channel: id, Up: false})

	assert.Equal(t, 0, called)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.CallbacksDropped.WithLabelValues("connection")))
	assert.Nil(t, c.Parent())
	assert.Equal(t, 1, env.lib.countCalls("ClearChannel"))
}

func TestClose_Idempotent(t *testing.T) {
	env := newTestEnv()
	c := env.connect(t, nil)

	c.Close()
	c.Close()

	assert.Equal(t, 0, env.svc.Count())
	assert.Equal(t, 1, env.lib.contextsDestroyed)
}

func TestMetrics_RecordsOutcomes(t *testing.T) {
	env := newTestEnv()
	metrics := NewMetrics(prometheus.NewRegistry())
	env.svc = NewContextService(env.lib, WithMetrics(metrics))

	c := env.connect(t, nil, WithMetrics(metrics))
	env.lib.getStatus = StatusDisconnected
	c.ReadChannel(nil, nil, RequestDouble)

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Requests.WithLabelValues("establish_channel", "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Requests.WithLabelValues("read", "disconnected")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Connections))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Contexts))
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package casim

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/calink/pkg/ca"
)

// eventLog collects events delivered on the library goroutine
type eventLog struct {
	mu     sync.Mutex
	events []ca.EventArgs
	conns  []bool
}

func (e *eventLog) onEvent(ev ca.EventArgs) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) onConnection(ev ca.ConnectionArgs) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns = append(e.conns, ev.Up)
}

func (e *eventLog) snapshot() ([]ca.EventArgs, []bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ca.EventArgs(nil), e.events...), append([]bool(nil), e.conns...)
}

func newTestLibrary(t *testing.T) *Library {
	t.Helper()
	lib := NewLibrary(loadTestDatabase(t))
	require.Equal(t, ca.StatusNormal, lib.CreateContext(true))
	t.Cleanup(lib.DestroyContext)
	return lib
}

func TestLibrary_ContextLifecycle(t *testing.T) {
	lib := NewLibrary(NewDatabase())

	_, st := lib.CreateChannel("A", nil, nil, 0)
	assert.Equal(t, ca.StatusBadContext, st)
	assert.Equal(t, ca.StatusBadContext, lib.PendIO(time.Millisecond))

	assert.Equal(t, ca.StatusNormal, lib.CreateContext(true))
	assert.Equal(t, ca.StatusNormal, lib.CreateContext(true))
	lib.DestroyContext()
	lib.DestroyContext()

	stats := lib.Stats()
	assert.Equal(t, 1, stats.ContextsCreated)
	assert.Equal(t, 1, stats.ContextsDestroyed)
}

func TestLibrary_ChannelConnects(t *testing.T) {
	lib := newTestLibrary(t)
	var log eventLog

	id, st := lib.CreateChannel("TEST:PV", log.onConnection, nil, 0)
	require.Equal(t, ca.StatusNormal, st)

	require.Equal(t, ca.StatusNormal, lib.PendIO(time.Second))
	assert.Equal(t, ca.NativeConnected, lib.State(id))
	assert.Equal(t, ca.FieldDouble, lib.FieldType(id))
	assert.Equal(t, uint32(1), lib.ElementCount(id))
	assert.Equal(t, "localhost:5064", lib.HostName(id))
	assert.True(t, lib.ReadAccess(id))
	assert.True(t, lib.WriteAccess(id))

	require.NoError(t, lib.Database().SetConnected("TEST:PV", false))
	lib.PendIO(time.Second)
	assert.Equal(t, ca.NativePreviouslyConnected, lib.State(id))
	assert.Equal(t, ca.FieldNoAccess, lib.FieldType(id))
	assert.Equal(t, uint32(0), lib.ElementCount(id))

	_, conns := log.snapshot()
	assert.Equal(t, []bool{true, false}, conns)

	assert.Equal(t, ca.StatusNormal, lib.ClearChannel(id))
	assert.Equal(t, ca.NativeClosed, lib.State(id))
	assert.Equal(t, ca.StatusBadChannel, lib.ClearChannel(id))
}

func TestLibrary_UnknownChannelNeverConnects(t *testing.T) {
	lib := newTestLibrary(t)

	id, st := lib.CreateChannel("NO:SUCH:PV", nil, nil, 0)
	require.Equal(t, ca.StatusNormal, st)
	lib.PendIO(time.Second)

	assert.Equal(t, ca.NativeNeverConnected, lib.State(id))
	assert.Equal(t, ca.StatusDisconnected, lib.ArrayGetCallback(ca.RequestDouble, 1, id, func(ca.EventArgs) {}, nil))
}

func TestLibrary_GetAndSubscribe(t *testing.T) {
	lib := newTestLibrary(t)
	var log eventLog

	id, _ := lib.CreateChannel("TEST:PV", nil, nil, 0)
	lib.PendIO(time.Second)

	require.Equal(t, ca.StatusNormal, lib.ArrayGetCallback(ca.RequestCtrlDouble, 1, id, log.onEvent, "get"))
	evid, st := lib.CreateSubscription(ca.RequestTimeDouble, 1, id, ca.MaskValue|ca.MaskAlarm, log.onEvent, "sub")
	require.Equal(t, ca.StatusNormal, st)
	lib.PendIO(time.Second)

	require.Equal(t, ca.StatusNormal, lib.Put(ca.RequestDouble, id, 42.0))
	lib.PendIO(time.Second)

	require.Equal(t, ca.StatusNormal, lib.ClearSubscription(evid))
	require.Equal(t, ca.StatusNormal, lib.Put(ca.RequestDouble, id, 43.0))
	lib.PendIO(time.Second)

	events, _ := log.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "get", events[0].Arg)
	assert.Equal(t, []float64{12.5}, events[0].Value.Data)
	assert.NotNil(t, events[0].Value.Meta)
	assert.Equal(t, "sub", events[1].Arg)
	assert.Equal(t, []float64{12.5}, events[1].Value.Data, "a new subscription sends the current value")
	assert.Equal(t, []float64{42}, events[2].Value.Data)
	assert.Equal(t, uint32(1), events[2].Count)
}

func TestLibrary_WriteOutcomes(t *testing.T) {
	lib := newTestLibrary(t)
	var log eventLog

	pv, _ := lib.CreateChannel("TEST:PV", nil, nil, 0)
	msg, _ := lib.CreateChannel("TEST:MSG", nil, nil, 0)
	wf, _ := lib.CreateChannel("TEST:WF", nil, nil, 0)
	lib.PendIO(time.Second)

	assert.Equal(t, ca.StatusNoWriteAccess, lib.Put(ca.RequestString, msg, "x"))
	assert.False(t, lib.WriteAccess(msg))
	assert.Equal(t, ca.StatusBadType, lib.Put(ca.RequestString, pv, "not a number"))
	assert.Equal(t, ca.StatusBadChannel, lib.Put(ca.RequestDouble, 999, 1.0))

	require.Equal(t, ca.StatusNormal, lib.ArrayPutCallback(ca.RequestLong, 4, wf, []int32{4, 3, 2, 1}, log.onEvent, "done"))
	lib.PendIO(time.Second)

	events, _ := log.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "done", events[0].Arg)
	assert.Equal(t, ca.StatusNormal, events[0].Status)
	assert.Nil(t, events[0].Value)

	v, _ := lib.Database().Get("TEST:WF", ca.RequestLong, 0)
	assert.Equal(t, []int32{4, 3, 2, 1}, v.Data)
	assert.Equal(t, 2, lib.Stats().Puts)
}

func TestLibrary_ExceptionOnFailedUpdate(t *testing.T) {
	lib := newTestLibrary(t)
	var mu sync.Mutex
	var exceptions []ca.ExceptionArgs
	require.Equal(t, ca.StatusNormal, lib.AddExceptionEvent(func(ex ca.ExceptionArgs) {
		mu.Lock()
		defer mu.Unlock()
		exceptions = append(exceptions, ex)
	}, "ctx"))

	id, _ := lib.CreateChannel("TEST:MSG", nil, nil, 0)
	lib.PendIO(time.Second)
	_, st := lib.CreateSubscription(ca.RequestDouble, 1, id, ca.MaskValue, func(ca.EventArgs) {}, nil)
	require.Equal(t, ca.StatusNormal, st)
	lib.PendIO(time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, exceptions, 1)
	assert.Equal(t, ca.StatusBadType, exceptions[0].Status)
	assert.Equal(t, "ctx", exceptions[0].Arg)
}

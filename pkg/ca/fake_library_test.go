// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ca

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// fakeLibrary records every call and holds callbacks until a test fires them
type fakeLibrary struct {
	mu sync.Mutex

	calls []string

	contextsCreated   int
	contextsDestroyed int
	contextLive       bool

	nextChan  ChanID
	nextEvent EventID

	createStatus  Status
	nullHandle    bool
	getStatus     Status
	putStatus     Status
	subStatus     Status
	elementCount  uint32
	state         NativeState
	fieldType     FieldType
	host          string
	connCallbacks map[ChanID]ConnectionCallback
	gets          []pendingEvent
	subs          map[EventID]pendingEvent
	puts          []pendingEvent
	syncConnect   bool
}

type pendingEvent struct {
	t   RequestType
	ch  ChanID
	cb  EventCallback
	arg any
}

func newFakeLibrary() *fakeLibrary {
	return &fakeLibrary{
		createStatus:  StatusNormal,
		getStatus:     StatusNormal,
		putStatus:     StatusNormal,
		subStatus:     StatusNormal,
		elementCount:  1,
		state:         NativeConnected,
		fieldType:     FieldDouble,
		host:          "ioc.example:5064",
		connCallbacks: make(map[ChanID]ConnectionCallback),
		subs:          make(map[EventID]pendingEvent),
	}
}

func (f *fakeLibrary) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// Calls returns a copy of the recorded call log
func (f *fakeLibrary) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// countCalls counts recorded calls to the named method
func (f *fakeLibrary) countCalls(name string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.Fields(c)[0] == name {
			n++
		}
	}
	return n
}

func (f *fakeLibrary) CreateContext(preemptive bool) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateContext")
	f.contextsCreated++
	f.contextLive = true
	return StatusNormal
}

func (f *fakeLibrary) DestroyContext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DestroyContext")
	f.contextsDestroyed++
	f.contextLive = false
}

func (f *fakeLibrary) AddExceptionEvent(cb ExceptionCallback, arg any) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AddExceptionEvent")
	return StatusNormal
}

func (f *fakeLibrary) CreateChannel(name string, cb ConnectionCallback, arg any, priority int) (ChanID, Status) {
	f.mu.Lock()
	f.record("CreateChannel %s", name)
	if f.createStatus != StatusNormal {
		f.mu.Unlock()
		return 0, f.createStatus
	}
	if f.nullHandle {
		f.mu.Unlock()
		return 0, StatusNormal
	}
	f.nextChan++
	id := f.nextChan
	f.connCallbacks[id] = cb
	direct := f.syncConnect
	f.mu.Unlock()

	if direct {
		cb(ConnectionArgs{Channel: id, Up: true, Arg: arg})
	}
	return id, StatusNormal
}

func (f *fakeLibrary) ClearChannel(ch ChanID) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ClearChannel")
	delete(f.connCallbacks, ch)
	for id, s := range f.subs {
		if s.ch == ch {
			delete(f.subs, id)
		}
	}
	return StatusNormal
}

func (f *fakeLibrary) PendIO(timeout time.Duration) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PendIO %s", timeout)
	return StatusNormal
}

func (f *fakeLibrary) Flush() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Flush")
	return StatusNormal
}

func (f *fakeLibrary) ArrayGetCallback(t RequestType, count uint32, ch ChanID, cb EventCallback, arg any) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ArrayGetCallback %s %d", t, count)
	if f.getStatus != StatusNormal {
		return f.getStatus
	}
	f.gets = append(f.gets, pendingEvent{t: t, ch: ch, cb: cb, arg: arg})
	return StatusNormal
}

func (f *fakeLibrary) CreateSubscription(t RequestType, count uint32, ch ChanID, mask EventMask, cb EventCallback, arg any) (EventID, Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateSubscription %s %d mask=%d", t, count, mask)
	if f.subStatus != StatusNormal {
		return 0, f.subStatus
	}
	f.nextEvent++
	f.subs[f.nextEvent] = pendingEvent{t: t, ch: ch, cb: cb, arg: arg}
	return f.nextEvent, StatusNormal
}

func (f *fakeLibrary) ClearSubscription(ev EventID) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ClearSubscription")
	delete(f.subs, ev)
	return StatusNormal
}

func (f *fakeLibrary) Put(t RequestType, ch ChanID, value any) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Put")
	return f.putStatus
}

func (f *fakeLibrary) PutCallback(t RequestType, ch ChanID, value any, cb EventCallback, arg any) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PutCallback")
	f.puts = append(f.puts, pendingEvent{t: t, ch: ch, cb: cb, arg: arg})
	return f.putStatus
}

func (f *fakeLibrary) ArrayPut(t RequestType, count uint32, ch ChanID, value any) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ArrayPut %d", count)
	return f.putStatus
}

func (f *fakeLibrary) ArrayPutCallback(t RequestType, count uint32, ch ChanID, value any, cb EventCallback, arg any) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ArrayPutCallback %d", count)
	f.puts = append(f.puts, pendingEvent{t: t, ch: ch, cb: cb, arg: arg})
	return f.putStatus
}

func (f *fakeLibrary) State(ch ChanID) NativeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeLibrary) FieldType(ch ChanID) FieldType {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("FieldType")
	return f.fieldType
}

func (f *fakeLibrary) ElementCount(ch ChanID) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.elementCount
}

func (f *fakeLibrary) HostName(ch ChanID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.host
}

func (f *fakeLibrary) ReadAccess(ch ChanID) bool  { return true }
func (f *fakeLibrary) WriteAccess(ch ChanID) bool { return true }

// fireConnection delivers a connect or disconnect event for ch
func (f *fakeLibrary) fireConnection(ch ChanID, up bool, arg any) {
	f.mu.Lock()
	cb := f.connCallbacks[ch]
	f.mu.Unlock()
	if cb != nil {
		cb(ConnectionArgs{Channel: ch, Up: up, Arg: arg})
	}
}

// fireGet completes the i-th outstanding get with value
func (f *fakeLibrary) fireGet(i int, value *Value) {
	f.mu.Lock()
	g := f.gets[i]
	f.mu.Unlock()
	g.cb(EventArgs{Channel: g.ch, Type: g.t, Count: uint32(value.Len()), Status: StatusNormal, Value: value, Arg: g.arg})
}

// fireSubscriptions delivers value to every live subscription
func (f *fakeLibrary) fireSubscriptions(value *Value) {
	f.mu.Lock()
	subs := make([]pendingEvent, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		s.cb(EventArgs{Channel: s.ch, Type: s.t, Count: uint32(value.Len()), Status: StatusNormal, Value: value, Arg: s.arg})
	}
}

// firePuts completes every outstanding put callback
func (f *fakeLibrary) firePuts() {
	f.mu.Lock()
	puts := f.puts
	f.puts = nil
	f.mu.Unlock()
	for _, p := range puts {
		p.cb(EventArgs{Channel: p.ch, Type: p.t, Status: StatusNormal, Arg: p.arg})
	}
}

func (f *fakeLibrary) subscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ca

import "time"

// ConnectionArgs is delivered when a channel connects or disconnects
type ConnectionArgs struct {
	Channel ChanID
	Up      bool
	Arg     any
}

// EventArgs is delivered for read completions, subscription updates and
// write completions. Value is nil for write completions and failed reads.
type EventArgs struct {
	Channel ChanID
	Type    RequestType
	Count   uint32
	Status  Status
	Value   *Value
	Arg     any
}

// ExceptionArgs is delivered to the context exception handler
type ExceptionArgs struct {
	Channel ChanID
	Status  Status
	Type    RequestType
	Count   uint32
	Context string
	Arg     any
}

// Library callbacks. They run on a library-owned goroutine.
type (
	ConnectionCallback func(ConnectionArgs)
	EventCallback      func(EventArgs)
	ExceptionCallback  func(ExceptionArgs)
)

// Library is the CA client library surface used by Connection.
//
// One Library instance represents one client context. Callbacks receive the
// arg supplied when they were registered; Connection always registers its
// registry Token there.
type Library interface {
	CreateContext(preemptive bool) Status
	DestroyContext()
	AddExceptionEvent(cb ExceptionCallback, arg any) Status

	// CreateChannel starts a search for name. The connection callback fires
	// once the server answers and on every later connect or disconnect.
	CreateChannel(name string, cb ConnectionCallback, arg any, priority int) (ChanID, Status)
	// ClearChannel releases the channel and every subscription on it
	ClearChannel(ch ChanID) Status

	// PendIO waits up to timeout for outstanding requests to complete
	PendIO(timeout time.Duration) Status
	// Flush sends queued requests without waiting
	Flush() Status

	ArrayGetCallback(t RequestType, count uint32, ch ChanID, cb EventCallback, arg any) Status
	CreateSubscription(t RequestType, count uint32, ch ChanID, mask EventMask, cb EventCallback, arg any) (EventID, Status)
	ClearSubscription(ev EventID) Status

	Put(t RequestType, ch ChanID, value any) Status
	PutCallback(t RequestType, ch ChanID, value any, cb EventCallback, arg any) Status
	ArrayPut(t RequestType, count uint32, ch ChanID, value any) Status
	ArrayPutCallback(t RequestType, count uint32, ch ChanID, value any, cb EventCallback, arg any) Status

	State(ch ChanID) NativeState
	FieldType(ch ChanID) FieldType
	ElementCount(ch ChanID) uint32
	HostName(ch ChanID) string
	ReadAccess(ch ChanID) bool
	WriteAccess(ch ChanID) bool
}

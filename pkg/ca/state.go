// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ca

// LinkState is the caller-maintained view of the link to the server
type LinkState int

// Link states
const (
	LinkDown LinkState = iota
	LinkUp
)

func (l LinkState) String() string {
	if l == LinkUp {
		return "up"
	}
	return "down"
}

// ChannelState is the channel connection state as seen by callers
type ChannelState int

// Channel states
const (
	ChannelNeverConnected ChannelState = iota
	ChannelPreviouslyConnected
	ChannelConnected
	ChannelClosed
	ChannelUnknown
)

func (s ChannelState) String() string {
	switch s {
	case ChannelNeverConnected:
		return "never connected"
	case ChannelPreviouslyConnected:
		return "previously connected"
	case ChannelConnected:
		return "connected"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// channelStateFromNative maps a library cs_* state onto ChannelState
func channelStateFromNative(n NativeState) ChannelState {
	switch n {
	case NativeNeverConnected:
		return ChannelNeverConnected
	case NativePreviouslyConnected:
		return ChannelPreviouslyConnected
	case NativeConnected:
		return ChannelConnected
	case NativeClosed:
		return ChannelClosed
	default:
		return ChannelUnknown
	}
}

// Result is the outcome of an establish, read or write request.
// ResultDisconnected is only ever returned by reads and writes.
type Result int

// Request outcomes
const (
	ResultSuccess Result = iota
	ResultFailed
	ResultDisconnected
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultDisconnected:
		return "disconnected"
	default:
		return "failed"
	}
}

// resultFromStatus classifies a read or write completion code
func resultFromStatus(s Status) Result {
	switch s {
	case StatusNormal:
		return ResultSuccess
	case StatusDisconnected:
		return ResultDisconnected
	default:
		return ResultFailed
	}
}

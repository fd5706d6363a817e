// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ca

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Default link timeouts
const (
	DefaultSearchTimeout = 3 * time.Second
	DefaultReadTimeout   = 2 * time.Second
	DefaultWriteTimeout  = 2 * time.Second
)

// ConnectionHandler receives channel connect and disconnect events.
// parent is the value given to NewConnection.
type ConnectionHandler func(parent any, ev ConnectionArgs)

// EventHandler receives read, subscription and write completion events.
// ev.Arg carries the args given with the request.
type EventHandler func(parent any, ev EventArgs)

// Option configures a Connection or ContextService
type Option func(*options)

type options struct {
	registry *Registry
	log      *zap.Logger
	metrics  *Metrics
}

// WithRegistry uses reg instead of DefaultRegistry
func WithRegistry(reg *Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithLogger sets the diagnostic logger
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics records request outcomes and dropped callbacks in m
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{registry: DefaultRegistry(), log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	return o
}

type subscriptionPhase int

const (
	phaseIdle subscriptionPhase = iota
	phaseAwaitingInitialRead
	phaseSubscribed
)

type contextState struct {
	activated bool
	creation  Status
}

type channelState struct {
	activated         bool
	id                ChanID
	name              string
	creation          Status
	requested         uint32
	hasRequested      bool
	count             uint32
	writeWithCallback bool
	readResult        Status
	writeResult       Status
}

type subscriptionState struct {
	activated  bool
	creation   Status
	event      EventID
	phase      subscriptionPhase
	handler    EventHandler
	args       any
	updateType RequestType
}

type linkState struct {
	searchTimeout time.Duration
	readTimeout   time.Duration
	writeTimeout  time.Duration
	state         LinkState
}

// Connection manages one channel on the client library: the shared context,
// the channel itself, an optional subscription, and reads and writes.
//
// A Connection is driven from a single goroutine. Library callbacks may run
// concurrently with Close; they reach the connection only through the
// registry token, so a callback racing with Close is either served before
// the token is discarded or dropped.
type Connection struct {
	id       string
	svc      *ContextService
	lib      Library
	registry *Registry
	log      *zap.Logger
	metrics  *Metrics
	token    Token
	parent   any
	closed   bool

	context      contextState
	channel      channelState
	subscription subscriptionState
	link         linkState
}

// NewConnection creates a connection on svc. parent is passed unchanged to
// every handler.
func NewConnection(svc *ContextService, parent any, opts ...Option) *Connection {
	o := buildOptions(opts)
	c := &Connection{
		id:       uuid.NewString(),
		svc:      svc,
		lib:      svc.Library(),
		registry: o.registry,
		metrics:  o.metrics,
	}
	c.log = o.log.With(zap.String("conn_id", c.id))
	c.token = c.registry.GetOrCreate(c, false)
	c.parent = parent
	c.initialise()
	c.reset()
	return c
}

func (c *Connection) initialise() {
	c.svc.Acquire()
	c.channel.requested = 0
	c.channel.hasRequested = false
}

func (c *Connection) reset() {
	c.context = contextState{}
	c.channel = channelState{}
	c.subscription = subscriptionState{}
	c.link = linkState{
		searchTimeout: DefaultSearchTimeout,
		readTimeout:   DefaultReadTimeout,
		writeTimeout:  DefaultWriteTimeout,
		state:         LinkDown,
	}
}

// Close tears the connection down. The registry token is discarded first so
// that in-flight callbacks are dropped, then the channel is cleared and the
// context released, and finally state is reset under the registry lock.
// Close is idempotent.
func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closed = true

	c.registry.Discard(c.token)
	c.shutdown()

	c.registry.Lock()
	c.reset()
	c.parent = nil
	c.registry.Unlock()
}

func (c *Connection) shutdown() {
	if c.channel.activated {
		c.RemoveChannel()
	}
	c.svc.Release()
}

// ID returns the session id used in log fields
func (c *Connection) ID() string {
	return c.id
}

// Parent returns the value given to NewConnection
func (c *Connection) Parent() any {
	return c.parent
}

// Name returns the channel name, empty until EstablishChannel succeeds
func (c *Connection) Name() string {
	return c.channel.name
}

// EstablishContext attaches the connection to the shared client context,
// creating it if this is the first connection to do so. handler and arg are
// registered as the context exception handler only by the creator.
// Fails if called twice.
func (c *Connection) EstablishContext(handler ExceptionCallback, arg any) Result {
	if c.context.activated {
		return c.record("establish_context", ResultFailed)
	}

	c.context.creation = c.svc.Establish(handler, arg)
	if c.context.creation != StatusNormal {
		return c.record("establish_context", ResultFailed)
	}
	c.context.activated = true
	return c.record("establish_context", ResultSuccess)
}

// EstablishChannel creates the channel and waits up to the search timeout
// for it. handler is called on every connect and disconnect.
func (c *Connection) EstablishChannel(handler ConnectionHandler, name string, priority int) Result {
	if !c.context.activated || c.channel.activated {
		return c.record("establish_channel", ResultFailed)
	}

	cb := connectionRoute(c.registry, c.token, handler, c.metrics, c.log)
	id, st := c.lib.CreateChannel(name, cb, c.token, priority)
	c.lib.PendIO(c.link.searchTimeout)

	c.channel.creation = st
	if st != StatusNormal {
		c.log.Warn("channel creation failed", zap.String("pv", name), zap.Stringer("status", st))
		return c.record("establish_channel", ResultFailed)
	}
	if id == 0 {
		c.log.Error("client library returned a null channel handle", zap.String("pv", name))
		return c.record("establish_channel", ResultFailed)
	}

	c.registry.BindHandle(c.token, id)

	c.registry.Lock()
	c.channel.id = id
	c.channel.name = name
	c.channel.activated = true
	c.registry.Unlock()

	c.log = c.log.With(zap.String("pv", name))
	return c.record("establish_channel", ResultSuccess)
}

// SetChannelRequestedElementCount caps the number of elements subscriptions
// and reads ask for. Call it before EstablishSubscription.
func (c *Connection) SetChannelRequestedElementCount(n uint32) {
	c.channel.requested = n
	c.channel.hasRequested = true
}

// SetChannelElementCount records the element count reported by the server.
// A count below one is stored as one.
func (c *Connection) SetChannelElementCount() {
	var n uint32
	if c.channel.activated && c.channel.id != 0 {
		n = c.lib.ElementCount(c.channel.id)
	}
	if n < 1 {
		n = 1
	}
	c.channel.count = n
}

// SubscribeElementCount returns the element count requests will ask for:
// the smaller of the requested and actual counts when a request was set,
// otherwise the actual count.
func (c *Connection) SubscribeElementCount() uint32 {
	if c.channel.hasRequested && c.channel.requested > 0 && c.channel.requested < c.channel.count {
		return c.channel.requested
	}
	return c.channel.count
}

// EstablishSubscription subscribes to the channel in two steps. A single
// read of initialType is issued first; when it completes its value goes to
// handler and only then is the live subscription of updateType created,
// monitoring value and alarm changes. handler therefore always sees the
// metadata-carrying value first.
func (c *Connection) EstablishSubscription(handler EventHandler, args any, initialType, updateType RequestType) Result {
	if !c.channel.activated || c.subscription.activated {
		return c.record("establish_subscription", ResultFailed)
	}

	c.registry.Lock()
	c.subscription.handler = handler
	c.subscription.args = args
	c.subscription.updateType = updateType
	c.subscription.phase = phaseAwaitingInitialRead
	c.registry.Unlock()

	cb := initialReadRoute(c.registry, c.token, c.metrics, c.log)
	st := c.lib.ArrayGetCallback(initialType, c.SubscribeElementCount(), c.channel.id, cb, c.token)
	c.lib.Flush()

	c.registry.Lock()
	c.subscription.creation = st
	if st == StatusNormal {
		c.subscription.activated = true
	} else {
		c.subscription.phase = phaseIdle
	}
	c.registry.Unlock()

	if st != StatusNormal {
		c.log.Warn("initial subscription read failed", zap.Stringer("status", st))
		return c.record("establish_subscription", ResultFailed)
	}
	return c.record("establish_subscription", ResultSuccess)
}

// RemoveSubscription is not implemented: subscriptions are only torn down
// together with their channel by RemoveChannel.
func (c *Connection) RemoveSubscription() {}

// RemoveChannel clears any live subscription and the channel, then flushes.
// Calling it on an inactive channel does nothing.
func (c *Connection) RemoveChannel() {
	if !c.channel.activated {
		return
	}

	c.registry.Lock()
	ev := c.subscription.event
	id := c.channel.id
	c.subscription = subscriptionState{}
	c.channel.activated = false
	c.channel.id = 0
	c.registry.Unlock()

	if ev != 0 {
		c.lib.ClearSubscription(ev)
	}
	c.lib.ClearChannel(id)
	c.lib.Flush()
}

// ReadChannel issues a one-shot read and waits up to the read timeout.
func (c *Connection) ReadChannel(handler EventHandler, args any, t RequestType) Result {
	if !c.channel.activated {
		return c.record("read", ResultFailed)
	}

	cb := eventRoute(c.registry, c.token, "read", handler, args, c.metrics, c.log)
	st := c.lib.ArrayGetCallback(t, c.SubscribeElementCount(), c.channel.id, cb, c.token)
	c.lib.PendIO(c.link.readTimeout)

	c.channel.readResult = st
	return c.record("read", resultFromStatus(st))
}

// WriteChannel writes value. A non-zero count selects an array write. In
// write-with-callback mode handler runs once the server has finished
// processing the record and the call waits up to the write timeout;
// otherwise the request is only flushed and handler is not used.
func (c *Connection) WriteChannel(handler EventHandler, args any, t RequestType, count uint32, value any) Result {
	if !c.channel.activated {
		return c.record("write", ResultFailed)
	}

	id := c.channel.id
	var st Status
	if c.channel.writeWithCallback {
		cb := eventRoute(c.registry, c.token, "write", handler, args, c.metrics, c.log)
		if count == 0 {
			st = c.lib.PutCallback(t, id, value, cb, c.token)
		} else {
			st = c.lib.ArrayPutCallback(t, count, id, value, cb, c.token)
		}
		c.lib.PendIO(c.link.writeTimeout)
	} else {
		if count == 0 {
			st = c.lib.Put(t, id, value)
		} else {
			st = c.lib.ArrayPut(t, count, id, value)
		}
		c.lib.Flush()
	}

	c.channel.writeResult = st
	return c.record("write", resultFromStatus(st))
}

// SetWriteWithCallback selects whether writes wait for record processing
func (c *Connection) SetWriteWithCallback(enable bool) {
	c.channel.writeWithCallback = enable
}

// WriteWithCallback reports the write mode
func (c *Connection) WriteWithCallback() bool {
	return c.channel.writeWithCallback
}

// SetLinkState records the caller's view of the link
func (c *Connection) SetLinkState(s LinkState) {
	c.link.state = s
}

// LinkState returns the caller's view of the link
func (c *Connection) LinkState() LinkState {
	return c.link.state
}

// SetTimeouts overrides the search, read and write timeouts. Zero keeps the
// current value.
func (c *Connection) SetTimeouts(search, read, write time.Duration) {
	if search > 0 {
		c.link.searchTimeout = search
	}
	if read > 0 {
		c.link.readTimeout = read
	}
	if write > 0 {
		c.link.writeTimeout = write
	}
}

// Timeouts returns the search, read and write timeouts
func (c *Connection) Timeouts() (search, read, write time.Duration) {
	return c.link.searchTimeout, c.link.readTimeout, c.link.writeTimeout
}

// ReadResult returns the completion code of the last read
func (c *Connection) ReadResult() Status {
	return c.channel.readResult
}

// WriteResult returns the completion code of the last write
func (c *Connection) WriteResult() Status {
	return c.channel.writeResult
}

// ChannelState queries the library for the live channel state
func (c *Connection) ChannelState() ChannelState {
	if !c.hasChannel() {
		return ChannelUnknown
	}
	return channelStateFromNative(c.lib.State(c.channel.id))
}

// ChannelType returns the field type code of the channel, or 0 when the
// channel is inactive.
func (c *Connection) ChannelType() int {
	if !c.hasChannel() {
		c.log.Warn("channel type requested on an inactive channel")
		return 0
	}
	return int(c.lib.FieldType(c.channel.id))
}

// ChannelID returns the native handle, or 0 when inactive
func (c *Connection) ChannelID() ChanID {
	if !c.hasChannel() {
		return 0
	}
	return c.channel.id
}

// HostName returns the server host, or "" when inactive
func (c *Connection) HostName() string {
	if !c.hasChannel() {
		return ""
	}
	return c.lib.HostName(c.channel.id)
}

// ReadAccess reports read permission, false when inactive
func (c *Connection) ReadAccess() bool {
	if !c.hasChannel() {
		return false
	}
	return c.lib.ReadAccess(c.channel.id)
}

// WriteAccess reports write permission, false when inactive
func (c *Connection) WriteAccess() bool {
	if !c.hasChannel() {
		return false
	}
	return c.lib.WriteAccess(c.channel.id)
}

// FieldType returns the server field type, DBF_NO_ACCESS when inactive
func (c *Connection) FieldType() FieldType {
	if !c.hasChannel() {
		return FieldNoAccess
	}
	return c.lib.FieldType(c.channel.id)
}

// ElementCount returns the server element count, 0 when inactive
func (c *Connection) ElementCount() uint32 {
	if !c.hasChannel() {
		return 0
	}
	return c.lib.ElementCount(c.channel.id)
}

func (c *Connection) hasChannel() bool {
	return c.channel.activated && c.channel.id != 0
}

func (c *Connection) record(op string, r Result) Result {
	c.metrics.request(op, r)
	return r
}

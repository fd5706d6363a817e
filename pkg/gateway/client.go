// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/calink/pkg/ca"
)

// ErrCallTimeout is returned when the server does not reply in time
var ErrCallTimeout = errors.New("gateway: call timed out")

// DefaultCallTimeout bounds every synchronous request
const DefaultCallTimeout = 5 * time.Second

type clientChannel struct {
	name string
	cb   ca.ConnectionCallback
	arg  any
	info ChannelInfo
}

type clientCallback struct {
	ref        ca.ChanID
	cb         ca.EventCallback
	arg        any
	persistent bool
}

// Client implements ca.Library against a remote gateway. Callbacks run in
// order on a goroutine owned by the client context, separate from the
// stream reader, so a callback may issue further requests.
type Client struct {
	conn        io.ReadWriteCloser
	log         *zap.Logger
	metrics     *Metrics
	callTimeout time.Duration

	writeMu sync.Mutex

	mu           sync.Mutex
	pending      map[uint64]chan *Message
	nextSeq      uint64
	nextRef      ca.ChanID
	nextCallback uint64
	channels     map[ca.ChanID]*clientChannel
	callbacks    map[uint64]*clientCallback
	exception    ca.ExceptionCallback
	exceptionArg any
	disp         *ca.Dispatcher
	err          error

	done chan struct{}
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithClientLogger sets the diagnostic logger
func WithClientLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClientMetrics records traffic and round trip times in m
func WithClientMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithCallTimeout bounds synchronous requests. Non-positive values keep
// the default.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// NewClient starts reading from conn. The client owns conn and closes it
// in Close.
func NewClient(conn io.ReadWriteCloser, opts ...ClientOption) *Client {
	c := &Client{
		conn:        conn,
		log:         zap.NewNop(),
		callTimeout: DefaultCallTimeout,
		pending:     make(map[uint64]chan *Message),
		channels:    make(map[ca.ChanID]*clientChannel),
		callbacks:   make(map[uint64]*clientCallback),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Close destroys the context, closes the stream and waits for the reader
func (c *Client) Close() error {
	c.DestroyContext()
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the stream has ended
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the stream ended
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Hello announces the client and returns the server's session id
func (c *Client) Hello(ctx context.Context, name string) (string, error) {
	reply, err := c.callContext(ctx, &Message{Op: OpHello, Name: name})
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// Ping measures one round trip
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.callContext(ctx, &Message{Op: OpPing}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Client) readLoop() {
	defer c.shutdown()

	fr := NewFrameReader(c.conn)
	for {
		payload, err := fr.ReadFrame()
		if errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrCRCMismatch) {
			c.metrics.failure("frame")
			c.log.Warn("dropping malformed gateway frame", zap.Error(err))
			continue
		}
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			if !errors.Is(err, io.EOF) {
				c.log.Debug("gateway stream ended", zap.Error(err))
			}
			return
		}

		m, err := DecodeMessage(payload)
		if err != nil {
			c.metrics.failure("decode")
			c.log.Warn("dropping undecodable gateway message", zap.Error(err))
			continue
		}
		c.metrics.message("rx", m.Op)
		c.handle(m)
	}
}

// shutdown fails outstanding calls and reports connected channels as
// disconnected
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	close(c.done)

	if c.disp == nil {
		return
	}
	for ref, ch := range c.channels {
		if ch.info.State != ca.NativeConnected {
			continue
		}
		ch.info.State = ca.NativePreviouslyConnected
		args := ca.ConnectionArgs{Channel: ref, Up: false, Arg: ch.arg}
		cb := ch.cb
		c.disp.Post(func() { cb(args) })
	}
}

func (c *Client) handle(m *Message) {
	switch m.Op {
	case OpReply, OpPong:
		c.mu.Lock()
		ch, ok := c.pending[m.Seq]
		delete(c.pending, m.Seq)
		c.mu.Unlock()
		if ok {
			ch <- m
		}

	case OpConnection:
		ref := ca.ChanID(m.Ref)
		c.mu.Lock()
		ch, ok := c.channels[ref]
		if ok && m.Info != nil {
			ch.info = *m.Info
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		args := ca.ConnectionArgs{Channel: ref, Up: m.Up, Arg: ch.arg}
		c.post(func() { ch.cb(args) })

	case OpEvent:
		c.mu.Lock()
		cb, ok := c.callbacks[m.Callback]
		if ok && !cb.persistent {
			delete(c.callbacks, m.Callback)
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		args := ca.EventArgs{
			Channel: cb.ref,
			Type:    m.Type,
			Count:   m.Count,
			Status:  m.Status,
			Value:   m.Value.Value(),
			Arg:     cb.arg,
		}
		c.post(func() { cb.cb(args) })

	case OpException:
		c.mu.Lock()
		handler, arg := c.exception, c.exceptionArg
		c.mu.Unlock()
		if handler == nil {
			return
		}
		args := ca.ExceptionArgs{
			Channel: ca.ChanID(m.Ref),
			Status:  m.Status,
			Type:    m.Type,
			Count:   m.Count,
			Context: m.Text,
			Arg:     arg,
		}
		c.post(func() { handler(args) })

	default:
		c.log.Warn("unexpected gateway message", zap.Stringer("op", m.Op))
	}
}

func (c *Client) post(fn func()) {
	c.mu.Lock()
	disp := c.disp
	c.mu.Unlock()
	if disp != nil {
		disp.Post(fn)
	}
}

func (c *Client) send(m *Message) error {
	frame, err := frameMessage(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	c.metrics.message("tx", m.Op)
	return nil
}

func (c *Client) call(m *Message) (*Message, error) {
	return c.callTimeoutFor(m, c.callTimeout)
}

func (c *Client) callContext(ctx context.Context, m *Message) (*Message, error) {
	timeout := c.callTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return c.callTimeoutFor(m, timeout)
}

func (c *Client) callTimeoutFor(m *Message, timeout time.Duration) (*Message, error) {
	reply := make(chan *Message, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	default:
	}
	c.nextSeq++
	m.Seq = c.nextSeq
	c.pending[m.Seq] = reply
	c.mu.Unlock()

	start := time.Now()
	if err := c.send(m); err != nil {
		c.forget(m.Seq)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r, ok := <-reply:
		if !ok {
			return nil, ErrConnectionClosed
		}
		c.metrics.call(m.Op, time.Since(start).Seconds())
		return r, nil
	case <-timer.C:
		c.forget(m.Seq)
		return nil, fmt.Errorf("%w: %s after %v", ErrCallTimeout, m.Op, timeout)
	}
}

func (c *Client) forget(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// status performs a call and maps transport failures onto completion codes
func (c *Client) status(m *Message) ca.Status {
	reply, err := c.call(m)
	return replyStatus(reply, err)
}

func replyStatus(reply *Message, err error) ca.Status {
	switch {
	case errors.Is(err, ErrCallTimeout):
		return ca.StatusTimeout
	case err != nil:
		return ca.StatusDisconnected
	case reply.Status == 0:
		return ca.StatusNormal
	default:
		return reply.Status
	}
}

// CreateContext creates the remote context and the local callback goroutine
func (c *Client) CreateContext(preemptive bool) ca.Status {
	st := c.status(&Message{Op: OpCreateContext, Preemptive: preemptive})
	if st != ca.StatusNormal {
		return st
	}

	c.mu.Lock()
	if c.disp == nil {
		c.disp = ca.NewDispatcher()
	}
	c.mu.Unlock()
	return st
}

// DestroyContext drops every channel and callback and stops the callback
// goroutine. It must not be called from a callback.
func (c *Client) DestroyContext() {
	c.mu.Lock()
	disp := c.disp
	c.disp = nil
	c.channels = make(map[ca.ChanID]*clientChannel)
	c.callbacks = make(map[uint64]*clientCallback)
	c.exception = nil
	c.exceptionArg = nil
	c.mu.Unlock()

	if disp == nil {
		return
	}
	if st := c.status(&Message{Op: OpDestroyContext}); st != ca.StatusNormal {
		c.log.Debug("remote context destroy failed", zap.Stringer("status", st))
	}
	disp.Stop()
}

// AddExceptionEvent installs the exception handler
func (c *Client) AddExceptionEvent(cb ca.ExceptionCallback, arg any) ca.Status {
	st := c.status(&Message{Op: OpAddException})
	if st != ca.StatusNormal {
		return st
	}
	c.mu.Lock()
	c.exception = cb
	c.exceptionArg = arg
	c.mu.Unlock()
	return st
}

// CreateChannel allocates a channel reference and asks the server to search
func (c *Client) CreateChannel(name string, cb ca.ConnectionCallback, arg any, priority int) (ca.ChanID, ca.Status) {
	c.mu.Lock()
	if c.disp == nil {
		c.mu.Unlock()
		return 0, ca.StatusBadContext
	}
	c.nextRef++
	ref := c.nextRef
	c.channels[ref] = &clientChannel{name: name, cb: cb, arg: arg}
	c.mu.Unlock()

	st := c.status(&Message{Op: OpCreateChannel, Ref: uint64(ref), Name: name, Priority: priority})
	if st != ca.StatusNormal {
		c.mu.Lock()
		delete(c.channels, ref)
		c.mu.Unlock()
		return 0, st
	}
	return ref, st
}

// ClearChannel releases the channel and its callbacks
func (c *Client) ClearChannel(ref ca.ChanID) ca.Status {
	c.mu.Lock()
	_, ok := c.channels[ref]
	delete(c.channels, ref)
	for id, cb := range c.callbacks {
		if cb.ref == ref {
			delete(c.callbacks, id)
		}
	}
	c.mu.Unlock()
	if !ok {
		return ca.StatusBadChannel
	}
	return c.status(&Message{Op: OpClearChannel, Ref: uint64(ref)})
}

// PendIO waits for the server to complete outstanding requests and then
// for their callbacks to run locally
func (c *Client) PendIO(timeout time.Duration) ca.Status {
	c.mu.Lock()
	disp := c.disp
	c.mu.Unlock()
	if disp == nil {
		return ca.StatusBadContext
	}

	start := time.Now()
	reply, err := c.callTimeoutFor(&Message{Op: OpPendIO, TimeoutMS: uint32(timeout / time.Millisecond)}, timeout+c.callTimeout)
	if st := replyStatus(reply, err); st != ca.StatusNormal {
		return st
	}

	remaining := timeout - time.Since(start)
	if remaining <= 0 || !disp.Drain(remaining) {
		return ca.StatusTimeout
	}
	return ca.StatusNormal
}

// Flush asks the server to send queued requests. It does not wait.
func (c *Client) Flush() ca.Status {
	if err := c.send(&Message{Op: OpFlush}); err != nil {
		return ca.StatusDisconnected
	}
	return ca.StatusNormal
}

func (c *Client) register(ref ca.ChanID, cb ca.EventCallback, arg any, persistent bool) (uint64, ca.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disp == nil {
		return 0, ca.StatusBadContext
	}
	if _, ok := c.channels[ref]; !ok {
		return 0, ca.StatusBadChannel
	}
	c.nextCallback++
	c.callbacks[c.nextCallback] = &clientCallback{ref: ref, cb: cb, arg: arg, persistent: persistent}
	return c.nextCallback, ca.StatusNormal
}

func (c *Client) unregister(id uint64) {
	c.mu.Lock()
	delete(c.callbacks, id)
	c.mu.Unlock()
}

// ArrayGetCallback requests one read
func (c *Client) ArrayGetCallback(t ca.RequestType, count uint32, ref ca.ChanID, cb ca.EventCallback, arg any) ca.Status {
	id, st := c.register(ref, cb, arg, false)
	if st != ca.StatusNormal {
		return st
	}
	st = c.status(&Message{Op: OpGet, Ref: uint64(ref), Callback: id, Type: t, Count: count})
	if st != ca.StatusNormal {
		c.unregister(id)
	}
	return st
}

// CreateSubscription starts a monitor. The returned EventID is the
// client's callback reference.
func (c *Client) CreateSubscription(t ca.RequestType, count uint32, ref ca.ChanID, mask ca.EventMask, cb ca.EventCallback, arg any) (ca.EventID, ca.Status) {
	id, st := c.register(ref, cb, arg, true)
	if st != ca.StatusNormal {
		return 0, st
	}
	st = c.status(&Message{Op: OpSubscribe, Ref: uint64(ref), Callback: id, Type: t, Count: count, Mask: mask})
	if st != ca.StatusNormal {
		c.unregister(id)
		return 0, st
	}
	return ca.EventID(id), st
}

// ClearSubscription stops a monitor. Updates already received are dropped.
func (c *Client) ClearSubscription(ev ca.EventID) ca.Status {
	c.mu.Lock()
	_, ok := c.callbacks[uint64(ev)]
	delete(c.callbacks, uint64(ev))
	c.mu.Unlock()
	if !ok {
		return ca.StatusBadChannel
	}
	return c.status(&Message{Op: OpClearSubscription, Callback: uint64(ev)})
}

// Put writes without completion notification
func (c *Client) Put(t ca.RequestType, ref ca.ChanID, value any) ca.Status {
	return c.put(t, 0, ref, value, nil, nil)
}

// ArrayPut writes count elements without completion notification
func (c *Client) ArrayPut(t ca.RequestType, count uint32, ref ca.ChanID, value any) ca.Status {
	return c.put(t, count, ref, value, nil, nil)
}

// PutCallback writes and delivers a completion event
func (c *Client) PutCallback(t ca.RequestType, ref ca.ChanID, value any, cb ca.EventCallback, arg any) ca.Status {
	return c.put(t, 0, ref, value, cb, arg)
}

// ArrayPutCallback writes count elements and delivers a completion event
func (c *Client) ArrayPutCallback(t ca.RequestType, count uint32, ref ca.ChanID, value any, cb ca.EventCallback, arg any) ca.Status {
	return c.put(t, count, ref, value, cb, arg)
}

func (c *Client) put(t ca.RequestType, count uint32, ref ca.ChanID, value any, cb ca.EventCallback, arg any) ca.Status {
	var id uint64
	if cb != nil {
		var st ca.Status
		if id, st = c.register(ref, cb, arg, false); st != ca.StatusNormal {
			return st
		}
	} else {
		c.mu.Lock()
		_, ok := c.channels[ref]
		c.mu.Unlock()
		if !ok {
			return ca.StatusBadChannel
		}
	}

	st := c.status(&Message{Op: OpPut, Ref: uint64(ref), Callback: id, Type: t, Count: count, Put: value})
	if st != ca.StatusNormal && id != 0 {
		c.unregister(id)
	}
	return st
}

// info asks the server for the channel's current state, falling back to
// the snapshot carried by the last connection event
func (c *Client) info(ref ca.ChanID) (ChannelInfo, bool) {
	c.mu.Lock()
	ch, ok := c.channels[ref]
	var cached ChannelInfo
	if ok {
		cached = ch.info
	}
	c.mu.Unlock()
	if !ok {
		return ChannelInfo{}, false
	}

	reply, err := c.call(&Message{Op: OpInfo, Ref: uint64(ref)})
	if err != nil || reply.Info == nil {
		c.log.Debug("using cached channel info", zap.String("pv", ch.name), zap.Error(err))
		return cached, true
	}

	c.mu.Lock()
	ch.info = *reply.Info
	c.mu.Unlock()
	return *reply.Info, true
}

// State reports the channel state. Unknown references are closed.
func (c *Client) State(ref ca.ChanID) ca.NativeState {
	info, ok := c.info(ref)
	if !ok {
		return ca.NativeClosed
	}
	return info.State
}

// FieldType returns the native field type
func (c *Client) FieldType(ref ca.ChanID) ca.FieldType {
	info, ok := c.info(ref)
	if !ok {
		return ca.FieldNoAccess
	}
	return info.Field
}

// ElementCount returns the native element count
func (c *Client) ElementCount(ref ca.ChanID) uint32 {
	info, _ := c.info(ref)
	return info.Count
}

// HostName returns the serving host
func (c *Client) HostName(ref ca.ChanID) string {
	info, _ := c.info(ref)
	return info.Host
}

// ReadAccess reports read permission
func (c *Client) ReadAccess(ref ca.ChanID) bool {
	info, _ := c.info(ref)
	return info.Read
}

// WriteAccess reports write permission
func (c *Client) WriteAccess(ref ca.ChanID) bool {
	info, _ := c.info(ref)
	return info.Write
}

var _ ca.Library = (*Client)(nil)

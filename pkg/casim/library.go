// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package casim

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/calink/pkg/ca"
)

// Stats counts what a Library has been asked to do
type Stats struct {
	ContextsCreated   int
	ContextsDestroyed int
	ChannelsCreated   int
	Gets              int
	Puts              int
	Subscriptions     int
	Events            int
}

type simChannel struct {
	id     ca.ChanID
	name   string
	cb     ca.ConnectionCallback
	arg    any
	cancel func()
	up     bool
	everUp bool
}

type simSubscription struct {
	id    ca.EventID
	ch    ca.ChanID
	t     ca.RequestType
	count uint32
	mask  ca.EventMask
	cb    ca.EventCallback
	arg   any
}

// Library implements ca.Library against a Database. All callbacks are
// delivered in order on one goroutine owned by the client context, so they
// never run on the goroutine that issued the request.
type Library struct {
	db  *Database
	log *zap.Logger

	mu           sync.Mutex
	disp         *ca.Dispatcher
	exception    ca.ExceptionCallback
	exceptionArg any
	channels     map[ca.ChanID]*simChannel
	subs         map[ca.EventID]*simSubscription
	nextChan     ca.ChanID
	nextEvent    ca.EventID
	stats        Stats
}

// Option configures a Library
type Option func(*Library)

// WithLogger sets the diagnostic logger
func WithLogger(log *zap.Logger) Option {
	return func(l *Library) {
		if log != nil {
			l.log = log
		}
	}
}

// NewLibrary creates a library serving db
func NewLibrary(db *Database, opts ...Option) *Library {
	l := &Library{
		db:       db,
		log:      zap.NewNop(),
		channels: make(map[ca.ChanID]*simChannel),
		subs:     make(map[ca.EventID]*simSubscription),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Database returns the served database
func (l *Library) Database() *Database {
	return l.db
}

// Stats returns a snapshot of the call counters
func (l *Library) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// CreateContext starts the callback goroutine. A second call while a
// context exists is a no-op.
func (l *Library) CreateContext(preemptive bool) ca.Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disp != nil {
		return ca.StatusNormal
	}
	l.disp = ca.NewDispatcher()
	l.stats.ContextsCreated++
	l.log.Debug("sim context created", zap.Bool("preemptive", preemptive))
	return ca.StatusNormal
}

// DestroyContext clears every channel and stops the callback goroutine.
// Pending callbacks are discarded. It must not be called from a callback.
func (l *Library) DestroyContext() {
	l.mu.Lock()
	disp := l.disp
	if disp == nil {
		l.mu.Unlock()
		return
	}
	l.disp = nil
	channels := l.channels
	l.channels = make(map[ca.ChanID]*simChannel)
	l.subs = make(map[ca.EventID]*simSubscription)
	l.exception = nil
	l.exceptionArg = nil
	l.stats.ContextsDestroyed++
	l.mu.Unlock()

	for _, ch := range channels {
		if ch.cancel != nil {
			ch.cancel()
		}
	}
	disp.Stop()
	l.log.Debug("sim context destroyed")
}

// AddExceptionEvent installs the context exception handler
func (l *Library) AddExceptionEvent(cb ca.ExceptionCallback, arg any) ca.Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disp == nil {
		return ca.StatusBadContext
	}
	l.exception = cb
	l.exceptionArg = arg
	return ca.StatusNormal
}

// CreateChannel registers the channel. If the record exists and is up,
// the connection callback is queued at once; unknown names stay
// unconnected like an unanswered search.
func (l *Library) CreateChannel(name string, cb ca.ConnectionCallback, arg any, priority int) (ca.ChanID, ca.Status) {
	l.mu.Lock()
	if l.disp == nil {
		l.mu.Unlock()
		return 0, ca.StatusBadContext
	}
	l.nextChan++
	id := l.nextChan
	ch := &simChannel{id: id, name: name, cb: cb, arg: arg}
	l.channels[id] = ch
	l.stats.ChannelsCreated++
	l.mu.Unlock()

	cancel := l.db.Watch(name, func(c Change) { l.onChange(id, c) })
	l.mu.Lock()
	if cur, ok := l.channels[id]; ok {
		cur.cancel = cancel
		cancel = nil
	}
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		return 0, ca.StatusBadChannel
	}

	if info, ok := l.db.Info(name); ok && info.Connected {
		l.post(func() { l.connectionEvent(id, true) })
	} else {
		l.log.Debug("sim search unanswered", zap.String("pv", name))
	}
	return id, ca.StatusNormal
}

// ClearChannel drops the channel and its subscriptions
func (l *Library) ClearChannel(id ca.ChanID) ca.Status {
	l.mu.Lock()
	ch, ok := l.channels[id]
	if !ok {
		l.mu.Unlock()
		return ca.StatusBadChannel
	}
	delete(l.channels, id)
	for evid, s := range l.subs {
		if s.ch == id {
			delete(l.subs, evid)
		}
	}
	l.mu.Unlock()

	if ch.cancel != nil {
		ch.cancel()
	}
	return ca.StatusNormal
}

// PendIO waits until every callback queued before the call has run
func (l *Library) PendIO(timeout time.Duration) ca.Status {
	l.mu.Lock()
	disp := l.disp
	l.mu.Unlock()

	if disp == nil {
		return ca.StatusBadContext
	}
	if !disp.Drain(timeout) {
		return ca.StatusTimeout
	}
	return ca.StatusNormal
}

// Flush is a no-op: requests are never buffered
func (l *Library) Flush() ca.Status {
	return ca.StatusNormal
}

// ArrayGetCallback queues a read of count elements
func (l *Library) ArrayGetCallback(t ca.RequestType, count uint32, id ca.ChanID, cb ca.EventCallback, arg any) ca.Status {
	name, st := l.connected(id)
	if st != ca.StatusNormal {
		return st
	}
	if !t.Valid() {
		return ca.StatusBadType
	}

	l.mu.Lock()
	l.stats.Gets++
	l.mu.Unlock()

	l.post(func() {
		v, st := l.db.Get(name, t, count)
		cb(eventArgs(id, t, st, v, arg))
	})
	return ca.StatusNormal
}

// CreateSubscription registers a monitor and queues its first update
func (l *Library) CreateSubscription(t ca.RequestType, count uint32, id ca.ChanID, mask ca.EventMask, cb ca.EventCallback, arg any) (ca.EventID, ca.Status) {
	if _, st := l.connected(id); st != ca.StatusNormal {
		return 0, st
	}
	if !t.Valid() {
		return 0, ca.StatusBadType
	}

	l.mu.Lock()
	l.nextEvent++
	evid := l.nextEvent
	l.subs[evid] = &simSubscription{id: evid, ch: id, t: t, count: count, mask: mask, cb: cb, arg: arg}
	l.stats.Subscriptions++
	l.mu.Unlock()

	l.post(func() { l.deliver(evid) })
	return evid, ca.StatusNormal
}

// ClearSubscription stops a monitor. Updates already queued are dropped.
func (l *Library) ClearSubscription(evid ca.EventID) ca.Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.subs[evid]; !ok {
		return ca.StatusBadChannel
	}
	delete(l.subs, evid)
	return ca.StatusNormal
}

// Put writes a scalar without completion notification
func (l *Library) Put(t ca.RequestType, id ca.ChanID, value any) ca.Status {
	return l.write(id, value)
}

// ArrayPut writes count elements without completion notification
func (l *Library) ArrayPut(t ca.RequestType, count uint32, id ca.ChanID, value any) ca.Status {
	return l.write(id, value)
}

// PutCallback writes a scalar and queues the completion callback
func (l *Library) PutCallback(t ca.RequestType, id ca.ChanID, value any, cb ca.EventCallback, arg any) ca.Status {
	return l.writeNotify(t, id, value, cb, arg)
}

// ArrayPutCallback writes count elements and queues the completion callback
func (l *Library) ArrayPutCallback(t ca.RequestType, count uint32, id ca.ChanID, value any, cb ca.EventCallback, arg any) ca.Status {
	return l.writeNotify(t, id, value, cb, arg)
}

func (l *Library) writeNotify(t ca.RequestType, id ca.ChanID, value any, cb ca.EventCallback, arg any) ca.Status {
	st := l.write(id, value)
	if st != ca.StatusNormal {
		return st
	}
	l.post(func() { cb(eventArgs(id, t, ca.StatusNormal, nil, arg)) })
	return ca.StatusNormal
}

func (l *Library) write(id ca.ChanID, value any) ca.Status {
	name, st := l.connected(id)
	if st != ca.StatusNormal {
		return st
	}
	if info, ok := l.db.Info(name); !ok || !info.Writable {
		return ca.StatusNoWriteAccess
	}

	l.mu.Lock()
	l.stats.Puts++
	l.mu.Unlock()

	if err := l.db.Put(name, value); err != nil {
		l.log.Debug("sim put rejected", zap.String("pv", name), zap.Error(err))
		if errors.Is(err, ErrBadValue) {
			return ca.StatusBadType
		}
		return ca.StatusPutFailed
	}
	return ca.StatusNormal
}

// State reports the channel connection state. Cleared channels are closed.
func (l *Library) State(id ca.ChanID) ca.NativeState {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.channels[id]
	switch {
	case !ok:
		return ca.NativeClosed
	case ch.up:
		return ca.NativeConnected
	case ch.everUp:
		return ca.NativePreviouslyConnected
	default:
		return ca.NativeNeverConnected
	}
}

// FieldType returns the native field type, DBF_NO_ACCESS when disconnected
func (l *Library) FieldType(id ca.ChanID) ca.FieldType {
	info, ok := l.info(id)
	if !ok {
		return ca.FieldNoAccess
	}
	return info.Field
}

// ElementCount returns the native element count, 0 when disconnected
func (l *Library) ElementCount(id ca.ChanID) uint32 {
	info, ok := l.info(id)
	if !ok {
		return 0
	}
	return info.Count
}

// HostName returns the serving host, "" when disconnected
func (l *Library) HostName(id ca.ChanID) string {
	info, ok := l.info(id)
	if !ok {
		return ""
	}
	return info.Host
}

// ReadAccess reports whether the channel is connected
func (l *Library) ReadAccess(id ca.ChanID) bool {
	_, ok := l.info(id)
	return ok
}

// WriteAccess reports whether the channel is connected and writable
func (l *Library) WriteAccess(id ca.ChanID) bool {
	info, ok := l.info(id)
	return ok && info.Writable
}

func (l *Library) info(id ca.ChanID) (RecordInfo, bool) {
	name, st := l.connected(id)
	if st != ca.StatusNormal {
		return RecordInfo{}, false
	}
	return l.db.Info(name)
}

// connected returns the record name of a connected channel
func (l *Library) connected(id ca.ChanID) (string, ca.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disp == nil {
		return "", ca.StatusBadContext
	}
	ch, ok := l.channels[id]
	if !ok {
		return "", ca.StatusBadChannel
	}
	if !ch.up {
		return "", ca.StatusDisconnected
	}
	return ch.name, ca.StatusNormal
}

func (l *Library) post(fn func()) {
	l.mu.Lock()
	disp := l.disp
	l.mu.Unlock()

	if disp != nil {
		disp.Post(fn)
	}
}

// onChange runs on the goroutine that changed the database
func (l *Library) onChange(id ca.ChanID, c Change) {
	if !c.Value {
		l.post(func() { l.connectionEvent(id, c.Connected) })
		return
	}

	l.mu.Lock()
	var evids []ca.EventID
	for evid, s := range l.subs {
		if s.ch == id && s.mask&(ca.MaskValue|ca.MaskAlarm) != 0 {
			evids = append(evids, evid)
		}
	}
	l.mu.Unlock()

	for _, evid := range evids {
		l.post(func() { l.deliver(evid) })
	}
}

func (l *Library) connectionEvent(id ca.ChanID, up bool) {
	l.mu.Lock()
	ch, ok := l.channels[id]
	if !ok || ch.up == up {
		l.mu.Unlock()
		return
	}
	ch.up = up
	if up {
		ch.everUp = true
	}
	cb, arg := ch.cb, ch.arg
	l.mu.Unlock()

	if cb != nil {
		cb(ca.ConnectionArgs{Channel: id, Up: up, Arg: arg})
	}
}

func (l *Library) deliver(evid ca.EventID) {
	l.mu.Lock()
	s, ok := l.subs[evid]
	if !ok {
		l.mu.Unlock()
		return
	}
	ch, ok := l.channels[s.ch]
	if !ok || !ch.up {
		l.mu.Unlock()
		return
	}
	name := ch.name
	exception, exceptionArg := l.exception, l.exceptionArg
	l.stats.Events++
	l.mu.Unlock()

	v, st := l.db.Get(name, s.t, s.count)
	if st != ca.StatusNormal && exception != nil {
		exception(ca.ExceptionArgs{
			Channel: s.ch,
			Status:  st,
			Type:    s.t,
			Count:   s.count,
			Context: "subscription update for " + name,
			Arg:     exceptionArg,
		})
	}
	s.cb(eventArgs(s.ch, s.t, st, v, s.arg))
}

func eventArgs(id ca.ChanID, t ca.RequestType, st ca.Status, v *ca.Value, arg any) ca.EventArgs {
	ev := ca.EventArgs{Channel: id, Type: t, Status: st, Value: v, Arg: arg}
	if v != nil {
		ev.Count = uint32(v.Len())
	}
	return ev
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Thermoquad/calink/pkg/ca"
)

// Server bridges gateway streams onto client libraries. Every stream gets
// its own session and its own ca.Library from the factory.
type Server struct {
	newLibrary func() ca.Library
	log        *zap.Logger
	metrics    *Metrics
	username   string
	password   string
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithServerLogger sets the diagnostic logger
func WithServerLogger(log *zap.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithServerMetrics records sessions and traffic in m
func WithServerMetrics(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithBasicAuth requires HTTP Basic credentials on WebSocket upgrades
func WithBasicAuth(username, password string) ServerOption {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// NewServer creates a server using newLibrary for each session
func NewServer(newLibrary func() ca.Library, opts ...ServerOption) *Server {
	s := &Server{
		newLibrary: newLibrary,
		log:        zap.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sessions returns the ids of the open sessions
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close ends every open session
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
}

// ServeHTTP upgrades the request to a WebSocket and serves it as a session
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="calink"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		s.metrics.failure("auth")
		s.log.Warn("rejected gateway client", zap.String("remote", r.RemoteAddr))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.failure("upgrade")
		s.log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	if err := s.Serve(r.Context(), NewWebSocketStream(conn), "websocket"); err != nil {
		s.log.Debug("websocket session ended", zap.Error(err))
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.username == "" && s.password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) == 1
	return userOK && passOK
}

// Serve runs one session on conn until the stream ends or ctx is done.
// conn is closed on return. A clean end of stream returns nil.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriteCloser, transport string) error {
	sess := &session{
		srv:       s,
		id:        uuid.NewString(),
		transport: transport,
		conn:      conn,
		lib:       s.newLibrary(),
		refs:      make(map[uint64]ca.ChanID),
		subs:      make(map[uint64]subscription),
	}
	sess.log = s.log.With(zap.String("session", sess.id), zap.String("transport", transport))

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.metrics.session(transport, 1)
	sess.log.Info("gateway session opened")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err := sess.run()
	stop()
	sess.close()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.metrics.session(transport, -1)
	sess.log.Info("gateway session closed")

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, ErrConnectionClosed) {
		return nil
	}
	return err
}

type subscription struct {
	ev  ca.EventID
	ref uint64
}

type session struct {
	srv       *Server
	id        string
	transport string
	conn      io.ReadWriteCloser
	lib       ca.Library
	log       *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	refs    map[uint64]ca.ChanID
	subs    map[uint64]subscription
	context bool
}

func (s *session) run() error {
	fr := NewFrameReader(s.conn)
	for {
		payload, err := fr.ReadFrame()
		if errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrCRCMismatch) {
			s.srv.metrics.failure("frame")
			s.log.Warn("dropping malformed gateway frame", zap.Error(err))
			continue
		}
		if err != nil {
			return err
		}

		m, err := DecodeMessage(payload)
		if err != nil {
			s.srv.metrics.failure("decode")
			s.log.Warn("dropping undecodable gateway message", zap.Error(err))
			continue
		}
		s.srv.metrics.message("rx", m.Op)

		if reply := s.handle(m); reply != nil {
			reply.Seq = m.Seq
			if err := s.send(reply); err != nil {
				return err
			}
		}
	}
}

// close tears down what the client left behind
func (s *session) close() {
	_ = s.conn.Close()

	s.mu.Lock()
	hadContext := s.context
	s.context = false
	refs := s.refs
	s.refs = make(map[uint64]ca.ChanID)
	s.subs = make(map[uint64]subscription)
	s.mu.Unlock()

	if !hadContext {
		return
	}
	for _, id := range refs {
		s.lib.ClearChannel(id)
	}
	s.lib.DestroyContext()
}

func (s *session) send(m *Message) error {
	frame, err := frameMessage(m)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(frame); err != nil {
		return err
	}
	s.srv.metrics.message("tx", m.Op)
	return nil
}

// notify sends from a library callback. Failures end up as a closed
// stream on the read side, so they are only logged.
func (s *session) notify(m *Message) {
	if err := s.send(m); err != nil {
		s.log.Debug("dropping gateway notification", zap.Stringer("op", m.Op), zap.Error(err))
	}
}

func reply(st ca.Status) *Message {
	return &Message{Op: OpReply, Status: st}
}

func (s *session) channel(ref uint64) (ca.ChanID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.refs[ref]
	return id, ok
}

func (s *session) handle(m *Message) *Message {
	switch m.Op {
	case OpHello:
		s.log.Info("gateway client hello", zap.String("client", m.Name))
		return &Message{Op: OpReply, Status: ca.StatusNormal, Text: s.id}

	case OpPing:
		return &Message{Op: OpPong}

	case OpCreateContext:
		st := s.lib.CreateContext(m.Preemptive)
		if st == ca.StatusNormal {
			s.mu.Lock()
			s.context = true
			s.mu.Unlock()
		}
		return reply(st)

	case OpDestroyContext:
		s.mu.Lock()
		s.context = false
		s.refs = make(map[uint64]ca.ChanID)
		s.subs = make(map[uint64]subscription)
		s.mu.Unlock()
		s.lib.DestroyContext()
		return reply(ca.StatusNormal)

	case OpAddException:
		return reply(s.lib.AddExceptionEvent(s.onException, nil))

	case OpCreateChannel:
		return s.createChannel(m)

	case OpClearChannel:
		return s.clearChannel(m)

	case OpPendIO:
		return reply(s.lib.PendIO(time.Duration(m.TimeoutMS) * time.Millisecond))

	case OpFlush:
		s.lib.Flush()
		return nil

	case OpGet:
		id, ok := s.channel(m.Ref)
		if !ok {
			return reply(ca.StatusBadChannel)
		}
		return reply(s.lib.ArrayGetCallback(m.Type, m.Count, id, s.onEvent, m.Callback))

	case OpSubscribe:
		return s.subscribe(m)

	case OpClearSubscription:
		s.mu.Lock()
		sub, ok := s.subs[m.Callback]
		delete(s.subs, m.Callback)
		s.mu.Unlock()
		if !ok {
			return reply(ca.StatusBadChannel)
		}
		return reply(s.lib.ClearSubscription(sub.ev))

	case OpPut:
		return s.put(m)

	case OpInfo:
		id, ok := s.channel(m.Ref)
		if !ok {
			return reply(ca.StatusBadChannel)
		}
		info := s.info(id)
		return &Message{Op: OpReply, Status: ca.StatusNormal, Info: &info}

	default:
		s.log.Warn("unsupported gateway request", zap.Stringer("op", m.Op))
		return &Message{Op: OpReply, Status: ca.StatusBadType, Text: "unsupported op " + m.Op.String()}
	}
}

func (s *session) createChannel(m *Message) *Message {
	s.mu.Lock()
	_, taken := s.refs[m.Ref]
	s.mu.Unlock()
	if taken || m.Ref == 0 {
		return reply(ca.StatusBadChannel)
	}

	id, st := s.lib.CreateChannel(m.Name, s.onConnection, m.Ref, m.Priority)
	if st != ca.StatusNormal {
		return reply(st)
	}
	if id == 0 {
		return reply(ca.StatusBadChannel)
	}

	s.mu.Lock()
	s.refs[m.Ref] = id
	s.mu.Unlock()
	s.log.Debug("gateway channel created", zap.String("pv", m.Name), zap.Uint64("ref", m.Ref))
	return reply(st)
}

func (s *session) clearChannel(m *Message) *Message {
	s.mu.Lock()
	id, ok := s.refs[m.Ref]
	delete(s.refs, m.Ref)
	for cb, sub := range s.subs {
		if sub.ref == m.Ref {
			delete(s.subs, cb)
		}
	}
	s.mu.Unlock()
	if !ok {
		return reply(ca.StatusBadChannel)
	}
	return reply(s.lib.ClearChannel(id))
}

func (s *session) subscribe(m *Message) *Message {
	id, ok := s.channel(m.Ref)
	if !ok {
		return reply(ca.StatusBadChannel)
	}
	s.mu.Lock()
	_, taken := s.subs[m.Callback]
	s.mu.Unlock()
	if taken || m.Callback == 0 {
		return reply(ca.StatusBadChannel)
	}

	ev, st := s.lib.CreateSubscription(m.Type, m.Count, id, m.Mask, s.onEvent, m.Callback)
	if st != ca.StatusNormal {
		return reply(st)
	}
	s.mu.Lock()
	s.subs[m.Callback] = subscription{ev: ev, ref: m.Ref}
	s.mu.Unlock()
	return reply(st)
}

func (s *session) put(m *Message) *Message {
	id, ok := s.channel(m.Ref)
	if !ok {
		return reply(ca.StatusBadChannel)
	}
	value := PutValue(m.Put)

	var st ca.Status
	switch {
	case m.Callback != 0 && m.Count == 0:
		st = s.lib.PutCallback(m.Type, id, value, s.onEvent, m.Callback)
	case m.Callback != 0:
		st = s.lib.ArrayPutCallback(m.Type, m.Count, id, value, s.onEvent, m.Callback)
	case m.Count == 0:
		st = s.lib.Put(m.Type, id, value)
	default:
		st = s.lib.ArrayPut(m.Type, m.Count, id, value)
	}
	return reply(st)
}

func (s *session) info(id ca.ChanID) ChannelInfo {
	return ChannelInfo{
		State: s.lib.State(id),
		Field: s.lib.FieldType(id),
		Count: s.lib.ElementCount(id),
		Host:  s.lib.HostName(id),
		Read:  s.lib.ReadAccess(id),
		Write: s.lib.WriteAccess(id),
	}
}

func (s *session) onConnection(args ca.ConnectionArgs) {
	ref, ok := args.Arg.(uint64)
	if !ok {
		return
	}
	info := s.info(args.Channel)
	s.notify(&Message{Op: OpConnection, Ref: ref, Up: args.Up, Info: &info})
}

func (s *session) onEvent(args ca.EventArgs) {
	cb, ok := args.Arg.(uint64)
	if !ok {
		return
	}
	s.notify(&Message{
		Op:       OpEvent,
		Callback: cb,
		Type:     args.Type,
		Count:    args.Count,
		Status:   args.Status,
		Value:    FromValue(args.Value),
	})
}

func (s *session) onException(args ca.ExceptionArgs) {
	var ref uint64
	s.mu.Lock()
	for r, id := range s.refs {
		if id == args.Channel {
			ref = r
			break
		}
	}
	s.mu.Unlock()

	s.notify(&Message{
		Op:     OpException,
		Ref:    ref,
		Status: args.Status,
		Type:   args.Type,
		Count:  args.Count,
		Text:   args.Context,
	})
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ca

import (
	"sync"

	"go.uber.org/zap"
)

// ContextService owns the single client context of a Library and the
// connection counter that decides when it is created and destroyed.
//
// Every Connection acquires the service on construction and releases it on
// Close. The first connection to establish a context creates it; the context
// is destroyed when the last connection is released.
type ContextService struct {
	lib     Library
	log     *zap.Logger
	metrics *Metrics

	mu      sync.Mutex
	count   int
	created bool
	status  Status
}

// NewContextService wraps lib. Only WithLogger and WithMetrics apply here.
func NewContextService(lib Library, opts ...Option) *ContextService {
	o := buildOptions(opts)
	return &ContextService{
		lib:     lib,
		log:     o.log,
		metrics: o.metrics,
	}
}

// Library returns the wrapped client library
func (s *ContextService) Library() Library {
	return s.lib
}

// Acquire registers one more connection
func (s *ContextService) Acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.metrics.setConnections(s.count)
}

// Release unregisters a connection and destroys the context when none remain
func (s *ContextService) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count--
	if s.count > 0 {
		s.metrics.setConnections(s.count)
		return
	}
	s.count = 0
	s.metrics.setConnections(0)

	if s.created {
		s.lib.DestroyContext()
		s.created = false
		s.metrics.setContexts(0)
		s.log.Debug("client context destroyed")
	}
}

// Establish creates the client context and registers the exception handler,
// unless a context already exists. It returns the creation status.
func (s *ContextService) Establish(handler ExceptionCallback, arg any) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.created {
		return StatusNormal
	}

	s.status = s.lib.CreateContext(true)
	if s.status != StatusNormal {
		s.log.Error("client context creation failed", zap.Stringer("status", s.status))
		return s.status
	}
	s.created = true
	s.metrics.setContexts(1)

	if handler != nil {
		if st := s.lib.AddExceptionEvent(handler, arg); st != StatusNormal {
			s.log.Warn("exception handler registration failed", zap.Stringer("status", st))
		}
	}
	s.log.Debug("client context created")
	return StatusNormal
}

// Count returns the number of acquired connections
func (s *ContextService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Active reports whether the client context currently exists
func (s *ContextService) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

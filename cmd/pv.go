// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Thermoquad/calink/pkg/ca"
)

// pvSession shares one client context between the PVs of a command
type pvSession struct {
	lib   *library
	svc   *ca.ContextService
	reg   *ca.Registry
	conns []*ca.Connection
}

func openSession(ctx context.Context) (*pvSession, error) {
	lib, err := openLibrary(ctx)
	if err != nil {
		return nil, err
	}
	log := logger.Named("ca")
	return &pvSession{
		lib: lib,
		svc: ca.NewContextService(lib, ca.WithLogger(log)),
		reg: ca.NewRegistry(),
	}, nil
}

// connect establishes the context and a channel to name, waiting up to the
// search timeout for the channel to connect. handler may be nil.
func (s *pvSession) connect(name string, handler ca.ConnectionHandler) (*ca.Connection, error) {
	c := ca.NewConnection(s.svc, name, ca.WithRegistry(s.reg), ca.WithLogger(logger.Named("ca")))
	c.SetTimeouts(cfg.Timeouts.Search, cfg.Timeouts.Read, cfg.Timeouts.Write)
	c.SetWriteWithCallback(cfg.WriteWithCallback)

	if r := c.EstablishContext(logException, nil); r != ca.ResultSuccess {
		c.Close()
		return nil, fmt.Errorf("%s: client context not available", name)
	}
	if r := c.EstablishChannel(handler, name, 0); r != ca.ResultSuccess {
		c.Close()
		return nil, fmt.Errorf("%s: channel creation failed", name)
	}
	if st := c.ChannelState(); st != ca.ChannelConnected {
		c.Close()
		return nil, fmt.Errorf("%s: %s after %v", name, st, cfg.Timeouts.Search)
	}
	c.SetChannelElementCount()
	c.SetLinkState(ca.LinkUp)

	s.conns = append(s.conns, c)
	return c, nil
}

// Close releases every connection; the last one destroys the context
func (s *pvSession) Close() {
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	s.lib.Close()
}

func logException(args ca.ExceptionArgs) {
	logger.Warn("channel access exception",
		zap.Stringer("status", args.Status),
		zap.String("context", args.Context),
		zap.Stringer("type", args.Type),
		zap.Uint32("count", args.Count))
}

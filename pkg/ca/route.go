// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ca

import "go.uber.org/zap"

// The callbacks handed to the library capture the registry and token, never
// the Connection. Each one resolves its owner under the registry lock and
// releases the lock before running handler code.

func connectionRoute(reg *Registry, tok Token, handler ConnectionHandler, m *Metrics, log *zap.Logger) ConnectionCallback {
	return func(ev ConnectionArgs) {
		reg.Lock()
		c := reg.Lookup(tok, ev.Channel)
		var parent any
		if c != nil {
			parent = c.parent
		}
		reg.Unlock()

		if c == nil {
			m.dropped("connection")
			log.Debug("dropped connection event for released connection", zap.Uint64("chid", uint64(ev.Channel)))
			return
		}
		if handler != nil {
			handler(parent, ev)
		}
	}
}

func eventRoute(reg *Registry, tok Token, kind string, handler EventHandler, args any, m *Metrics, log *zap.Logger) EventCallback {
	return func(ev EventArgs) {
		reg.Lock()
		c := reg.Lookup(tok, ev.Channel)
		var parent any
		if c != nil {
			parent = c.parent
		}
		reg.Unlock()

		if c == nil {
			m.dropped(kind)
			log.Debug("dropped event for released connection", zap.String("kind", kind))
			return
		}
		if handler != nil {
			ev.Arg = args
			handler(parent, ev)
		}
	}
}

// initialReadRoute completes the first phase of a subscription: it forwards
// the initial read to the subscriber, then creates the live subscription.
func initialReadRoute(reg *Registry, tok Token, m *Metrics, log *zap.Logger) EventCallback {
	return func(ev EventArgs) {
		reg.Lock()
		c := reg.Lookup(tok, ev.Channel)
		if c == nil || c.subscription.phase != phaseAwaitingInitialRead {
			reg.Unlock()
			m.dropped("subscription")
			return
		}
		sub := c.subscription
		parent := c.parent
		lib := c.lib
		ch := c.channel.id
		count := c.SubscribeElementCount()
		reg.Unlock()

		if sub.handler != nil {
			ev.Arg = sub.args
			sub.handler(parent, ev)
		}

		update := eventRoute(reg, tok, "subscription", sub.handler, sub.args, m, log)
		evid, st := lib.CreateSubscription(sub.updateType, count, ch, MaskValue|MaskAlarm, update, tok)

		reg.Lock()
		c = reg.Lookup(tok, ch)
		if c == nil || !c.channel.activated || c.channel.id != ch || c.subscription.phase != phaseAwaitingInitialRead {
			// The channel went away while the subscription was being created
			reg.Unlock()
			if st == StatusNormal && evid != 0 {
				lib.ClearSubscription(evid)
			}
			return
		}
		c.subscription.creation = st
		if st == StatusNormal {
			c.subscription.event = evid
			c.subscription.phase = phaseSubscribed
		} else {
			c.subscription.phase = phaseIdle
		}
		reg.Unlock()

		if st != StatusNormal {
			log.Warn("subscription creation failed", zap.Stringer("status", st))
			return
		}
		lib.Flush()
	}
}

// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package nev

import (
	"time"

	"nev/internal"
	"nev/pkg/logging"
)

// poller owns one epoll instance and the fd→Channel mapping for its loop.
// Every channel with a non-empty interest set is registered with epoll;
// an empty interest set means deregistered (channelDeleted) or never
// registered (channelNew). Level-triggered only.
type poller struct {
	loop     *EventLoop
	ep       *internal.Epoll
	channels map[int]*Channel
}

func newPoller(loop *EventLoop) (*poller, error) {
	ep, err := internal.OpenEpoll()
	if err != nil {
		return nil, err
	}
	return &poller{
		loop:     loop,
		ep:       ep,
		channels: make(map[int]*Channel),
	}, nil
}

// poll blocks for at most timeoutMs, fills active with the ready channels
// in poll-return order, and returns the instant just after wake. That
// timestamp is threaded through to every read callback of this cycle.
func (p *poller) poll(timeoutMs int, active *[]*Channel) time.Time {
	events, err := p.ep.Wait(timeoutMs)
	now := time.Now()
	if err != nil {
		logging.Errorf("poller wait: %v", err)
		return now
	}
	for i := range events {
		ch, ok := p.channels[int(events[i].Fd)]
		if !ok {
			continue
		}
		ch.setRevents(events[i].Events)
		*active = append(*active, ch)
	}
	return now
}

// updateChannel applies the channel's interest set to the epoll
// registration: new/deleted → add, added with empty interest → delete,
// otherwise modify. Idempotent for an unchanged interest set.
func (p *poller) updateChannel(ch *Channel) {
	p.loop.AssertInLoop()
	switch ch.state {
	case channelNew, channelDeleted:
		if ch.IsNoneEvent() {
			return
		}
		if ch.state == channelNew {
			p.channels[ch.fd] = ch
		}
		ch.state = channelAdded
		if err := p.ep.Add(ch.fd, ch.events); err != nil {
			logging.Errorf("epoll add fd=%d: %v", ch.fd, err)
		}
	case channelAdded:
		if ch.IsNoneEvent() {
			if err := p.ep.Del(ch.fd); err != nil {
				logging.Errorf("epoll del fd=%d: %v", ch.fd, err)
			}
			ch.state = channelDeleted
			return
		}
		if err := p.ep.Mod(ch.fd, ch.events); err != nil {
			logging.Errorf("epoll mod fd=%d: %v", ch.fd, err)
		}
	}
}

// removeChannel drops the channel from the map and, if still registered,
// from epoll. The interest set must be empty.
func (p *poller) removeChannel(ch *Channel) error {
	p.loop.AssertInLoop()
	if !ch.IsNoneEvent() {
		logging.Fatalf("poller: removing channel fd=%d with live interest %#x", ch.fd, ch.events)
	}
	delete(p.channels, ch.fd)
	var err error
	if ch.state == channelAdded {
		err = p.ep.Del(ch.fd)
	}
	ch.state = channelNew
	return err
}

func (p *poller) hasChannel(ch *Channel) bool {
	got, ok := p.channels[ch.fd]
	return ok && got == ch
}

func (p *poller) close() error {
	return p.ep.Close()
}

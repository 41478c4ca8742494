// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package nev

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"nev/pkg/logging"
)

// LoopPool owns a base loop plus N worker loops, each hosted by its own
// goroutine. New connections are distributed round-robin; a hash-keyed
// variant pins related work to a fixed loop. With zero workers everything
// runs on the base loop.
type LoopPool struct {
	baseLoop *EventLoop
	name     string
	started  bool
	numLoops int
	next     int
	loops    []*EventLoop
	group    errgroup.Group
}

func NewLoopPool(baseLoop *EventLoop, name string) *LoopPool {
	return &LoopPool{baseLoop: baseLoop, name: name}
}

// SetNumLoops sets the worker loop count; must precede Start.
func (p *LoopPool) SetNumLoops(n int) {
	p.numLoops = n
}

func (p *LoopPool) Name() string  { return p.name }
func (p *LoopPool) Started() bool { return p.started }

// Start spawns the worker goroutines. Each creates its loop, runs initCb
// on it if set, signals readiness, then enters its dispatch cycle. Start
// returns once every loop has signalled readiness; tasks queued to a loop
// that has not yet entered its dispatch cycle run once it does.
func (p *LoopPool) Start(initCb func(*EventLoop)) {
	p.baseLoop.AssertInLoop()
	if p.started {
		logging.Fatalf("loop pool %q started twice", p.name)
	}
	p.started = true

	for i := 0; i < p.numLoops; i++ {
		i := i
		ready := make(chan *EventLoop, 1)
		p.group.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("loop %s#%d: %v", p.name, i, r)
				}
			}()
			loop := NewEventLoop()
			if initCb != nil {
				initCb(loop)
			}
			ready <- loop
			loop.Loop()
			return nil
		})
		p.loops = append(p.loops, <-ready)
	}
	if p.numLoops == 0 && initCb != nil {
		initCb(p.baseLoop)
	}
}

// GetNextLoop hands out worker loops round-robin, or the base loop when
// there are no workers. Called from the base loop.
func (p *LoopPool) GetNextLoop() *EventLoop {
	p.baseLoop.AssertInLoop()
	if !p.started {
		logging.Fatalf("loop pool %q not started", p.name)
	}
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	loop := p.loops[p.next]
	p.next++
	if p.next >= len(p.loops) {
		p.next = 0
	}
	return loop
}

// GetLoopForHash maps a caller-provided hash to a fixed loop, giving
// same-key affinity across connections.
func (p *LoopPool) GetLoopForHash(hash uint64) *EventLoop {
	p.baseLoop.AssertInLoop()
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	return p.loops[hash%uint64(len(p.loops))]
}

// AllLoops returns the worker loops, or the base loop when there are none.
func (p *LoopPool) AllLoops() []*EventLoop {
	p.baseLoop.AssertInLoop()
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return append([]*EventLoop(nil), p.loops...)
}

// Stop quits every worker loop and joins their goroutines, reporting a
// worker panic as an error. The base loop is left to its owner.
func (p *LoopPool) Stop() error {
	for _, loop := range p.loops {
		loop.Quit()
	}
	return p.group.Wait()
}

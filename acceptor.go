// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package nev

import (
	"net"
	"os"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"nev/pkg/logging"
)

// Acceptor wraps a listening socket and its channel on the base loop.
// Each ready-read drains the pending connection backlog and hands every
// (fd, peer address) pair to the new-connection callback.
type Acceptor struct {
	loop          *EventLoop
	acceptSocket  socket
	acceptChannel *Channel
	listening     bool
	bound         bool // reuseport listeners arrive already bound+listening

	// idleFd is a placeholder descriptor sacrificed to make progress
	// when accept hits the process fd limit.
	idleFd int

	// reuseport path keeps the stdlib listener and its dup'd file alive
	// so the fd stays valid.
	ln net.Listener
	f  *os.File

	newConnectionCallback func(fd int, peerAddr InetAddr)
}

const idleFdPath = "/dev/null"

// NewAcceptor creates the listen socket, enables address reuse, binds, and
// pre-opens the idle fd. Listen must still be called to start accepting.
func NewAcceptor(loop *EventLoop, listenAddr InetAddr, reusePort bool) (*Acceptor, error) {
	a := &Acceptor{loop: loop, idleFd: -1}

	idle, err := unix.Open(idleFdPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open idle fd")
	}
	a.idleFd = idle

	if reusePort {
		// reuseport listener, then detach its fd the same way a stdlib
		// listener is handed to an event loop
		ln, err := reuseport.Listen("tcp", listenAddr.String())
		if err != nil {
			unix.Close(idle)
			return nil, errors.Wrapf(err, "reuseport listen %s", listenAddr)
		}
		f, err := ln.(*net.TCPListener).File()
		if err != nil {
			ln.Close()
			unix.Close(idle)
			return nil, errors.Wrap(err, "listener file")
		}
		// f.Fd() switches the descriptor to blocking mode on every call,
		// so take it once and make it nonblocking afterwards
		fd := int(f.Fd())
		if err := unix.SetNonblock(fd, true); err != nil {
			f.Close()
			ln.Close()
			unix.Close(idle)
			return nil, os.NewSyscallError("setnonblock", err)
		}
		a.ln, a.f = ln, f
		a.acceptSocket = socket{fd: fd}
		a.bound = true
	} else {
		fd, err := createNonblockingSocket(listenAddr.family())
		if err != nil {
			unix.Close(idle)
			return nil, err
		}
		a.acceptSocket = socket{fd: fd}
		if err := a.acceptSocket.setReuseAddr(true); err != nil {
			a.acceptSocket.close()
			unix.Close(idle)
			return nil, os.NewSyscallError("setsockopt", err)
		}
		if err := a.acceptSocket.bindAddress(listenAddr); err != nil {
			a.acceptSocket.close()
			unix.Close(idle)
			return nil, err
		}
	}

	a.acceptChannel = NewChannel(loop, a.acceptSocket.fd)
	a.acceptChannel.SetReadCallback(a.handleRead)
	return a, nil
}

func (a *Acceptor) SetNewConnectionCallback(cb func(fd int, peerAddr InetAddr)) {
	a.newConnectionCallback = cb
}

func (a *Acceptor) Listening() bool { return a.listening }

// ListenAddr reports the bound address, with the kernel-chosen port when
// the caller bound port 0.
func (a *Acceptor) ListenAddr() InetAddr {
	return localAddrOf(a.acceptSocket.fd)
}

// Listen starts accepting. Must run on the base loop.
func (a *Acceptor) Listen() error {
	a.loop.AssertInLoop()
	if !a.bound {
		if err := a.acceptSocket.listen(); err != nil {
			return err
		}
		a.bound = true
	}
	a.listening = true
	a.acceptChannel.EnableReading()
	return nil
}

// handleRead drains the backlog: level triggering would re-fire anyway,
// but accepting in a loop saves a poll round trip per connection.
func (a *Acceptor) handleRead(time.Time) {
	a.loop.AssertInLoop()
	for {
		connFd, peerAddr, err := a.acceptSocket.accept()
		if err == nil {
			if a.newConnectionCallback != nil {
				a.newConnectionCallback(connFd, peerAddr)
			} else {
				unix.Close(connFd)
			}
			continue
		}
		switch err {
		case unix.EAGAIN:
			return
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EMFILE:
			a.recoverFromFdExhaustion()
			return
		default:
			logging.Errorf("acceptor: accept: %v", os.NewSyscallError("accept4", err))
			return
		}
	}
}

// recoverFromFdExhaustion frees the idle fd, accepts one pending
// connection so the level-triggered readiness is drained, closes it, and
// re-opens the idle fd. Forward progress instead of a busy loop.
func (a *Acceptor) recoverFromFdExhaustion() {
	logging.Warnf("acceptor: fd exhausted, shedding one connection")
	unix.Close(a.idleFd)
	fd, _, err := unix.Accept(a.acceptSocket.fd)
	if err == nil {
		unix.Close(fd)
	}
	a.idleFd, err = unix.Open(idleFdPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		logging.Errorf("acceptor: reopen idle fd: %v", err)
		a.idleFd = -1
	}
}

// Close releases the listen socket and idle fd. Must run on the base loop.
func (a *Acceptor) Close() {
	a.loop.AssertInLoop()
	a.listening = false
	a.acceptChannel.DisableAll()
	if err := a.acceptChannel.Remove(); err != nil {
		logging.Errorf("acceptor: remove channel: %v", err)
	}
	if a.f != nil {
		a.f.Close()
		a.ln.Close()
	} else {
		a.acceptSocket.close()
	}
	if a.idleFd >= 0 {
		unix.Close(a.idleFd)
	}
}

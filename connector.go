// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package nev

import (
	"os"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"nev/pkg/logging"
)

// Connector retry policy: exponential backoff, doubled per failure.
const (
	InitRetryDelay = 500 * time.Millisecond
	MaxRetryDelay  = 30 * time.Second
)

// connector states
const (
	connectorDisconnected int32 = iota
	connectorConnecting
	connectorConnected
)

// Connector drives an active connect as a state machine over a
// nonblocking connect plus write readiness. The connect verdict is read
// from SO_ERROR once the fd turns writable; transient failures retry with
// exponential backoff.
type Connector struct {
	loop       *EventLoop
	serverAddr InetAddr

	connect atomic.Bool
	state   atomic.Int32

	// loop-affine state
	channel    *Channel
	initDelay  time.Duration
	maxDelay   time.Duration
	retryDelay time.Duration
	retryTimer TimerID
	retryArmed bool

	newConnectionCallback func(fd int)
}

func NewConnector(loop *EventLoop, serverAddr InetAddr) *Connector {
	return &Connector{
		loop:       loop,
		serverAddr: serverAddr,
		initDelay:  InitRetryDelay,
		maxDelay:   MaxRetryDelay,
		retryDelay: InitRetryDelay,
	}
}

// SetRetryDelayRange overrides the backoff bounds; call before Start.
func (c *Connector) SetRetryDelayRange(init, max time.Duration) {
	c.initDelay = init
	c.maxDelay = max
	c.retryDelay = init
}

func (c *Connector) SetNewConnectionCallback(cb func(fd int)) {
	c.newConnectionCallback = cb
}

func (c *Connector) ServerAddr() InetAddr { return c.serverAddr }

// Start begins connecting. Safe to call from any goroutine.
func (c *Connector) Start() {
	c.connect.Store(true)
	c.loop.RunInLoop(c.startInLoop)
}

func (c *Connector) startInLoop() {
	c.loop.AssertInLoop()
	if c.state.Load() != connectorDisconnected {
		logging.Fatalf("connector: startInLoop in state %d", c.state.Load())
	}
	if !c.connect.Load() {
		logging.Debugf("connector: do not connect")
		return
	}
	c.connectInLoop()
}

// Stop cancels both a pending scheduled retry and the in-flight connect;
// the underlying fd is closed. Safe to call from any goroutine.
func (c *Connector) Stop() {
	c.connect.Store(false)
	c.loop.QueueInLoop(c.stopInLoop)
}

func (c *Connector) stopInLoop() {
	c.loop.AssertInLoop()
	if c.retryArmed {
		c.loop.Cancel(c.retryTimer)
		c.retryArmed = false
	}
	if c.state.CompareAndSwap(connectorConnecting, connectorDisconnected) {
		fd := c.removeAndResetChannel()
		unix.Close(fd)
	}
}

// Restart resets the backoff to its initial delay and reconnects.
// Must run on the loop.
func (c *Connector) Restart() {
	c.loop.AssertInLoop()
	c.state.Store(connectorDisconnected)
	c.retryDelay = c.initDelay
	c.connect.Store(true)
	c.startInLoop()
}

func (c *Connector) connectInLoop() {
	fd, err := createNonblockingSocket(c.serverAddr.family())
	if err != nil {
		logging.Errorf("connector: %v", err)
		return
	}
	sa, err := c.serverAddr.sockaddr()
	if err != nil {
		unix.Close(fd)
		logging.Errorf("connector: %v", err)
		return
	}

	switch err := unix.Connect(fd, sa); err {
	case nil, unix.EINPROGRESS, unix.EINTR, unix.EISCONN:
		// EISCONN at submission means connected immediately; it still
		// resolves through the writability path like any other connect
		c.connecting(fd)

	case unix.EAGAIN, unix.EADDRINUSE, unix.EADDRNOTAVAIL, unix.ECONNREFUSED, unix.ENETUNREACH:
		c.retry(fd)

	case unix.EACCES, unix.EPERM, unix.EAFNOSUPPORT, unix.EALREADY, unix.EBADF, unix.EFAULT, unix.ENOTSOCK:
		logging.Errorf("connector: connect %s: %v", c.serverAddr, os.NewSyscallError("connect", err))
		unix.Close(fd)

	default:
		logging.Errorf("connector: unexpected connect error to %s: %v", c.serverAddr, os.NewSyscallError("connect", err))
		unix.Close(fd)
	}
}

// connecting arms a fresh channel for write readiness; the connect
// outcome arrives as a writable (or error) event.
func (c *Connector) connecting(fd int) {
	c.state.Store(connectorConnecting)
	if c.channel != nil {
		logging.Fatalf("connector: channel already exists")
	}
	c.channel = NewChannel(c.loop, fd)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetErrorCallback(c.handleError)
	c.channel.EnableWriting()
}

// removeAndResetChannel detaches the channel from the poller and returns
// its fd. The channel object itself is dropped on a later queue pass
// because we may be inside its own handler.
func (c *Connector) removeAndResetChannel() int {
	c.channel.DisableAll()
	if err := c.channel.Remove(); err != nil {
		logging.Errorf("connector: remove channel: %v", err)
	}
	fd := c.channel.Fd()
	c.loop.QueueInLoop(func() { c.channel = nil })
	return fd
}

func (c *Connector) handleWrite() {
	logging.Debugf("connector: handleWrite state=%d", c.state.Load())
	if c.state.Load() != connectorConnecting {
		return
	}
	fd := c.removeAndResetChannel()
	// writable does not imply connected: consult SO_ERROR
	if errno := getSocketError(fd); errno != 0 {
		logging.Warnf("connector: SO_ERROR=%v connecting to %s", errno, c.serverAddr)
		c.retry(fd)
		return
	}
	if isSelfConnect(fd) {
		logging.Warnf("connector: self connect on %s, retrying", c.serverAddr)
		c.retry(fd)
		return
	}
	c.state.Store(connectorConnected)
	if c.connect.Load() {
		if c.newConnectionCallback != nil {
			c.newConnectionCallback(fd)
		} else {
			unix.Close(fd)
		}
	} else {
		unix.Close(fd)
	}
}

func (c *Connector) handleError() {
	logging.Errorf("connector: error state=%d", c.state.Load())
	if c.state.Load() != connectorConnecting {
		return
	}
	fd := c.removeAndResetChannel()
	logging.Debugf("connector: SO_ERROR=%v", getSocketError(fd))
	c.retry(fd)
}

// retry closes the failed fd and schedules the next attempt, doubling the
// delay up to the cap.
func (c *Connector) retry(fd int) {
	unix.Close(fd)
	c.state.Store(connectorDisconnected)
	if !c.connect.Load() {
		logging.Debugf("connector: do not connect")
		return
	}
	logging.Infof("connector: retry connecting to %s in %v", c.serverAddr, c.retryDelay)
	c.retryTimer = c.loop.RunAfter(c.retryDelay, func() {
		c.retryArmed = false
		if c.connect.Load() && c.state.Load() == connectorDisconnected {
			c.connectInLoop()
		}
	})
	c.retryArmed = true
	c.retryDelay *= 2
	if c.retryDelay > c.maxDelay {
		c.retryDelay = c.maxDelay
	}
}

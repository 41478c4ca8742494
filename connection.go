// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package nev

import (
	"runtime/debug"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"nev/internal"
	"nev/pkg/logging"
)

// DefaultHighWaterMark is the output-buffer size that triggers the
// high-water-mark callback unless the connection overrides it.
const DefaultHighWaterMark = 64 * 1024 * 1024

// Callback surface of an established connection.
type (
	// ConnectionCallback fires on establishment and on teardown;
	// inspect conn.Connected() to tell which.
	ConnectionCallback func(conn *TcpConn)
	// MessageCallback fires on every read that produced bytes. The
	// callback consumes what it processes from buf.
	MessageCallback func(conn *TcpConn, buf *Buffer, receiveTime time.Time)
	// WriteCompleteCallback fires when the output buffer empties after
	// having been non-empty.
	WriteCompleteCallback func(conn *TcpConn)
	// HighWaterMarkCallback fires when a send pushes the output buffer
	// across the configured threshold, once per upward crossing.
	HighWaterMarkCallback func(conn *TcpConn, size int)
	// CloseCallback is internal: the owner deregisters the connection.
	CloseCallback func(conn *TcpConn)
)

// connection states
const (
	stateDisconnected int32 = iota
	stateConnecting
	stateConnected
	stateDisconnecting
)

// TcpConn is an established TCP socket pinned to one I/O loop, with input
// and output buffers, half-close, and write backpressure. Send is safe
// from any goroutine; everything else that mutates the connection runs on
// its loop.
type TcpConn struct {
	loop *EventLoop
	name string

	state     atomic.Int32
	reading   bool
	destroyed bool

	sock    socket
	channel *Channel

	localAddr InetAddr
	peerAddr  InetAddr

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback
	highWaterMark         int

	inputBuffer  *Buffer
	outputBuffer *Buffer

	context interface{}
}

func newTcpConn(loop *EventLoop, name string, fd int, localAddr, peerAddr InetAddr) *TcpConn {
	c := &TcpConn{
		loop:          loop,
		name:          name,
		sock:          socket{fd: fd},
		channel:       NewChannel(loop, fd),
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		highWaterMark: DefaultHighWaterMark,
		inputBuffer:   NewBuffer(),
		outputBuffer:  NewBuffer(),
	}
	c.state.Store(stateConnecting)
	c.reading = true
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	if err := c.sock.setKeepAlive(true); err != nil {
		logging.Warnf("%s: set keepalive: %v", name, err)
	}
	logging.Debugf("TcpConn ctor [%s] fd=%d", name, fd)
	return c
}

func (c *TcpConn) Loop() *EventLoop    { return c.loop }
func (c *TcpConn) Name() string        { return c.name }
func (c *TcpConn) LocalAddr() InetAddr { return c.localAddr }
func (c *TcpConn) PeerAddr() InetAddr  { return c.peerAddr }

func (c *TcpConn) Connected() bool    { return c.state.Load() == stateConnected }
func (c *TcpConn) Disconnected() bool { return c.state.Load() == stateDisconnected }

func (c *TcpConn) SetContext(ctx interface{}) { c.context = ctx }
func (c *TcpConn) Context() interface{}       { return c.context }

// InputBuffer is the readable inbound data; owned by the loop goroutine.
func (c *TcpConn) InputBuffer() *Buffer { return c.inputBuffer }

// OutputBuffer is the not-yet-written outbound data; owned by the loop
// goroutine.
func (c *TcpConn) OutputBuffer() *Buffer { return c.outputBuffer }

func (c *TcpConn) SetConnectionCallback(cb ConnectionCallback)       { c.connectionCallback = cb }
func (c *TcpConn) SetMessageCallback(cb MessageCallback)             { c.messageCallback = cb }
func (c *TcpConn) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }
func (c *TcpConn) setCloseCallback(cb CloseCallback)                 { c.closeCallback = cb }

// SetHighWaterMarkCallback also sets the threshold it fires at.
func (c *TcpConn) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}

func (c *TcpConn) SetTcpNoDelay(on bool) {
	if err := c.sock.setTcpNoDelay(on); err != nil {
		logging.Warnf("%s: set nodelay: %v", c.name, err)
	}
}

// SetKeepAliveInterval tunes the probe idle/interval seconds.
func (c *TcpConn) SetKeepAliveInterval(secs int) {
	if err := internal.SetKeepAlive(c.sock.fd, secs); err != nil {
		logging.Warnf("%s: set keepalive interval: %v", c.name, err)
	}
}

// Send appends data for transmission. Safe from any goroutine; when
// called off-loop the bytes are copied before handing off.
func (c *TcpConn) Send(data []byte) {
	if c.state.Load() != stateConnected {
		return
	}
	if c.loop.IsInLoopGoroutine() {
		c.sendInLoop(data)
		return
	}
	buf := append([]byte(nil), data...)
	c.loop.RunInLoop(func() {
		c.sendInLoop(buf)
	})
}

// SendString is Send without the caller-side []byte conversion copy.
func (c *TcpConn) SendString(data string) {
	if c.state.Load() != stateConnected {
		return
	}
	if c.loop.IsInLoopGoroutine() {
		c.sendInLoop([]byte(data))
		return
	}
	c.loop.RunInLoop(func() {
		c.sendInLoop([]byte(data))
	})
}

// SendBuffer drains buf into the connection.
func (c *TcpConn) SendBuffer(buf *Buffer) {
	if c.state.Load() != stateConnected {
		return
	}
	if c.loop.IsInLoopGoroutine() {
		c.sendInLoop(buf.Peek())
		buf.RetrieveAll()
		return
	}
	data := buf.ReadAll()
	c.loop.RunInLoop(func() {
		c.sendInLoop(data)
	})
}

// sendInLoop writes directly when nothing is queued and write interest is
// not armed; any residual goes to the output buffer with write interest
// enabled. An upward high-water crossing fires the callback exactly once.
func (c *TcpConn) sendInLoop(data []byte) {
	c.loop.AssertInLoop()
	if c.state.Load() == stateDisconnected {
		logging.Warnf("%s: disconnected, give up writing", c.name)
		return
	}

	nwrote := 0
	remaining := len(data)
	faultError := false

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.sock.fd, data)
		if err == nil {
			nwrote = n
			remaining = len(data) - n
			if remaining == 0 && c.writeCompleteCallback != nil {
				c.loop.QueueInLoop(func() {
					c.protect(func() { c.writeCompleteCallback(c) })
				})
			}
		} else if err != unix.EAGAIN {
			logging.Errorf("%s: write: %v", c.name, err)
			if err == unix.EPIPE || err == unix.ECONNRESET {
				faultError = true
			}
		}
	}

	if !faultError && remaining > 0 {
		oldLen := c.outputBuffer.ReadableBytes()
		if oldLen+remaining >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
			size := oldLen + remaining
			c.loop.QueueInLoop(func() {
				c.protect(func() { c.highWaterMarkCallback(c, size) })
			})
		}
		c.outputBuffer.Append(data[nwrote:])
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
}

// Shutdown half-closes the write direction. While a write is still
// outstanding it only marks the connection Disconnecting; the half-close
// happens when the output buffer drains.
func (c *TcpConn) Shutdown() {
	if c.state.CompareAndSwap(stateConnected, stateDisconnecting) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TcpConn) shutdownInLoop() {
	c.loop.AssertInLoop()
	if !c.channel.IsWriting() {
		if err := c.sock.shutdownWrite(); err != nil {
			logging.Errorf("%s: shutdown write: %v", c.name, err)
		}
	}
}

// ForceClose tears the connection down unconditionally, preempting any
// deferred half-close.
func (c *TcpConn) ForceClose() {
	s := c.state.Load()
	if s == stateConnected || s == stateDisconnecting {
		c.state.Store(stateDisconnecting)
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

// ForceCloseWithDelay schedules a ForceClose through the timer queue.
func (c *TcpConn) ForceCloseWithDelay(d time.Duration) {
	s := c.state.Load()
	if s == stateConnected || s == stateDisconnecting {
		c.state.Store(stateDisconnecting)
		c.loop.RunAfter(d, c.ForceClose)
	}
}

func (c *TcpConn) forceCloseInLoop() {
	c.loop.AssertInLoop()
	s := c.state.Load()
	if s == stateConnected || s == stateDisconnecting {
		// as if we read 0 bytes
		c.handleClose()
	}
}

// StartRead re-enables read interest after a StopRead.
func (c *TcpConn) StartRead() {
	c.loop.RunInLoop(func() {
		c.loop.AssertInLoop()
		if !c.reading || !c.channel.IsReading() {
			c.channel.EnableReading()
			c.reading = true
		}
	})
}

// StopRead drops read interest: deliberate reader-side backpressure.
func (c *TcpConn) StopRead() {
	c.loop.RunInLoop(func() {
		c.loop.AssertInLoop()
		if c.reading || c.channel.IsReading() {
			c.channel.DisableReading()
			c.reading = false
		}
	})
}

// connectEstablished is called exactly once by the owner after the
// connection is registered with its loop.
func (c *TcpConn) connectEstablished() {
	c.loop.AssertInLoop()
	if !c.state.CompareAndSwap(stateConnecting, stateConnected) {
		logging.Fatalf("%s: connectEstablished in state %s", c.name, c.stateString())
	}
	c.channel.EnableReading()
	c.protect(func() { c.connectionCallback(c) })
}

// connectDestroyed is the symmetric teardown, called exactly once on the
// owning loop; the last method ever invoked on the connection.
func (c *TcpConn) connectDestroyed() {
	c.loop.AssertInLoop()
	if c.destroyed {
		return
	}
	c.destroyed = true
	if c.state.CompareAndSwap(stateConnected, stateDisconnected) {
		c.channel.DisableAll()
		c.protect(func() { c.connectionCallback(c) })
	}
	c.channel.DisableAll()
	err := multierr.Append(c.channel.Remove(), c.sock.close())
	if err != nil {
		logging.Errorf("%s: destroy: %v", c.name, err)
	}
}

// handleRead scatter-reads into the input buffer and hands the readable
// bytes to the message callback; a zero-length read is the peer's close.
func (c *TcpConn) handleRead(receiveTime time.Time) {
	c.loop.AssertInLoop()
	n, err := c.inputBuffer.ReadFd(c.sock.fd)
	switch {
	case err == unix.EAGAIN:
	case err != nil:
		logging.Errorf("%s: read: %v", c.name, err)
		c.handleError()
	case n == 0:
		c.handleClose()
	default:
		c.protect(func() { c.messageCallback(c, c.inputBuffer, receiveTime) })
	}
}

// handleWrite drains the output buffer on writability. When it empties:
// write interest off, write-complete queued, and a pending Shutdown
// completes its half-close.
func (c *TcpConn) handleWrite() {
	c.loop.AssertInLoop()
	if !c.channel.IsWriting() {
		logging.Debugf("%s: fd is down, no more writing", c.name)
		return
	}
	n, err := unix.Write(c.sock.fd, c.outputBuffer.Peek())
	if err != nil {
		if err != unix.EAGAIN {
			logging.Errorf("%s: write: %v", c.name, err)
		}
		return
	}
	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			c.loop.QueueInLoop(func() {
				c.protect(func() { c.writeCompleteCallback(c) })
			})
		}
		if c.state.Load() == stateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *TcpConn) handleClose() {
	c.loop.AssertInLoop()
	s := c.state.Load()
	if s != stateConnected && s != stateDisconnecting {
		logging.Fatalf("%s: handleClose in state %s", c.name, c.stateString())
	}
	c.state.Store(stateDisconnected)
	c.channel.DisableAll()

	c.protect(func() { c.connectionCallback(c) })
	// must be last: the owner may drop its final reference here
	c.closeCallback(c)
}

// handleError logs only; the terminal disposition arrives with the
// ensuing close event.
func (c *TcpConn) handleError() {
	logging.Errorf("%s: SO_ERROR=%v", c.name, getSocketError(c.sock.fd))
}

// protect confines a panicking user callback: log it, force-close the
// offending connection, keep the loop alive.
func (c *TcpConn) protect(f func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("%s: recovered panic in user callback: %v\n%s", c.name, r, debug.Stack())
			if s := c.state.Load(); s == stateConnected || s == stateDisconnecting {
				c.ForceClose()
			}
		}
	}()
	f()
}

func (c *TcpConn) stateString() string {
	switch c.state.Load() {
	case stateDisconnected:
		return "Disconnected"
	case stateConnecting:
		return "Connecting"
	case stateConnected:
		return "Connected"
	case stateDisconnecting:
		return "Disconnecting"
	}
	return "unknown"
}

func defaultConnectionCallback(conn *TcpConn) {
	state := "DOWN"
	if conn.Connected() {
		state = "UP"
	}
	logging.Debugf("%s -> %s is %s", conn.LocalAddr(), conn.PeerAddr(), state)
}

func defaultMessageCallback(_ *TcpConn, buf *Buffer, _ time.Time) {
	buf.RetrieveAll()
}

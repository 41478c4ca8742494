// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package nev

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"nev/pkg/logging"
)

// TcpClient drives one outbound connection through a Connector. With
// retry enabled, a lost connection re-enters the connector's backoff.
type TcpClient struct {
	loop      *EventLoop
	connector *Connector
	name      string

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback

	retry   atomic.Bool
	connect atomic.Bool

	// loop-affine
	nextConnID int

	mu         sync.Mutex
	connection *TcpConn
}

func NewTcpClient(loop *EventLoop, serverAddr InetAddr, name string) *TcpClient {
	c := &TcpClient{
		loop:               loop,
		connector:          NewConnector(loop, serverAddr),
		name:               name,
		connectionCallback: defaultConnectionCallback,
		messageCallback:    defaultMessageCallback,
		nextConnID:         1,
	}
	c.connector.SetNewConnectionCallback(c.newConnection)
	return c
}

func (c *TcpClient) Loop() *EventLoop { return c.loop }
func (c *TcpClient) Name() string     { return c.name }

// Connection returns the live connection, or nil while disconnected.
func (c *TcpClient) Connection() *TcpConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connection
}

func (c *TcpClient) Retry() bool { return c.retry.Load() }

// EnableRetry makes a dropped connection reconnect with fresh backoff.
func (c *TcpClient) EnableRetry() { c.retry.Store(true) }

func (c *TcpClient) SetConnectionCallback(cb ConnectionCallback)       { c.connectionCallback = cb }
func (c *TcpClient) SetMessageCallback(cb MessageCallback)             { c.messageCallback = cb }
func (c *TcpClient) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }

// Connect starts the connector. Safe from any goroutine.
func (c *TcpClient) Connect() {
	logging.Infof("TcpClient[%s] connecting to %s", c.name, c.connector.ServerAddr())
	c.connect.Store(true)
	c.connector.Start()
}

// Disconnect half-closes the established connection, letting in-flight
// output drain first.
func (c *TcpClient) Disconnect() {
	c.connect.Store(false)
	c.mu.Lock()
	conn := c.connection
	c.mu.Unlock()
	if conn != nil {
		conn.Shutdown()
	}
}

// Stop cancels the connector: pending retries and the in-flight connect.
func (c *TcpClient) Stop() {
	c.connect.Store(false)
	c.connector.Stop()
}

// newConnection runs on the loop once the connector yields a healthy fd.
func (c *TcpClient) newConnection(fd int) {
	c.loop.AssertInLoop()
	peerAddr := peerAddrOf(fd)
	connName := fmt.Sprintf("%s-%s#%d", c.name, peerAddr, c.nextConnID)
	c.nextConnID++

	conn := newTcpConn(c.loop, connName, fd, localAddrOf(fd), peerAddr)
	conn.SetConnectionCallback(c.connectionCallback)
	conn.SetMessageCallback(c.messageCallback)
	conn.SetWriteCompleteCallback(c.writeCompleteCallback)
	conn.setCloseCallback(c.removeConnection)

	c.mu.Lock()
	c.connection = conn
	c.mu.Unlock()

	conn.connectEstablished()
}

func (c *TcpClient) removeConnection(conn *TcpConn) {
	c.loop.AssertInLoop()
	c.mu.Lock()
	c.connection = nil
	c.mu.Unlock()

	c.loop.QueueInLoop(conn.connectDestroyed)
	if c.retry.Load() && c.connect.Load() {
		logging.Infof("TcpClient[%s] reconnecting to %s", c.name, c.connector.ServerAddr())
		c.connector.Restart()
	}
}

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

// TcpServer accepts on the base loop and pins each new connection to an
// I/O loop chosen round-robin from its pool. It owns every live
// connection, keyed by name, until the close callback deregisters it.
type TcpServer struct {
	loop     *EventLoop // base loop, owns the acceptor
	ipPort   string
	name     string
	acceptor *Acceptor
	pool     *LoopPool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	loopInitCallback      func(*EventLoop)

	started atomic.Int32

	// base-loop state
	nextConnID  int
	connections map[string]*TcpConn
}

// NewTcpServer binds listenAddr on loop. reusePort allows multiple
// processes to share the port.
func NewTcpServer(loop *EventLoop, listenAddr InetAddr, name string, reusePort bool) (*TcpServer, error) {
	acceptor, err := NewAcceptor(loop, listenAddr, reusePort)
	if err != nil {
		return nil, err
	}
	s := &TcpServer{
		loop:               loop,
		ipPort:             listenAddr.String(),
		name:               name,
		acceptor:           acceptor,
		pool:               NewLoopPool(loop, name),
		connectionCallback: defaultConnectionCallback,
		messageCallback:    defaultMessageCallback,
		nextConnID:         1,
		connections:        make(map[string]*TcpConn),
	}
	acceptor.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

func (s *TcpServer) Name() string     { return s.name }
func (s *TcpServer) IPPort() string   { return s.ipPort }
func (s *TcpServer) Loop() *EventLoop { return s.loop }
func (s *TcpServer) Pool() *LoopPool  { return s.pool }

// ListenAddr reports the bound address, useful when binding port 0.
func (s *TcpServer) ListenAddr() InetAddr { return s.acceptor.ListenAddr() }

// SetNumLoops sets how many I/O loops serve connections; 0 keeps
// everything on the base loop. Must precede Start.
func (s *TcpServer) SetNumLoops(n int) {
	if n < 0 {
		logging.Fatalf("TcpServer[%s]: negative loop count %d", s.name, n)
	}
	s.pool.SetNumLoops(n)
}

// SetLoopInitCallback runs once on each I/O loop before it dispatches.
func (s *TcpServer) SetLoopInitCallback(cb func(*EventLoop)) { s.loopInitCallback = cb }

func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback)       { s.connectionCallback = cb }
func (s *TcpServer) SetMessageCallback(cb MessageCallback)             { s.messageCallback = cb }
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }

// Start spawns the loop pool and begins listening. Idempotent and safe
// from any goroutine; the first call returns once the acceptor listens.
func (s *TcpServer) Start() {
	if s.started.CompareAndSwap(0, 1) {
		done := make(chan struct{})
		s.loop.RunInLoop(func() {
			defer close(done)
			s.pool.Start(s.loopInitCallback)
			if s.acceptor.Listening() {
				return
			}
			if err := s.acceptor.Listen(); err != nil {
				logging.Fatalf("TcpServer[%s]: %v", s.name, err)
			}
			logging.Infof("TcpServer[%s] listening on %s", s.name, s.ListenAddr())
		})
		<-done
	}
}

// Stop closes the acceptor and destroys every live connection, then joins
// the I/O loops. Safe from any goroutine; returns after the loops exit.
func (s *TcpServer) Stop() {
	done := make(chan struct{})
	s.loop.RunInLoop(func() {
		s.acceptor.Close()
		conns := s.connections
		s.connections = make(map[string]*TcpConn)
		var wg sync.WaitGroup
		for _, conn := range conns {
			c := conn
			wg.Add(1)
			c.Loop().RunInLoop(func() {
				c.connectDestroyed()
				wg.Done()
			})
		}
		wg.Wait()
		close(done)
	})
	<-done
	if err := s.pool.Stop(); err != nil {
		logging.Errorf("TcpServer[%s]: pool stop: %v", s.name, err)
	}
}

// NumConnections counts live connections; base loop only.
func (s *TcpServer) NumConnections() int {
	s.loop.AssertInLoop()
	return len(s.connections)
}

// newConnection runs on the base loop for every accepted fd: pick an I/O
// loop, build the connection, register it, and establish it over there.
func (s *TcpServer) newConnection(fd int, peerAddr InetAddr) {
	s.loop.AssertInLoop()
	ioLoop := s.pool.GetNextLoop()
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.ipPort, s.nextConnID)
	s.nextConnID++

	logging.Infof("TcpServer[%s] new connection [%s] from %s", s.name, connName, peerAddr)

	conn := newTcpConn(ioLoop, connName, fd, localAddrOf(fd), peerAddr)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.setCloseCallback(s.removeConnection)
	s.connections[connName] = conn

	ioLoop.RunInLoop(conn.connectEstablished)
}

// removeConnection arrives on the connection's I/O loop; deregistration
// bounces to the base loop, destruction back to the I/O loop.
func (s *TcpServer) removeConnection(conn *TcpConn) {
	s.loop.RunInLoop(func() {
		s.removeConnectionInLoop(conn)
	})
}

func (s *TcpServer) removeConnectionInLoop(conn *TcpConn) {
	s.loop.AssertInLoop()
	logging.Infof("TcpServer[%s] remove connection [%s]", s.name, conn.Name())
	delete(s.connections, conn.Name())
	conn.Loop().QueueInLoop(conn.connectDestroyed)
}

// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package nev

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConnectionAccessor(t *testing.T) {
	srv, stop := startEchoServer(t, NewInetAddr("127.0.0.1", 0), 0)
	defer stop()

	loop, join := startLoop(t)
	defer join()

	addr, err := ResolveInetAddr(srv.ListenAddr().String())
	require.NoError(t, err)
	client := NewTcpClient(loop, addr, "acc")
	assert.Nil(t, client.Connection())

	up := make(chan struct{}, 1)
	down := make(chan struct{}, 1)
	client.SetConnectionCallback(func(conn *TcpConn) {
		if conn.Connected() {
			up <- struct{}{}
		} else {
			down <- struct{}{}
		}
	})
	client.Connect()

	select {
	case <-up:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not connect")
	}
	conn := client.Connection()
	require.NotNil(t, conn)
	assert.True(t, conn.Connected())
	assert.Equal(t, addr.String(), conn.PeerAddr().String())

	client.Disconnect()
	select {
	case <-down:
	case <-time.After(time.Second):
		t.Fatal("client did not observe disconnect")
	}
	assert.Nil(t, client.Connection())
}

func TestClientRetryReconnects(t *testing.T) {
	loop, join := startLoop(t)
	defer join()
	srv, err := NewTcpServer(loop, NewInetAddr("127.0.0.1", 0), "flaky", false)
	require.NoError(t, err)

	var serverConns int32
	srv.SetConnectionCallback(func(conn *TcpConn) {
		if conn.Connected() {
			// kick the first connection out; the retrying client comes back
			if atomic.AddInt32(&serverConns, 1) == 1 {
				conn.ForceClose()
			}
		}
	})
	srv.Start()
	defer srv.Stop()

	clientLoop, cjoin := startLoop(t)
	defer cjoin()

	addr, err := ResolveInetAddr(srv.ListenAddr().String())
	require.NoError(t, err)
	client := NewTcpClient(clientLoop, addr, "retrycli")
	client.EnableRetry()
	assert.True(t, client.Retry())

	ups := make(chan struct{}, 4)
	client.SetConnectionCallback(func(conn *TcpConn) {
		if conn.Connected() {
			ups <- struct{}{}
		}
	})
	client.Connect()

	for i := 0; i < 2; i++ {
		select {
		case <-ups:
		case <-time.After(10 * time.Second):
			t.Fatalf("connection %d did not arrive", i+1)
		}
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&serverConns), int32(2))

	client.Stop()
}

// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package nev

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"nev/pkg/logging"
)

// createNonblockingSocket opens a TCP socket with nonblock and cloexec
// already set, so no fd is ever observed in blocking mode.
func createNonblockingSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

// socket wraps an fd with the lifecycle ops the acceptor and connections
// need. It owns the fd; close releases it.
type socket struct {
	fd int
}

func (s socket) bindAddress(addr InetAddr) error {
	sa, err := addr.sockaddr()
	if err != nil {
		return err
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return errors.Wrapf(os.NewSyscallError("bind", err), "bind %s", addr)
	}
	return nil
}

func (s socket) listen() error {
	if err := unix.Listen(s.fd, unix.SOMAXCONN); err != nil {
		return errors.Wrap(os.NewSyscallError("listen", err), "listen")
	}
	return nil
}

// accept returns a connected fd that is already nonblocking and cloexec.
func (s socket) accept() (int, InetAddr, error) {
	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, InetAddr{}, err
	}
	return nfd, inetAddrFromSockaddr(sa), nil
}

func (s socket) setReuseAddr(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolOpt(on))
}

func (s socket) setReusePort(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolOpt(on))
}

func (s socket) setKeepAlive(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolOpt(on))
}

func (s socket) setTcpNoDelay(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolOpt(on))
}

// shutdownWrite half-closes the socket: the peer reads EOF after draining
// but may keep sending to us.
func (s socket) shutdownWrite() error {
	if err := unix.Shutdown(s.fd, unix.SHUT_WR); err != nil {
		return os.NewSyscallError("shutdown", err)
	}
	return nil
}

func (s socket) close() error {
	if err := unix.Close(s.fd); err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}

func boolOpt(on bool) int {
	if on {
		return 1
	}
	return 0
}

// getSocketError reads and clears SO_ERROR; the definitive verdict of a
// nonblocking connect once the fd turns writable.
func getSocketError(fd int) unix.Errno {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return errno
		}
		logging.Errorf("getsockopt SO_ERROR fd=%d: %v", fd, err)
		return unix.EINVAL
	}
	return unix.Errno(v)
}

func localAddrOf(fd int) InetAddr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		logging.Errorf("getsockname fd=%d: %v", fd, err)
		return InetAddr{}
	}
	return inetAddrFromSockaddr(sa)
}

func peerAddrOf(fd int) InetAddr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		logging.Errorf("getpeername fd=%d: %v", fd, err)
		return InetAddr{}
	}
	return inetAddrFromSockaddr(sa)
}

// isSelfConnect detects the loopback anomaly where a nonblocking connect
// from an ephemeral port lands on itself.
func isSelfConnect(fd int) bool {
	local, peer := localAddrOf(fd), peerAddrOf(fd)
	return local.port == peer.port && local.ip.Equal(peer.ip)
}

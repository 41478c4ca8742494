// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package nev

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"nev/internal"
)

// InetAddr is an immutable TCP endpoint address.
type InetAddr struct {
	ip   net.IP
	port int
}

// NewInetAddr builds an address from a numeric IP (empty means any) and port.
func NewInetAddr(ip string, port int) InetAddr {
	if ip == "" {
		return InetAddr{ip: net.IPv4zero, port: port}
	}
	return InetAddr{ip: net.ParseIP(ip), port: port}
}

// ResolveInetAddr translates "host:port" to an address, resolving the host
// if it is not numeric.
func ResolveInetAddr(hostport string) (InetAddr, error) {
	addr, err := net.ResolveTCPAddr("tcp", hostport)
	if err != nil {
		return InetAddr{}, errors.Wrapf(err, "resolve %q", hostport)
	}
	ip := addr.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	return InetAddr{ip: ip, port: addr.Port}, nil
}

func inetAddrFromNetAddr(a net.Addr) InetAddr {
	if ta, ok := a.(*net.TCPAddr); ok && ta != nil {
		return InetAddr{ip: ta.IP, port: ta.Port}
	}
	return InetAddr{ip: net.IPv4zero}
}

func inetAddrFromSockaddr(sa unix.Sockaddr) InetAddr {
	return inetAddrFromNetAddr(internal.SockaddrToAddr(sa))
}

// IP returns the numeric IP view.
func (a InetAddr) IP() string {
	if a.ip == nil {
		return "0.0.0.0"
	}
	return a.ip.String()
}

// Port returns the port view.
func (a InetAddr) Port() int {
	return a.port
}

// String renders "ip:port".
func (a InetAddr) String() string {
	return net.JoinHostPort(a.IP(), strconv.Itoa(a.port))
}

func (a InetAddr) family() int {
	if a.ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func (a InetAddr) sockaddr() (unix.Sockaddr, error) {
	if ip4 := a.ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: a.port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	if ip6 := a.ip.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: a.port}
		copy(sa.Addr[:], ip6)
		return sa, nil
	}
	return nil, errors.Errorf("bad address %q", a.String())
}

// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package nev is a multi-loop, level-triggered TCP reactor for Linux.
//
// One goroutine hosts one EventLoop; each loop multiplexes its sockets,
// timers, and cross-goroutine task submissions over a single epoll
// instance. A TcpServer accepts on a base loop and pins every connection
// to an I/O loop chosen round-robin from a LoopPool; a TcpClient drives an
// outbound connection through a backoff-retrying Connector. Applications
// react through per-connection callbacks (connection up/down, message,
// write complete, high-water mark) and must never block inside them: use
// RunAfter or RunInLoop to schedule continuations instead.
package nev

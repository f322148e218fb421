// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"sync"
	"time"
)

var _ net.Conn = (*DataChannelConn)(nil)

// DataChannelConn presents a detached data channel as a net.Conn. SCTP
// delivers the channel as an ordered, reliable byte stream, so the
// line framing above it behaves exactly as it would over TCP.
//
// Deadlines are coarse: when one expires the channel is closed, which
// fails any blocked Read or Write. The conn is unusable afterwards.
type DataChannelConn struct {
	channel io.ReadWriteCloser
	local   string
	remote  string

	mu         sync.Mutex
	readTimer  *time.Timer
	writeTimer *time.Timer
	expired    bool
}

// NewDataChannelConn wraps channel. local and remote label the two
// ends for LocalAddr and RemoteAddr.
func NewDataChannelConn(channel io.ReadWriteCloser, local, remote string) *DataChannelConn {
	return &DataChannelConn{channel: channel, local: local, remote: remote}
}

func (c *DataChannelConn) Read(buffer []byte) (int, error)  { return c.channel.Read(buffer) }
func (c *DataChannelConn) Write(buffer []byte) (int, error) { return c.channel.Write(buffer) }

func (c *DataChannelConn) Close() error {
	c.mu.Lock()
	stopTimer(&c.readTimer)
	stopTimer(&c.writeTimer)
	c.mu.Unlock()
	return c.channel.Close()
}

func (c *DataChannelConn) LocalAddr() net.Addr  { return dataChannelAddr(c.local) }
func (c *DataChannelConn) RemoteAddr() net.Addr { return dataChannelAddr(c.remote) }

func (c *DataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(&c.readTimer, deadline)
	c.armLocked(&c.writeTimer, deadline)
	return nil
}

func (c *DataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(&c.readTimer, deadline)
	return nil
}

func (c *DataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(&c.writeTimer, deadline)
	return nil
}

// armLocked replaces *timer with one that expires the conn at
// deadline. A zero deadline just clears it.
func (c *DataChannelConn) armLocked(timer **time.Timer, deadline time.Time) {
	stopTimer(timer)
	if deadline.IsZero() || c.expired {
		return
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		c.expireLocked()
		return
	}
	*timer = time.AfterFunc(remaining, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.expireLocked()
	})
}

func (c *DataChannelConn) expireLocked() {
	if c.expired {
		return
	}
	c.expired = true
	c.channel.Close()
}

func stopTimer(timer **time.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

// dataChannelAddr names one end of a data channel.
type dataChannelAddr string

func (a dataChannelAddr) Network() string { return "webrtc" }
func (a dataChannelAddr) String() string  { return string(a) }

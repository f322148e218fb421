// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies stream errors.
package netutil

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// closeErrors end a stream without indicating a fault on either side.
var closeErrors = []error{
	io.EOF,
	io.ErrClosedPipe,
	io.ErrUnexpectedEOF,
	net.ErrClosed,
	os.ErrClosed,
	syscall.EPIPE,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
}

// IsExpectedCloseError reports whether err is the ordinary end of a
// stream: the peer went away or this side closed it. Read loops log
// these at debug level and treat them as a disconnect.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range closeErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements encrypted request/response correlation over a
// newline-delimited JSON stream.
//
// Each line on the stream is one message:
//
//	request:  {"id": "...", "method": "...", "params": "<envelope>"}
//	response: {"id": "...", "ok": true, "result": "<envelope>"}
//	          {"id": "...", "ok": false, "error": "message"}
//
// params and result are base64 envelopes produced by lib/envelope, so
// only holders of the shared key can read or forge them.
//
// [Conn] is the calling side of one stream. It assigns request ids,
// keeps the table of pending calls, and resolves each call from the
// response with the matching id, in whatever order responses arrive.
// Every call settles exactly once: with a result, a [*RemoteError], a
// timeout ([ErrTimeout]), or connection loss ([ErrConnectionClosed]).
//
// [Server] is the answering side. It dispatches each request to the
// handler registered for its method and writes exactly one response
// per request id.
//
// Reconnection is not handled here: a Conn lives and dies with its
// stream. See rpc/link for the lifecycle manager that replaces Conns
// as streams come and go.
package rpc

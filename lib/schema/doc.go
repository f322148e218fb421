// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the RPC methods a host serves and the JSON
// shapes of their params and results. Method constants (Method*) are
// the names on the wire; Go structs define the payloads that are
// sealed into the request and response envelopes.
//
// Methods:
//
//   - [MethodSpawnSession] -- start an agent session in a directory
//   - [MethodSendMessage] -- deliver user text to a session
//   - [MethodGetOutput] -- fetch (and optionally clear) buffered output
//   - [MethodStopSession] -- stop a session
//   - [MethodListSessions] -- list live sessions
//   - [MethodPing] -- liveness check
//
// [SessionListKey] names the discovery store entry where a host
// mirrors its session list for peers that are not connected.
//
// This package depends on no other packages of this module.
package schema

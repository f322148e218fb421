// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the byte streams the RPC layer runs over,
// and the small key-value store peers use to find each other.
//
// A [Dialer] turns a peer identifier into a duplex stream; a [Listener]
// accepts streams and hands each to a [ConnHandler]. What a peer
// identifier means depends on the implementation:
//
//   - TCP ([TCPListener], [TCPDialer]): the identifier is a host:port
//     address. Suitable on a LAN or across a VPN.
//   - WebRTC ([WebRTCTransport]): the identifier is an opaque name the
//     peer registered under. Streams are data channels on a pion
//     PeerConnection, established with vanilla ICE (all candidates
//     gathered before the SDP is published) so signaling needs one
//     offer/answer round trip through a [Signaler].
//
// A [Store] is the discovery primitive: put, get, and list by prefix.
// [StoreSignaler] carries WebRTC signaling over any Store, and the
// host mirrors its session list into the same Store. [MemoryStore]
// serves tests and single-process use; [DirStore] keeps one file per
// key in a directory, which works over a shared or synced folder.
//
// Nothing in this package authenticates the peer. Streams carry
// envelopes sealed with the pairing key, and possession of that key
// is the only credential.
package transport

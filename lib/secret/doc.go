// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key file passphrases outside the Go heap.
//
// A [Buffer] is an anonymous mmap region locked against swap and
// excluded from core dumps. Close zeroes and unmaps it. Passphrases
// enter a Buffer straight from their source (terminal, file, stdin,
// environment) and the transient heap copy is zeroed, so the only
// long-lived heap copy is the string handed to the decryption API.
package secret

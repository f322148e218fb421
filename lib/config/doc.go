// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads p2pcc configuration from a single file.
//
// The file is named by the --config flag (via [LoadFile]) or the
// P2PCC_CONFIG environment variable (via [Load]). [Resolve] applies that
// order and falls back to [Default] when neither is set; there is no
// directory search.
//
// Files are YAML. A path ending in .jsonc or .json is read as JSON with
// comments and trailing commas stripped, then decoded with the same
// field names.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${P2PCC_HOME}, and ${VAR:-default} patterns are expanded.
//
// Key exports:
//
//   - [Config] -- master struct with Transport, Host, Agent, Client
//   - [Default] -- returns a Config with local defaults
//   - [Load], [LoadFile], [Resolve] -- entry points for loading
//   - [Duration] -- YAML duration strings such as "500ms"
//
// This package depends on no other p2pcc packages.
package config

// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/robertoamoreno/p2p-claude-code/client"
	"github.com/robertoamoreno/p2p-claude-code/cmd/p2pcc/cli"
	"github.com/robertoamoreno/p2p-claude-code/lib/config"
	"github.com/robertoamoreno/p2p-claude-code/lib/envelope"
	"github.com/robertoamoreno/p2p-claude-code/lib/keyfile"
	"github.com/robertoamoreno/p2p-claude-code/lib/pairing"
	"github.com/robertoamoreno/p2p-claude-code/lib/secret"
	"github.com/robertoamoreno/p2p-claude-code/rpc/link"
	"github.com/robertoamoreno/p2p-claude-code/transport"
)

// commandContext returns the context a command runs under. Tests
// replace it to stop long-running commands.
var commandContext = func() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// globalParams are accepted by every command.
type globalParams struct {
	ConfigPath string `flag:"config" desc:"config file (default: $P2PCC_CONFIG, else built-in defaults)"`
	Verbose    bool   `flag:"verbose,v" desc:"log at debug level"`
}

// setup loads and validates the config and builds the command logger.
func (g *globalParams) setup(command string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Resolve(g.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config:\n%w", err)
	}
	return cfg, cli.NewCommandLogger(g.Verbose).With("command", command), nil
}

// passphraseParams selects how a key file passphrase is obtained when
// one is needed. Without either flag the terminal is prompted.
type passphraseParams struct {
	PassphraseEnv  string `flag:"passphrase-env" desc:"environment variable holding the key file passphrase"`
	PassphraseFile string `flag:"passphrase-file" desc:"file holding the key file passphrase (\"-\" reads stdin)"`
}

// provided returns the passphrase named by the flags, or nil when
// neither flag was given.
func (p passphraseParams) provided() (*secret.Buffer, error) {
	switch {
	case p.PassphraseEnv != "" && p.PassphraseFile != "":
		return nil, errors.New("--passphrase-env and --passphrase-file are mutually exclusive")
	case p.PassphraseFile != "":
		return secret.ReadFile(p.PassphraseFile)
	case p.PassphraseEnv != "":
		return secret.FromEnv(p.PassphraseEnv)
	}
	return nil, nil
}

// prompt reads a passphrase from the terminal without echo.
func prompt(label string) (*secret.Buffer, error) {
	descriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(descriptor) {
		return nil, errors.New("no terminal to prompt for a passphrase; use --passphrase-env or --passphrase-file")
	}
	fmt.Fprint(os.Stderr, label)
	value, err := term.ReadPassword(descriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return secret.NewFromBytes(value)
}

// readKeyFile reads path. A sealed file is opened with the passphrase
// from the flags, else one prompted for.
func readKeyFile(path string, params passphraseParams) (*keyfile.KeyFile, error) {
	passphrase, err := params.provided()
	if err != nil {
		return nil, err
	}
	if passphrase == nil {
		key, err := keyfile.Read(path, "")
		if !errors.Is(err, keyfile.ErrPassphraseRequired) {
			return key, err
		}
		if passphrase, err = prompt("Key file passphrase: "); err != nil {
			return nil, err
		}
	}
	defer passphrase.Close()
	return keyfile.Read(path, passphrase.String())
}

// peerParams select the host a client command talks to.
type peerParams struct {
	passphraseParams
	Pairing string        `flag:"pairing" desc:"pairing descriptor (default: the local key file)" env:"P2PCC_PAIRING"`
	Timeout time.Duration `flag:"timeout" desc:"per-call timeout (default: client.call_timeout from config)"`
}

// descriptor resolves the pairing descriptor: --pairing or its
// environment variable, else the key file this machine would serve
// with.
func (p peerParams) descriptor(cfg *config.Config) (pairing.Descriptor, error) {
	if p.Pairing != "" {
		return pairing.Decode(p.Pairing)
	}
	key, err := readKeyFile(cfg.Host.KeyFile, p.passphraseParams)
	if err != nil {
		return pairing.Descriptor{}, fmt.Errorf("no --pairing given and the local key file is unusable: %w", err)
	}
	return key.Descriptor(), nil
}

// peerConnection is an open client-side link to a host.
type peerConnection struct {
	manager  *link.Manager
	client   *client.Client
	provider *transport.Provider
}

func (c *peerConnection) Close() {
	c.manager.Close()
	c.provider.Close()
}

// linkOptions maps the client config onto link.Options.
func linkOptions(cfg *config.Config, callTimeout time.Duration) link.Options {
	options := link.Options{
		ConnectTimeout: cfg.Client.ConnectTimeout.Std(),
		BackoffBase:    cfg.Client.BackoffBase.Std(),
		BackoffMax:     cfg.Client.BackoffMax.Std(),
		MaxAttempts:    cfg.Client.MaxAttempts,
		CallTimeout:    cfg.Client.CallTimeout.Std(),
	}
	if callTimeout > 0 {
		options.CallTimeout = callTimeout
	}
	return options
}

// iceConfig builds the ICE configuration from the transport config.
func iceConfig(cfg *config.Config) transport.ICEConfig {
	return transport.ICEConfigFromURLs(cfg.Transport.ICEServers, cfg.Transport.ICEUsername, cfg.Transport.ICECredential)
}

// connectPeer builds the transport and connection manager for the host
// named by params. Nothing is dialed until the first call.
func connectPeer(cfg *config.Config, params peerParams, logger *slog.Logger) (*peerConnection, error) {
	descriptor, err := params.descriptor(cfg)
	if err != nil {
		return nil, err
	}
	codec, err := envelope.New(descriptor.DataKey)
	if err != nil {
		return nil, err
	}

	name := cfg.Transport.Name
	if name == "" {
		name = "client-" + uuid.NewString()[:8]
	}
	provider, err := transport.New(cfg.Transport.Kind, transport.Options{
		Name:     name,
		StoreDir: cfg.Transport.StoreDir,
		ICE:      iceConfig(cfg),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	manager := link.NewManager(link.Config{
		Dialer:  provider.Dialer,
		Peer:    descriptor.DHTPublicKey,
		Codec:   codec,
		Logger:  logger,
		Options: linkOptions(cfg, params.Timeout),
	})
	logger.Debug("peer resolved", "peer", descriptor.DHTPublicKey, "fingerprint", pairing.Fingerprint(descriptor.DataKey))
	return &peerConnection{
		manager:  manager,
		client:   client.New(manager),
		provider: provider,
	}, nil
}

// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/robertoamoreno/p2p-claude-code/agent"
	"github.com/robertoamoreno/p2p-claude-code/cmd/p2pcc/cli"
	"github.com/robertoamoreno/p2p-claude-code/host"
	"github.com/robertoamoreno/p2p-claude-code/lib/config"
	"github.com/robertoamoreno/p2p-claude-code/lib/envelope"
	"github.com/robertoamoreno/p2p-claude-code/lib/keyfile"
	"github.com/robertoamoreno/p2p-claude-code/lib/pairing"
	"github.com/robertoamoreno/p2p-claude-code/lib/secret"
	"github.com/robertoamoreno/p2p-claude-code/session"
	"github.com/robertoamoreno/p2p-claude-code/transport"
)

type initParams struct {
	globalParams
	passphraseParams
	cli.JSONOutput
	PeerID  string `flag:"peer-id" desc:"address clients dial (default: derived from the transport config)"`
	RootDir string `flag:"root-dir" desc:"directory sessions are confined to (default: host.root_dir)"`
	Seal    bool   `flag:"seal" desc:"seal the key file with a prompted passphrase (implied by --passphrase-env/--passphrase-file)"`
	Force   bool   `flag:"force" desc:"replace an existing key file"`
	NoQR    bool   `flag:"no-qr" desc:"do not print the QR code"`
}

func initCommand() *cli.Command {
	var params initParams
	return &cli.Command{
		Name:    "init",
		Summary: "Create the host key file",
		Description: `Generate a fresh data key and write it to host.key_file, then
print the pairing descriptor clients need to reach this host.

The descriptor carries the data key. Anyone holding it can drive
sessions on this machine, so hand it over the way you would a password.`,
		Usage: "p2pcc init [flags]",
		Examples: []cli.Example{
			{Description: "Create a key for a host reachable on the LAN", Command: "p2pcc init --peer-id workstation.lan:7420"},
			{Description: "Seal the key with a passphrase from the environment", Command: "P2PCC_PASSPHRASE=... p2pcc init --passphrase-env P2PCC_PASSPHRASE"},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("init", &params) },
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			cfg, logger, err := params.setup("init")
			if err != nil {
				return err
			}

			path := cfg.Host.KeyFile
			if _, err := os.Stat(path); err == nil && !params.Force {
				return fmt.Errorf("%s already exists (use --force to replace it)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			passphrase, err := params.provided()
			if err != nil {
				return err
			}
			if passphrase == nil && params.Seal {
				if passphrase, err = promptNew(); err != nil {
					return err
				}
			}
			var sealWith string
			if passphrase != nil {
				sealWith = passphrase.String()
				passphrase.Close()
			}

			peerID := params.PeerID
			if peerID == "" {
				peerID = defaultPeerID(cfg)
			}
			rootDir := params.RootDir
			if rootDir == "" {
				rootDir = cfg.Host.RootDir
			}

			key, err := keyfile.Generate(peerID, rootDir, time.Now())
			if err != nil {
				return err
			}
			if err := keyfile.Write(path, key, sealWith); err != nil {
				return err
			}
			logger.Info("key file written", "path", path, "peer_id", peerID, "sealed", sealWith != "")
			return printPairing(key.Descriptor(), params.JSONOutput, params.NoQR)
		},
	}
}

// promptNew asks for a new passphrase twice.
func promptNew() (*secret.Buffer, error) {
	first, err := prompt("New passphrase: ")
	if err != nil {
		return nil, err
	}
	second, err := prompt("Repeat passphrase: ")
	if err != nil {
		first.Close()
		return nil, err
	}
	defer second.Close()
	if !first.Equal(second) {
		first.Close()
		return nil, errors.New("passphrases do not match")
	}
	return first, nil
}

// defaultPeerID is the address a client would dial to reach this host.
// For tcp an unspecified listen host is replaced with the hostname.
func defaultPeerID(cfg *config.Config) string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	if cfg.Transport.Kind == config.TransportWebRTC {
		if cfg.Transport.Name != "" {
			return cfg.Transport.Name
		}
		return "host-" + hostname
	}
	address := cfg.Transport.ListenAddress
	listenHost, port, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	if ip := net.ParseIP(listenHost); listenHost == "" || (ip != nil && ip.IsUnspecified()) {
		return net.JoinHostPort(hostname, port)
	}
	return address
}

// pairingOutput is the --json shape of init and pair.
type pairingOutput struct {
	Descriptor  string `json:"descriptor"`
	Fingerprint string `json:"fingerprint"`
	PeerID      string `json:"peerId"`
	Host        string `json:"host"`
}

func printPairing(descriptor pairing.Descriptor, output cli.JSONOutput, noQR bool) error {
	encoded, err := descriptor.Encode()
	if err != nil {
		return err
	}
	fingerprint := pairing.Fingerprint(descriptor.DataKey)
	if done, err := output.EmitJSON(pairingOutput{
		Descriptor:  encoded,
		Fingerprint: fingerprint,
		PeerID:      descriptor.DHTPublicKey,
		Host:        descriptor.Metadata.Host,
	}); done {
		return err
	}

	fmt.Fprintf(cli.Stdout, "Peer:        %s\n", descriptor.DHTPublicKey)
	fmt.Fprintf(cli.Stdout, "Fingerprint: %s\n\n", fingerprint)
	fmt.Fprintf(cli.Stdout, "%s\n", encoded)
	if noQR {
		return nil
	}
	code, err := pairing.QR(descriptor)
	if err != nil {
		// Long descriptors can exceed QR capacity; the text form still works.
		fmt.Fprintf(cli.Stdout, "\n(no QR code: %v)\n", err)
		return nil
	}
	fmt.Fprintf(cli.Stdout, "\n%s", code)
	return nil
}

type pairParams struct {
	globalParams
	passphraseParams
	cli.JSONOutput
	NoQR bool `flag:"no-qr" desc:"do not print the QR code"`
}

func pairCommand() *cli.Command {
	var params pairParams
	return &cli.Command{
		Name:    "pair",
		Summary: "Print the pairing descriptor of this host",
		Description: `Read host.key_file and print the pairing descriptor, its
fingerprint, and a QR code. Compare fingerprints on both machines to
confirm a descriptor was not swapped in transit.`,
		Usage: "p2pcc pair [flags]",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("pair", &params) },
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			cfg, _, err := params.setup("pair")
			if err != nil {
				return err
			}
			key, err := readKeyFile(cfg.Host.KeyFile, params.passphraseParams)
			if err != nil {
				return err
			}
			return printPairing(key.Descriptor(), params.JSONOutput, params.NoQR)
		},
	}
}

type serveParams struct {
	globalParams
	passphraseParams
	RootDir string `flag:"root-dir" desc:"override the directory sessions are confined to"`
}

func serveCommand() *cli.Command {
	var params serveParams
	return &cli.Command{
		Name:    "serve",
		Summary: "Serve sessions to paired clients",
		Description: `Listen on the configured transport and answer session calls
from clients holding this host's pairing descriptor. Runs until
interrupted, then stops every session it started.`,
		Usage: "p2pcc serve [flags]",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("serve", &params) },
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			cfg, logger, err := params.setup("serve")
			if err != nil {
				return err
			}
			if err := cfg.EnsurePaths(); err != nil {
				return err
			}
			key, err := readKeyFile(cfg.Host.KeyFile, params.passphraseParams)
			if err != nil {
				return err
			}
			codec, err := envelope.New(key.DataKey)
			if err != nil {
				return err
			}
			binary, err := cfg.AgentBinary()
			if err != nil {
				return err
			}

			// The WebRTC name is what clients dial, so it defaults to the
			// peer id in the descriptor.
			name := cfg.Transport.Name
			if name == "" {
				name = key.PeerID
			}
			provider, err := transport.New(cfg.Transport.Kind, transport.Options{
				Listen:        true,
				ListenAddress: cfg.Transport.ListenAddress,
				Name:          name,
				StoreDir:      cfg.Transport.StoreDir,
				ICE:           iceConfig(cfg),
				Logger:        logger,
			})
			if err != nil {
				return err
			}
			defer provider.Close()

			rootDir := params.RootDir
			if rootDir == "" {
				rootDir = key.RootDir
			}
			if rootDir == "" {
				rootDir = cfg.Host.RootDir
			}

			registry := session.NewRegistry(session.Config{
				Driver: &agent.ClaudeDriver{
					Binary:        binary,
					ExtraArgs:     cfg.Agent.ExtraArgs,
					TranscriptDir: cfg.Agent.TranscriptDir,
					StopGrace:     cfg.Agent.StopGrace.Std(),
					Logger:        logger,
				},
				Root:           rootDir,
				OutputCapacity: cfg.Host.OutputCapacity,
				Logger:         logger,
			})
			server := host.New(host.Config{
				Registry: registry,
				Codec:    codec,
				Listener: provider.Listener,
				Store:    provider.Store,
				PeerID:   key.PeerID,
				Logger:   logger,
			})

			ctx, cancel := commandContext()
			defer cancel()
			logger.Info("serving",
				"peer_id", key.PeerID,
				"fingerprint", pairing.Fingerprint(key.DataKey),
				"root_dir", rootDir,
				"agent", binary,
			)
			return server.Serve(ctx)
		},
	}
}

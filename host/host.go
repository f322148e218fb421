// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package host serves a session registry to remote clients. It
// registers the session methods on an [rpc.Server], accepts streams
// from a transport listener, and mirrors the session list to the
// discovery store whenever it changes.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/robertoamoreno/p2p-claude-code/lib/clock"
	"github.com/robertoamoreno/p2p-claude-code/lib/envelope"
	"github.com/robertoamoreno/p2p-claude-code/lib/schema"
	"github.com/robertoamoreno/p2p-claude-code/rpc"
	"github.com/robertoamoreno/p2p-claude-code/session"
	"github.com/robertoamoreno/p2p-claude-code/transport"
)

// shutdownTimeout bounds how long Serve waits for sessions to exit.
const shutdownTimeout = 10 * time.Second

// Config holds the collaborators of a Host.
type Config struct {
	Registry *session.Registry
	Codec    *envelope.Codec

	// Listener accepts client streams.
	Listener transport.Listener

	// Store receives the session list under schema.SessionListKey(PeerID).
	// Nil disables mirroring.
	Store  transport.Store
	PeerID string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Host answers session RPCs.
type Host struct {
	registry *session.Registry
	server   *rpc.Server
	listener transport.Listener
	sync     *syncWorker
	clock    clock.Clock
	logger   *slog.Logger
}

// New registers the session methods and the change hook that drives
// mirroring. Nothing is served until Serve.
func New(config Config) *Host {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	h := &Host{
		registry: config.Registry,
		server:   rpc.NewServer(config.Codec, logger),
		listener: config.Listener,
		clock:    clk,
		logger:   logger,
	}
	if config.Store != nil {
		h.sync = newSyncWorker(config.Store, schema.SessionListKey(config.PeerID), h.sessionList, logger)
		config.Registry.OnChange(h.sync.request)
	}

	h.server.Handle(schema.MethodSpawnSession, h.spawnSession)
	h.server.Handle(schema.MethodSendMessage, h.sendMessage)
	h.server.Handle(schema.MethodGetOutput, h.getOutput)
	h.server.Handle(schema.MethodStopSession, h.stopSession)
	h.server.Handle(schema.MethodListSessions, h.listSessions)
	h.server.Handle(schema.MethodPing, h.ping)
	return h
}

// Server returns the RPC server, for serving streams that did not come
// from the Listener.
func (h *Host) Server() *rpc.Server { return h.server }

// Serve accepts streams until ctx is cancelled. On return the mirror
// worker has stopped and every session has been stopped.
func (h *Host) Serve(ctx context.Context) error {
	if h.sync != nil {
		h.sync.start()
	}
	h.logger.Info("host serving", "address", h.listener.Address(), "methods", h.server.Methods())

	err := h.listener.Serve(ctx, func(ctx context.Context, conn net.Conn) {
		remote := conn.RemoteAddr().String()
		h.logger.Debug("client connected", "remote", remote)
		if err := h.server.ServeConn(ctx, conn); err != nil {
			h.logger.Warn("client stream failed", "remote", remote, "error", err)
		}
		h.logger.Debug("client disconnected", "remote", remote)
	})

	// Stop mirroring before the registry empties, so peers keep the
	// last list a live host published.
	if h.sync != nil {
		h.sync.shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if closeErr := h.registry.Close(shutdownCtx); closeErr != nil {
		h.logger.Warn("stopping sessions", "error", closeErr)
	}
	return err
}

// decodeParams unmarshals params into target. "null" leaves the zero
// value.
func decodeParams(params json.RawMessage, target any) error {
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func (h *Host) spawnSession(ctx context.Context, raw json.RawMessage) (any, error) {
	var params schema.SpawnSessionParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	result, err := h.registry.Spawn(ctx, session.SpawnRequest{
		Directory:      params.Directory,
		SessionID:      params.SessionID,
		PermissionMode: params.PermissionMode,
		Model:          params.Model,
	})
	if err != nil {
		h.logger.Warn("spawn rejected", "directory", params.Directory, "error", err)
		return schema.SpawnSessionResult{Type: schema.SpawnResultError, ErrorMessage: err.Error()}, nil
	}
	return schema.SpawnSessionResult{
		Type:      schema.SpawnResultSuccess,
		SessionID: result.SessionID,
		Pid:       result.Pid,
	}, nil
}

func (h *Host) sendMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var params schema.SendMessageParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := h.registry.Send(params.SessionID, params.Text); err != nil {
		return schema.SendMessageResult{Success: false, Error: err.Error()}, nil
	}
	return schema.SendMessageResult{Success: true}, nil
}

func (h *Host) getOutput(ctx context.Context, raw json.RawMessage) (any, error) {
	var params schema.GetOutputParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	output, err := h.registry.Poll(params.SessionID, params.Clear)
	if errors.Is(err, session.ErrNotFound) {
		return schema.GetOutputResult{Messages: []schema.SessionOutput{}, Error: schema.ErrorSessionNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	messages := make([]schema.SessionOutput, len(output))
	for index, entry := range output {
		messages[index] = schema.SessionOutput{Event: entry.Event, Timestamp: entry.Timestamp}
	}
	return schema.GetOutputResult{Messages: messages}, nil
}

func (h *Host) stopSession(ctx context.Context, raw json.RawMessage) (any, error) {
	var params schema.StopSessionParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return schema.StopSessionResult{Success: h.registry.Stop(params.SessionID)}, nil
}

func (h *Host) listSessions(ctx context.Context, raw json.RawMessage) (any, error) {
	return h.sessionList(), nil
}

func (h *Host) ping(ctx context.Context, raw json.RawMessage) (any, error) {
	return schema.PingResult{Pong: true, Timestamp: h.clock.Now().UnixMilli()}, nil
}

func (h *Host) sessionList() []schema.SessionInfo {
	infos := h.registry.List()
	sessions := make([]schema.SessionInfo, len(infos))
	for index, info := range infos {
		sessions[index] = schema.SessionInfo{
			SessionID:      info.SessionID,
			Pid:            info.Pid,
			CreatedAt:      info.CreatedAt,
			Directory:      info.Directory,
			Model:          info.Model,
			PermissionMode: info.PermissionMode,
		}
	}
	return sessions
}

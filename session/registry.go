// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks the agent sessions a host is running. Each
// session pairs an [agent.Process] with an [OutputBuffer] that
// accumulates the process's events until a client polls them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robertoamoreno/p2p-claude-code/agent"
	"github.com/robertoamoreno/p2p-claude-code/lib/clock"
)

var (
	// ErrNotFound is returned for a session id that is not tracked.
	ErrNotFound = errors.New("session not found")

	// ErrExists is returned by Spawn for an explicit id already in
	// use.
	ErrExists = errors.New("session already exists")

	// ErrPolicy matches every *PolicyError.
	ErrPolicy = errors.New("directory not allowed")

	// ErrInputClosed is returned by Send when the session's process no
	// longer accepts input.
	ErrInputClosed = agent.ErrInputClosed

	// ErrClosed is returned by Spawn after Close.
	ErrClosed = errors.New("session registry closed")
)

// PolicyError rejects a spawn directory outside the allowed root.
type PolicyError struct {
	Directory string
	Root      string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("directory %s is outside the allowed root %s", e.Directory, e.Root)
}

func (e *PolicyError) Is(target error) bool { return target == ErrPolicy }

// SpawnRequest describes a new session. Only Directory is required.
type SpawnRequest struct {
	Directory      string
	SessionID      string
	PermissionMode string
	Model          string
}

// SpawnResult identifies a started session.
type SpawnResult struct {
	SessionID string
	Pid       int
}

// Info describes a tracked session.
type Info struct {
	SessionID      string `json:"sessionId"`
	Pid            int    `json:"pid"`
	CreatedAt      int64  `json:"createdAt"`
	Directory      string `json:"directory"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
}

// Config holds the collaborators of a Registry.
type Config struct {
	Driver agent.Driver

	// Root, when set, confines spawn directories to Root and its
	// descendants after symlink resolution.
	Root string

	// OutputCapacity is the per-session buffer capacity. Zero uses
	// DefaultOutputCapacity.
	OutputCapacity int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Registry owns the live sessions. All methods are safe for concurrent
// use.
type Registry struct {
	driver   agent.Driver
	root     string
	capacity int
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*tracked
	starting map[string]struct{}
	closed   bool
	hooks    []func()
}

type tracked struct {
	id             string
	process        agent.Process
	output         *OutputBuffer
	createdAt      time.Time
	directory      string
	model          string
	permissionMode string
}

func (t *tracked) info() Info {
	return Info{
		SessionID:      t.id,
		Pid:            t.process.Pid(),
		CreatedAt:      t.createdAt.UnixMilli(),
		Directory:      t.directory,
		Model:          t.model,
		PermissionMode: t.permissionMode,
	}
}

// NewRegistry returns an empty Registry.
func NewRegistry(config Config) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	capacity := config.OutputCapacity
	if capacity <= 0 {
		capacity = DefaultOutputCapacity
	}
	return &Registry{
		driver:   config.Driver,
		root:     config.Root,
		capacity: capacity,
		clock:    clk,
		logger:   logger,
		sessions: make(map[string]*tracked),
		starting: make(map[string]struct{}),
	}
}

// OnChange registers hook to run after a session is spawned, stopped,
// or exits. Hooks run on the goroutine that made the change and must
// not block.
func (r *Registry) OnChange(hook func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Spawn starts an agent in request.Directory and begins buffering its
// output. The session is deregistered when the process exits.
func (r *Registry) Spawn(ctx context.Context, request SpawnRequest) (SpawnResult, error) {
	directory, err := r.resolveDirectory(request.Directory)
	if err != nil {
		return SpawnResult{}, err
	}

	id := request.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return SpawnResult{}, ErrClosed
	}
	_, live := r.sessions[id]
	_, pending := r.starting[id]
	if live || pending {
		r.mu.Unlock()
		return SpawnResult{}, fmt.Errorf("%w: %s", ErrExists, id)
	}
	r.starting[id] = struct{}{}
	r.mu.Unlock()

	process, err := r.driver.Start(ctx, agent.Config{
		SessionID:      id,
		Directory:      directory,
		PermissionMode: request.PermissionMode,
		Model:          request.Model,
	})

	r.mu.Lock()
	delete(r.starting, id)
	if err != nil {
		r.mu.Unlock()
		return SpawnResult{}, fmt.Errorf("starting agent: %w", err)
	}
	if r.closed {
		r.mu.Unlock()
		process.Stop()
		return SpawnResult{}, ErrClosed
	}
	session := &tracked{
		id:             id,
		process:        process,
		output:         NewOutputBuffer(r.capacity),
		createdAt:      r.clock.Now(),
		directory:      directory,
		model:          request.Model,
		permissionMode: request.PermissionMode,
	}
	r.sessions[id] = session
	r.mu.Unlock()

	go r.consume(session)
	r.logger.Info("session spawned", "session_id", id, "pid", process.Pid(), "directory", directory)
	r.changed()
	return SpawnResult{SessionID: id, Pid: process.Pid()}, nil
}

// resolveDirectory returns the absolute, cleaned, symlink-resolved
// form of directory, checked against the root policy. The lexical path
// is checked before anything outside the root is touched, and the
// resolved path again so a symlink cannot lead out.
func (r *Registry) resolveDirectory(directory string) (string, error) {
	if directory == "" {
		return "", errors.New("directory is required")
	}
	absolute, err := filepath.Abs(directory)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", directory, err)
	}

	var root, lexicalRoot string
	if r.root != "" {
		if lexicalRoot, err = filepath.Abs(r.root); err != nil {
			return "", fmt.Errorf("session root: %w", err)
		}
		if root, err = resolvePath(r.root); err != nil {
			return "", fmt.Errorf("session root: %w", err)
		}
		if !within(lexicalRoot, absolute) && !within(root, absolute) {
			return "", &PolicyError{Directory: absolute, Root: root}
		}
	}

	resolved, err := filepath.EvalSymlinks(absolute)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", directory, err)
	}
	if root != "" && !within(root, resolved) {
		return "", &PolicyError{Directory: resolved, Root: root}
	}

	stat, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("directory %s: %w", resolved, err)
	}
	if !stat.IsDir() {
		return "", fmt.Errorf("%s is not a directory", resolved)
	}
	return resolved, nil
}

func resolvePath(path string) (string, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(absolute)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	return resolved, nil
}

// within reports whether path is root or below it. Both must be
// cleaned absolute paths.
func within(root, path string) bool {
	relative, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return relative != ".." && !strings.HasPrefix(relative, ".."+string(filepath.Separator))
}

// consume buffers the session's events and deregisters it on exit.
func (r *Registry) consume(session *tracked) {
	for event := range session.process.Events() {
		session.output.Append(Output{Event: event, Timestamp: r.clock.Now().UnixMilli()})
	}
	<-session.process.Done()

	r.mu.Lock()
	current, ok := r.sessions[session.id]
	removed := ok && current == session
	if removed {
		delete(r.sessions, session.id)
	}
	r.mu.Unlock()

	r.logger.Info("session exited", "session_id", session.id, "error", session.process.Err())
	if removed {
		r.changed()
	}
}

// Send delivers text to the session's agent.
func (r *Registry) Send(id, text string) error {
	session, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := session.process.Send(text); err != nil {
		if errors.Is(err, ErrInputClosed) {
			return err
		}
		return fmt.Errorf("sending to %s: %w", id, err)
	}
	return nil
}

// Poll returns the session's buffered output. With clear the returned
// entries are removed from the buffer in the same step.
func (r *Registry) Poll(id string, clear bool) ([]Output, error) {
	session, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return session.output.Snapshot(clear), nil
}

// Stop asks the session's process to exit and forgets the session at
// once. It reports whether the session was tracked.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	session, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := session.process.Stop(); err != nil {
		r.logger.Warn("stopping session", "session_id", id, "error", err)
	}
	r.logger.Info("session stopped", "session_id", id)
	r.changed()
	return true
}

// List returns the tracked sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*tracked, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()

	slices.SortFunc(sessions, func(a, b *tracked) int {
		if c := a.createdAt.Compare(b.createdAt); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	infos := make([]Info, len(sessions))
	for index, session := range sessions {
		infos[index] = session.info()
	}
	return infos
}

// Close stops every session and waits for the processes to exit or
// for ctx to end. Spawn fails afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*tracked, 0, len(r.sessions))
	for id, session := range r.sessions {
		sessions = append(sessions, session)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, session := range sessions {
		if err := session.process.Stop(); err != nil {
			r.logger.Warn("stopping session", "session_id", session.id, "error", err)
		}
	}
	for _, session := range sessions {
		select {
		case <-session.process.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for sessions to exit: %w", ctx.Err())
		}
	}
	return nil
}

func (r *Registry) lookup(id string) (*tracked, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return session, nil
}

func (r *Registry) changed() {
	r.mu.Lock()
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

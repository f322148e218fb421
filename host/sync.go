// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/robertoamoreno/p2p-claude-code/lib/schema"
	"github.com/robertoamoreno/p2p-claude-code/transport"
)

// syncWorker mirrors the session list to the discovery store. Requests
// coalesce: however many arrive while a Put is running, one more Put
// follows it, carrying the list as it is then. After shutdown requests
// are ignored.
type syncWorker struct {
	store  transport.Store
	key    string
	list   func() []schema.SessionInfo
	logger *slog.Logger

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

func newSyncWorker(store transport.Store, key string, list func() []schema.SessionInfo, logger *slog.Logger) *syncWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &syncWorker{
		store:  store,
		key:    key,
		list:   list,
		logger: logger,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// request schedules a publish. It never blocks.
func (w *syncWorker) request() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// start launches the worker and queues an initial publish.
func (w *syncWorker) start() {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
	w.request()
}

func (w *syncWorker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
		}
		if w.isStopped() {
			return
		}
		w.publish()
	}
}

func (w *syncWorker) publish() {
	data, err := json.Marshal(w.list())
	if err != nil {
		w.logger.Warn("encoding session list", "error", err)
		return
	}
	if err := w.store.Put(w.ctx, w.key, data); err != nil {
		w.logger.Warn("publishing session list", "key", w.key, "error", err)
		return
	}
	w.logger.Debug("published session list", "key", w.key, "bytes", len(data))
}

func (w *syncWorker) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// shutdown stops the worker and waits for it if it was started.
func (w *syncWorker) shutdown() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()
	w.cancel()
	if started {
		<-w.done
	}
}

// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/robertoamoreno/p2p-claude-code/lib/envelope"
	"github.com/robertoamoreno/p2p-claude-code/lib/netutil"
	"github.com/robertoamoreno/p2p-claude-code/rpc/frame"
)

// HandlerFunc handles one request. params is the opened JSON payload
// ("null" when the caller sent none). The returned value is sealed as
// the result; a returned error becomes the response's error message.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches requests to registered handlers. Handlers may be
// registered at any time and run concurrently, one goroutine per
// request.
type Server struct {
	codec  *envelope.Codec
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewServer returns a Server that opens params and seals results with
// codec. A nil logger discards.
func NewServer(codec *envelope.Codec, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		codec:    codec,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers handler for method, replacing any previous one.
func (s *Server) Handle(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// Methods returns the registered method names, sorted.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	methods := make([]string, 0, len(s.handlers))
	for method := range s.handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

// ServeConn answers requests on stream until it ends or ctx is
// cancelled, then waits for in-flight handlers and closes the stream.
// A clean end of stream returns nil.
func (s *Server) ServeConn(ctx context.Context, stream io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session := &serverSession{
		server:   s,
		writer:   frame.NewWriter(stream),
		inFlight: make(map[string]bool),
	}

	go func() {
		<-ctx.Done()
		stream.Close()
	}()

	decoder := &frame.Decoder{OnMalformed: func(line []byte, err error) {
		s.logger.Warn("dropping malformed frame", "bytes", len(line), "error", err)
	}}
	err := frame.Read(stream, decoder, func(raw json.RawMessage) {
		session.dispatch(ctx, raw)
	})

	cancel()
	session.handlers.Wait()

	if err != nil && !netutil.IsExpectedCloseError(err) {
		return fmt.Errorf("rpc: serving stream: %w", err)
	}
	return nil
}

// serverSession is the per-stream state of ServeConn.
type serverSession struct {
	server   *Server
	writer   *frame.Writer
	handlers sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool
}

func (session *serverSession) dispatch(ctx context.Context, raw json.RawMessage) {
	logger := session.server.logger

	var request Request
	if err := json.Unmarshal(raw, &request); err != nil || request.ID == "" {
		logger.Warn("dropping frame that is not a request", "bytes", len(raw))
		return
	}

	// One response per id: a duplicate of a request still being
	// handled is dropped rather than answered twice.
	session.mu.Lock()
	if session.inFlight[request.ID] {
		session.mu.Unlock()
		logger.Warn("dropping duplicate request id", "id", request.ID, "method", request.Method)
		return
	}
	session.inFlight[request.ID] = true
	session.mu.Unlock()

	session.handlers.Add(1)
	go func() {
		defer session.handlers.Done()
		response := session.server.invoke(ctx, request)
		if err := session.writer.Write(response); err != nil {
			logger.Debug("writing response failed", "id", request.ID, "method", request.Method, "error", err)
		}
		session.mu.Lock()
		delete(session.inFlight, request.ID)
		session.mu.Unlock()
	}()
}

// invoke runs the handler for request and builds its response. It never
// panics.
func (s *Server) invoke(ctx context.Context, request Request) Response {
	response := Response{ID: request.ID}

	s.mu.RLock()
	handler, ok := s.handlers[request.Method]
	s.mu.RUnlock()
	if !ok {
		response.Error = "unknown method: " + request.Method
		return response
	}

	params := json.RawMessage("null")
	if request.Params != "" {
		plaintext, err := s.codec.OpenBytes(request.Params)
		if err != nil {
			s.logger.Warn("rejecting request with unreadable params",
				"id", request.ID, "method", request.Method, "error", err)
			response.Error = "invalid params: " + err.Error()
			return response
		}
		params = plaintext
	}

	result, err := s.call(ctx, handler, request.Method, params)
	if err != nil {
		s.logger.Debug("handler failed", "method", request.Method, "id", request.ID, "error", err)
		response.Error = err.Error()
		return response
	}

	sealed, err := s.codec.Seal(result)
	if err != nil {
		response.Error = "encoding result: " + err.Error()
		return response
	}
	response.OK = true
	response.Result = sealed
	return response
}

func (s *Server) call(ctx context.Context, handler HandlerFunc, method string, params json.RawMessage) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("handler panicked", "method", method, "panic", recovered)
			err = fmt.Errorf("internal error in %s", method)
		}
	}()
	return handler(ctx, params)
}

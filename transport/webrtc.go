// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	_ Listener = (*WebRTCTransport)(nil)
	_ Dialer   = (*WebRTCTransport)(nil)
)

const (
	// offerPollInterval is how often Serve checks the signaler for
	// offers addressed to this peer.
	offerPollInterval = time.Second

	// iceGatherTimeout bounds candidate gathering before an SDP is
	// published.
	iceGatherTimeout = 15 * time.Second

	answerPollInterval = 500 * time.Millisecond
	answerTimeout      = 30 * time.Second

	channelOpenTimeout = 10 * time.Second

	// staleAnswerSkew tolerates clock differences between peers when
	// discarding answers left over from an earlier offer.
	staleAnswerSkew = 5 * time.Second

	// primerLabel names the data channel created only so that the
	// offer carries an SCTP section. It is closed on arrival.
	primerLabel = "primer"
)

// WebRTCTransport carries streams over WebRTC data channels. It is
// both a Dialer and a Listener because the two directions share one
// PeerConnection per remote peer: each dial opens a new ordered,
// reliable data channel on it, and each data channel the remote opens
// is handed to the Serve handler.
type WebRTCTransport struct {
	signaler Signaler
	name     string
	logger   *slog.Logger

	configMu  sync.RWMutex
	iceConfig ICEConfig

	mu    sync.Mutex
	peers map[string]*peerState

	inbound chan net.Conn

	closed    chan struct{}
	closeOnce sync.Once

	channelCounter atomic.Uint64
}

// peerState is the PeerConnection to one remote peer. Guarded by
// WebRTCTransport.mu.
type peerState struct {
	connection  *webrtc.PeerConnection
	name        string
	established chan struct{} // closed once ICE connects
}

// NewWebRTCTransport registers as name with signaler. name is this
// side's peer identifier and must not contain "|". A nil logger
// discards.
func NewWebRTCTransport(signaler Signaler, name string, iceConfig ICEConfig, logger *slog.Logger) *WebRTCTransport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WebRTCTransport{
		signaler:  signaler,
		name:      name,
		iceConfig: iceConfig,
		logger:    logger,
		peers:     make(map[string]*peerState),
		inbound:   make(chan net.Conn, 16),
		closed:    make(chan struct{}),
	}
}

// Serve answers offers addressed to this peer and runs handler for
// every data channel a remote peer opens.
func (wt *WebRTCTransport) Serve(ctx context.Context, handler ConnHandler) error {
	go wt.pollOffers(ctx)

	accept := func() (net.Conn, error) {
		select {
		case conn := <-wt.inbound:
			return conn, nil
		case <-ctx.Done():
			return nil, net.ErrClosed
		case <-wt.closed:
			return nil, net.ErrClosed
		}
	}
	return serveAccepted(ctx, accept, handler, wt.logger)
}

// Address returns the name peers dial.
func (wt *WebRTCTransport) Address() string { return wt.name }

// Close tears down every PeerConnection and stops Serve.
func (wt *WebRTCTransport) Close() error {
	wt.closeOnce.Do(func() { close(wt.closed) })

	wt.mu.Lock()
	defer wt.mu.Unlock()
	for name, peer := range wt.peers {
		peer.connection.Close()
		delete(wt.peers, name)
	}
	return nil
}

// UpdateICEConfig applies to PeerConnections created afterwards.
func (wt *WebRTCTransport) UpdateICEConfig(config ICEConfig) {
	wt.configMu.Lock()
	defer wt.configMu.Unlock()
	wt.iceConfig = config
}

// DialContext opens a data channel to the named peer, first
// establishing a PeerConnection through the signaler if there is no
// live one.
func (wt *WebRTCTransport) DialContext(ctx context.Context, address string) (net.Conn, error) {
	select {
	case <-wt.closed:
		return nil, net.ErrClosed
	default:
	}

	peer, err := wt.peerFor(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}

	select {
	case <-peer.established:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wt.closed:
		return nil, net.ErrClosed
	}
	return wt.openDataChannel(ctx, peer)
}

// peerFor returns the live PeerConnection to name or signals a new
// one. The entry is stored before signaling starts, so concurrent
// dials to the same peer wait on one attempt rather than racing.
func (wt *WebRTCTransport) peerFor(ctx context.Context, name string) (*peerState, error) {
	wt.mu.Lock()
	if peer, ok := wt.peers[name]; ok {
		if alive(peer.connection) {
			wt.mu.Unlock()
			return peer, nil
		}
		peer.connection.Close()
		delete(wt.peers, name)
	}

	connection, err := wt.newPeerConnection()
	if err != nil {
		wt.mu.Unlock()
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	peer := &peerState{connection: connection, name: name, established: make(chan struct{})}
	wt.peers[name] = peer
	wt.mu.Unlock()

	if err := wt.offer(ctx, peer); err != nil {
		wt.forget(peer)
		connection.Close()
		return nil, err
	}
	return peer, nil
}

// offer runs the offering side of signaling for peer.
func (wt *WebRTCTransport) offer(ctx context.Context, peer *peerState) error {
	connection := peer.connection
	wt.watch(peer)

	if _, err := connection.CreateDataChannel(primerLabel, nil); err != nil {
		return fmt.Errorf("creating primer channel: %w", err)
	}
	description, err := connection.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}
	sdp, err := wt.gather(ctx, connection, description)
	if err != nil {
		return err
	}

	offeredAt := time.Now()
	if err := wt.signaler.PublishOffer(ctx, wt.name, peer.name, sdp); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}
	wt.logger.Info("WebRTC offer published", "peer", peer.name)

	answer, err := wt.awaitAnswer(ctx, peer.name, offeredAt.Add(-staleAnswerSkew))
	if err != nil {
		return fmt.Errorf("waiting for SDP answer from %s: %w", peer.name, err)
	}
	if err := connection.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	wt.logger.Info("WebRTC answer applied", "peer", peer.name)
	return nil
}

// gather sets description as the local description and waits for ICE
// gathering, returning the SDP with every candidate embedded.
func (wt *WebRTCTransport) gather(ctx context.Context, connection *webrtc.PeerConnection, description webrtc.SessionDescription) (string, error) {
	complete := webrtc.GatheringCompletePromise(connection)
	if err := connection.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-complete:
	case <-time.After(iceGatherTimeout):
		return "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return connection.LocalDescription().SDP, nil
}

// awaitAnswer polls for an answer from name published after notBefore.
func (wt *WebRTCTransport) awaitAnswer(ctx context.Context, name string, notBefore time.Time) (string, error) {
	deadline := time.After(answerTimeout)
	ticker := time.NewTicker(answerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("timed out after %s", answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wt.closed:
			return "", net.ErrClosed
		case <-ticker.C:
		}

		answers, err := wt.signaler.PollAnswers(ctx, wt.name)
		if err != nil {
			wt.logger.Warn("polling for SDP answer failed", "error", err)
			continue
		}
		for _, answer := range answers {
			if answer.Peer == name && !answer.Timestamp.Before(notBefore) {
				return answer.SDP, nil
			}
		}
	}
}

func (wt *WebRTCTransport) pollOffers(ctx context.Context) {
	ticker := time.NewTicker(offerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wt.closed:
			return
		case <-ticker.C:
		}

		offers, err := wt.signaler.PollOffers(ctx, wt.name)
		if err != nil {
			wt.logger.Warn("polling for SDP offers failed", "error", err)
			continue
		}
		for _, offer := range offers {
			if !wt.yieldTo(offer.Peer) {
				continue
			}
			if err := wt.answer(ctx, offer); err != nil {
				wt.logger.Error("answering WebRTC offer failed", "peer", offer.Peer, "error", err)
			}
		}
	}
}

// yieldTo decides whether an inbound offer from name replaces any
// PeerConnection we already have to it. When both sides offer at once,
// the lexicographically smaller name is the offerer that wins.
func (wt *WebRTCTransport) yieldTo(name string) bool {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	existing, ok := wt.peers[name]
	if !ok {
		return true
	}
	if alive(existing.connection) && name > wt.name {
		return false
	}
	existing.connection.Close()
	delete(wt.peers, name)
	return true
}

// answer runs the answering side of signaling for offer.
func (wt *WebRTCTransport) answer(ctx context.Context, offer SignalMessage) error {
	connection, err := wt.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}
	peer := &peerState{connection: connection, name: offer.Peer, established: make(chan struct{})}
	wt.watch(peer)

	if err := connection.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		connection.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}
	description, err := connection.CreateAnswer(nil)
	if err != nil {
		connection.Close()
		return fmt.Errorf("creating SDP answer: %w", err)
	}
	sdp, err := wt.gather(ctx, connection, description)
	if err != nil {
		connection.Close()
		return err
	}
	if err := wt.signaler.PublishAnswer(ctx, offer.Peer, wt.name, sdp); err != nil {
		connection.Close()
		return fmt.Errorf("publishing SDP answer: %w", err)
	}

	wt.mu.Lock()
	wt.peers[offer.Peer] = peer
	wt.mu.Unlock()
	wt.logger.Info("WebRTC offer answered", "peer", offer.Peer)
	return nil
}

// watch installs the data channel and ICE state callbacks on peer.
func (wt *WebRTCTransport) watch(peer *peerState) {
	peer.connection.OnDataChannel(func(channel *webrtc.DataChannel) {
		wt.acceptDataChannel(channel, peer.name)
	})
	peer.connection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		wt.logger.Debug("ICE state change", "peer", peer.name, "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			wt.mu.Lock()
			select {
			case <-peer.established:
			default:
				close(peer.established)
			}
			wt.mu.Unlock()
		case webrtc.ICEConnectionStateFailed:
			// The next dial notices and re-signals.
			wt.logger.Warn("WebRTC connection failed", "peer", peer.name)
		case webrtc.ICEConnectionStateClosed:
			wt.forget(peer)
		}
	})
}

// forget removes peer from the map if it is still the current entry.
func (wt *WebRTCTransport) forget(peer *peerState) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	if current, ok := wt.peers[peer.name]; ok && current == peer {
		delete(wt.peers, peer.name)
	}
}

// acceptDataChannel queues a remotely opened channel for Serve.
func (wt *WebRTCTransport) acceptDataChannel(channel *webrtc.DataChannel, peerName string) {
	// The primer exists only to shape the offer; nobody reads it, and
	// an idle blocked reader on it would hold an SCTP stream open.
	if channel.Label() == primerLabel {
		channel.OnOpen(func() { channel.Close() })
		return
	}

	channel.OnOpen(func() {
		raw, err := channel.Detach()
		if err != nil {
			wt.logger.Error("detaching inbound data channel failed",
				"peer", peerName, "label", channel.Label(), "error", err)
			return
		}
		conn := NewDataChannelConn(raw, wt.name+"/"+channel.Label(), peerName+"/"+channel.Label())
		select {
		case wt.inbound <- conn:
		case <-wt.closed:
			conn.Close()
		}
	})
}

// openDataChannel opens a new stream on peer.
func (wt *WebRTCTransport) openDataChannel(ctx context.Context, peer *peerState) (net.Conn, error) {
	label := fmt.Sprintf("stream-%d", wt.channelCounter.Add(1))
	ordered := true
	channel, err := peer.connection.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	opened := make(chan struct{})
	channel.OnOpen(func() { close(opened) })
	select {
	case <-opened:
	case <-time.After(channelOpenTimeout):
		channel.Close()
		return nil, fmt.Errorf("data channel %s did not open within %s", label, channelOpenTimeout)
	case <-ctx.Done():
		channel.Close()
		return nil, ctx.Err()
	case <-wt.closed:
		channel.Close()
		return nil, net.ErrClosed
	}

	raw, err := channel.Detach()
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("detaching data channel %s: %w", label, err)
	}
	wt.logger.Debug("data channel opened", "peer", peer.name, "label", label)
	return NewDataChannelConn(raw, wt.name+"/"+label, peer.name+"/"+label), nil
}

func (wt *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	wt.configMu.RLock()
	config := webrtc.Configuration{ICEServers: wt.iceConfig.Servers}
	wt.configMu.RUnlock()

	// Detached channels give a plain ReadWriteCloser; loopback
	// candidates let two peers on one host (and tests) connect.
	settings := webrtc.SettingEngine{}
	settings.DetachDataChannels()
	settings.SetIncludeLoopbackCandidate(true)
	return webrtc.NewAPI(webrtc.WithSettingEngine(settings)).NewPeerConnection(config)
}

func alive(connection *webrtc.PeerConnection) bool {
	state := connection.ICEConnectionState()
	return state != webrtc.ICEConnectionStateFailed && state != webrtc.ICEConnectionStateClosed
}

// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robertoamoreno/p2p-claude-code/lib/clock"
)

// Signaler exchanges WebRTC session descriptions between peers. All
// ICE candidates are embedded in the SDP before publishing, so one
// offer and one answer establish a PeerConnection.
type Signaler interface {
	// PublishOffer publishes offerer's SDP offer to target.
	PublishOffer(ctx context.Context, offerer, target, sdp string) error

	// PublishAnswer publishes answerer's SDP answer to an offer from
	// offerer.
	PublishAnswer(ctx context.Context, offerer, answerer, sdp string) error

	// PollOffers returns offers addressed to local that are newer
	// than any previously returned from the same offerer.
	PollOffers(ctx context.Context, local string) ([]SignalMessage, error)

	// PollAnswers returns answers to local's offers that are newer
	// than any previously returned from the same answerer.
	PollAnswers(ctx context.Context, local string) ([]SignalMessage, error)
}

// SignalMessage is an offer or answer from Peer.
type SignalMessage struct {
	Peer      string
	SDP       string
	Timestamp time.Time
}

const (
	offerPrefix  = "webrtc/offer/"
	answerPrefix = "webrtc/answer/"

	// pairSeparator joins offerer and target in a signaling key. Peer
	// names must not contain it.
	pairSeparator = "|"
)

// signalRecord is the stored form of a SignalMessage.
type signalRecord struct {
	Peer      string    `json:"peer"`
	SDP       string    `json:"sdp"`
	CreatedAt time.Time `json:"createdAt"`
}

var _ Signaler = (*StoreSignaler)(nil)

// StoreSignaler carries signaling through a Store. An offer from A to
// B lives at "webrtc/offer/A|B" and B's answer at "webrtc/answer/A|B";
// republishing overwrites, and pollers track the newest timestamp seen
// per key so each signal is returned once.
type StoreSignaler struct {
	store Store
	clock clock.Clock

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewStoreSignaler signals through store.
func NewStoreSignaler(store Store, clk clock.Clock) *StoreSignaler {
	return &StoreSignaler{
		store:    store,
		clock:    clk,
		lastSeen: make(map[string]time.Time),
	}
}

func (s *StoreSignaler) PublishOffer(ctx context.Context, offerer, target, sdp string) error {
	return s.publish(ctx, offerPrefix+offerer+pairSeparator+target, offerer, sdp)
}

func (s *StoreSignaler) PublishAnswer(ctx context.Context, offerer, answerer, sdp string) error {
	return s.publish(ctx, answerPrefix+offerer+pairSeparator+answerer, answerer, sdp)
}

func (s *StoreSignaler) PollOffers(ctx context.Context, local string) ([]SignalMessage, error) {
	return s.poll(ctx, offerPrefix, func(offerer, target string) bool { return target == local })
}

func (s *StoreSignaler) PollAnswers(ctx context.Context, local string) ([]SignalMessage, error) {
	return s.poll(ctx, answerPrefix, func(offerer, answerer string) bool { return offerer == local })
}

func (s *StoreSignaler) publish(ctx context.Context, key, peer, sdp string) error {
	data, err := json.Marshal(signalRecord{Peer: peer, SDP: sdp, CreatedAt: s.clock.Now().UTC()})
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}
	return nil
}

func (s *StoreSignaler) poll(ctx context.Context, prefix string, match func(offerer, target string) bool) ([]SignalMessage, error) {
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var messages []SignalMessage
	for _, key := range keys {
		offerer, target, ok := strings.Cut(strings.TrimPrefix(key, prefix), pairSeparator)
		if !ok || !match(offerer, target) {
			continue
		}
		data, err := s.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return messages, err
		}
		var record signalRecord
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}

		s.mu.Lock()
		last, seen := s.lastSeen[key]
		fresh := !seen || record.CreatedAt.After(last)
		if fresh {
			s.lastSeen[key] = record.CreatedAt
		}
		s.mu.Unlock()

		if fresh {
			messages = append(messages, SignalMessage{Peer: record.Peer, SDP: record.SDP, Timestamp: record.CreatedAt})
		}
	}
	return messages, nil
}

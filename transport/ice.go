// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig lists the STUN and TURN servers used while gathering
// candidates. The zero value gathers host candidates only, which is
// enough on one machine or one LAN.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig from server URLs such as
// "stun:stun.l.google.com:19302" or "turn:turn.example.net:3478".
// username and credential apply to every TURN URL; STUN URLs get
// their own entry without them.
func ICEConfigFromURLs(urls []string, username, credential string) ICEConfig {
	var stun, turn []string
	for _, url := range urls {
		if strings.HasPrefix(url, "turn") {
			turn = append(turn, url)
		} else {
			stun = append(stun, url)
		}
	}

	var config ICEConfig
	if len(stun) > 0 {
		config.Servers = append(config.Servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		config.Servers = append(config.Servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: credential,
		})
	}
	return config
}

package transport

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig holds the helper servers used to find a direct path between
// peers.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering.
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig from configured helper URIs. The
// credentials are attached to TURN entries only; STUN servers are public.
func ICEConfigFromURLs(urls []string, username, credential string) ICEConfig {
	var stun, turn []string
	for _, u := range urls {
		u = strings.TrimSpace(u)
		switch {
		case u == "":
		case strings.HasPrefix(u, "turn:"), strings.HasPrefix(u, "turns:"):
			turn = append(turn, u)
		default:
			stun = append(stun, u)
		}
	}

	var cfg ICEConfig
	if len(stun) > 0 {
		cfg.Servers = append(cfg.Servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		cfg.Servers = append(cfg.Servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: credential,
		})
	}
	return cfg
}

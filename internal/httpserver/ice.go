package httpserver

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/henrydev1610/hutz-live-85-sub002/internal/config"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/turnrest"
)

// ICEDirectory assembles the ICE server list served to clients, splicing in
// coturn TURN REST ephemeral credentials when a shared secret is configured.
type ICEDirectory struct {
	ice config.ICEConfig
	gen *turnrest.Generator
}

func NewICEDirectory(cfg config.Config) (*ICEDirectory, error) {
	d := &ICEDirectory{ice: cfg.ICE}
	if cfg.TurnREST.Enabled() {
		gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TurnREST.SharedSecret,
			TTLSeconds:     cfg.TurnREST.TTLSeconds,
			UsernamePrefix: cfg.TurnREST.UsernamePrefix,
			TURNURLs:       cfg.TurnREST.URLs,
		})
		if err != nil {
			return nil, fmt.Errorf("turn rest generator: %w", err)
		}
		d.gen = gen
	}
	return d, nil
}

// ServersFor returns the list for one client. clientID keys the ephemeral
// TURN credentials; empty means a random per-call identity. With relayOnly
// the static STUN entries are stripped so the browser is forced through TURN.
func (d *ICEDirectory) ServersFor(clientID string, relayOnly bool) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if relayOnly {
		servers = d.ice.RelayOnlyList()
	} else {
		servers = d.ice.ServerList()
	}

	if d.gen == nil {
		if servers == nil {
			servers = []webrtc.ICEServer{}
		}
		return servers
	}

	entry, err := d.gen.ServerFor(clientID)
	if err != nil {
		// Losing the ephemeral entry degrades to the static list; the client
		// can still connect wherever STUN suffices.
		return servers
	}

	// Ephemeral credentials supersede any static ones on matching TURN
	// entries, then the generator's own urls are appended.
	username := entry.Username
	credential, _ := entry.Credential.(string)
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return append(out, entry)
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}

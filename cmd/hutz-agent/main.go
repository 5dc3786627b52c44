// hutz-agent is a headless signaling client: it joins a room, negotiates one
// peer connection per remote participant, and keeps delivering signaling
// over the HTTP fallback path while the websocket is down. Useful as a load
// generator and as a reference client.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/henrydev1610/hutz-live-85-sub002/internal/config"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/fallback"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/metrics"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/orchestrator"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/peermgr"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/signal"
)

const fallbackPollInterval = 5 * time.Second

func main() {
	fs := flag.NewFlagSet("hutz-agent", flag.ContinueOnError)
	endpoint := fs.String("endpoint", "", "signaling server base URL (default HUTZ_SIGNALING_PUBLIC_BASE_URL)")
	room := fs.String("room", "", "room to join (required)")
	user := fs.String("user", "", "stable user id (default random)")
	roleFlag := fs.String("role", "participant", "role: participant or host")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Ambient configuration comes from the environment only; the agent's own
	// flags stay out of config.Load's way.
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	if *room == "" {
		fmt.Fprintln(os.Stderr, "missing required --room")
		os.Exit(2)
	}
	base := *endpoint
	if base == "" {
		base = cfg.PublicBaseURL
	}
	if base == "" {
		fmt.Fprintln(os.Stderr, "no endpoint: set --endpoint or HUTZ_SIGNALING_PUBLIC_BASE_URL")
		os.Exit(2)
	}
	userID := *user
	if userID == "" {
		userID = "agent-" + uuid.NewString()[:8]
	}

	var role peermgr.Role
	switch *roleFlag {
	case "participant":
		role = peermgr.RoleParticipant
	case "host":
		role = peermgr.RoleHost
	default:
		fmt.Fprintf(os.Stderr, "invalid --role %q\n", *roleFlag)
		os.Exit(2)
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, base, *room, userID, role); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config, base, room, userID string, role peermgr.Role) error {
	httpBase, err := httpBaseURL(base)
	if err != nil {
		return err
	}

	logger.Info("starting hutz-agent",
		"endpoint", base,
		"room", room,
		"user_id", userID,
		"role", role.String(),
	)

	m := metrics.New()

	client := orchestrator.New(logger, orchestrator.Config{
		Endpoint:          base,
		APIKey:            cfg.APIKey,
		UserID:            userID,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	defer client.Close()

	secondary := fallback.NewHTTPChannel(http.DefaultClient, httpBase).WithAPIKey(cfg.APIKey)
	chain := fallback.NewChain(logger, m, client, secondary, nil)

	iceServers := fetchICEServers(ctx, logger, httpBase, cfg)

	var src *peermgr.MediaSource
	if role == peermgr.RoleParticipant {
		src, err = peermgr.NewMediaSource(true, true)
		if err != nil {
			return err
		}
		go pushSyntheticMedia(ctx, src)
	}

	mgr := peermgr.NewManager(logger, peermgr.NewAPI(logger), peermgr.Config{
		RoomID:     room,
		UserID:     userID,
		Role:       role,
		ICEServers: iceServers,
	}, src, chain)
	defer mgr.Close()

	dedup := fallback.NewDedup(0)
	route := func(msg signal.Message) {
		if dedup.Seen(msg.ID) {
			return
		}
		var err error
		switch msg.Type {
		case signal.TypeOffer:
			err = mgr.HandleOffer(msg)
		case signal.TypeAnswer:
			err = mgr.HandleAnswer(msg)
		case signal.TypeICECandidate:
			err = mgr.HandleCandidate(msg)
		case signal.TypeRenewTrack:
			err = mgr.HandleRenewTrack(msg)
		}
		if err != nil {
			logger.Warn("signaling message rejected", "type", string(msg.Type), "err", err)
		}
	}

	for _, t := range []signal.MessageType{
		signal.TypeOffer, signal.TypeAnswer, signal.TypeICECandidate, signal.TypeRenewTrack,
	} {
		client.Subscribe(t, route)
	}
	client.Subscribe(signal.TypeRoomParticipants, func(msg signal.Message) {
		for _, p := range msg.Participants {
			connectTo(logger, mgr, role, p)
		}
	})
	client.Subscribe(signal.TypeUserConnected, func(msg signal.Message) {
		connectTo(logger, mgr, role, msg.UserID)
	})
	client.Subscribe(signal.TypeUserDisconnected, func(msg signal.Message) {
		logger.Info("participant left", "user_id", msg.UserID)
		mgr.Teardown(msg.UserID)
	})
	client.Subscribe(signal.TypeError, func(msg signal.Message) {
		logger.Warn("server error event", "message", msg.Message)
	})

	client.OnStatusChange(func(_, status orchestrator.Status) {
		if status != orchestrator.StatusConnected {
			return
		}
		joinCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.JoinRoom(joinCtx, room); err != nil {
			logger.Error("join failed", "room", room, "err", err)
		}
	})
	client.OnError(func(err error) {
		logger.Warn("transport error", "err", err)
	})

	// The poller drains server-parked messages regardless of websocket state,
	// covering the window where only the HTTP path works.
	poller := fallback.NewPoller(logger, m, http.DefaultClient, httpBase, userID, fallbackPollInterval, route).WithAPIKey(cfg.APIKey)
	go poller.Run(ctx)

	return client.Run(ctx)
}

// connectTo starts negotiation toward a newly visible participant. Only the
// sending side offers; a host waits for the participant's offer.
func connectTo(logger *slog.Logger, mgr *peermgr.Manager, role peermgr.Role, participantID string) {
	if participantID == "" {
		return
	}
	if role != peermgr.RoleParticipant {
		return
	}
	if err := mgr.InitiateOffer(participantID); err != nil {
		logger.Warn("offer initiation failed", "participant", participantID, "err", err)
	}
}

// fetchICEServers asks the signaling server for its ICE directory so the
// agent uses the same STUN/TURN view as browser clients. Falls back to the
// locally configured servers when the endpoint is unreachable.
func fetchICEServers(ctx context.Context, logger *slog.Logger, httpBase string, cfg config.Config) []webrtc.ICEServer {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, httpBase+"/ice-servers", nil)
	if err != nil {
		return cfg.ICE.ServerList()
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Warn("ice directory unreachable, using local defaults", "err", err)
		return cfg.ICE.ServerList()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Warn("ice directory rejected request, using local defaults", "status", resp.StatusCode)
		return cfg.ICE.ServerList()
	}

	var body struct {
		ICEServers []signal.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		logger.Warn("ice directory response undecodable, using local defaults", "err", err)
		return cfg.ICE.ServerList()
	}

	out := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		entry := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			entry.Credential = s.Credential
		}
		out = append(out, entry)
	}
	if len(out) == 0 {
		return cfg.ICE.ServerList()
	}
	return out
}

// pushSyntheticMedia feeds placeholder frames so senders have flowing tracks
// even without a capture device.
func pushSyntheticMedia(ctx context.Context, src *peermgr.MediaSource) {
	videoTick := time.NewTicker(time.Second / 30)
	audioTick := time.NewTicker(20 * time.Millisecond)
	defer videoTick.Stop()
	defer audioTick.Stop()

	videoFrame := make([]byte, 1200)
	audioFrame := make([]byte, 160)
	for {
		select {
		case <-ctx.Done():
			return
		case <-videoTick.C:
			_ = src.WriteSample(webrtc.RTPCodecTypeVideo, media.Sample{
				Data:     videoFrame,
				Duration: time.Second / 30,
			})
		case <-audioTick.C:
			_ = src.WriteSample(webrtc.RTPCodecTypeAudio, media.Sample{
				Data:     audioFrame,
				Duration: 20 * time.Millisecond,
			})
		}
	}
}

// httpBaseURL normalizes the endpoint to its http(s) form for the fallback
// REST calls.
func httpBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}

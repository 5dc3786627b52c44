package peermgr

import (
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// NewAPI builds the pion API all peer connections share. The SettingEngine
// carries the slog-bridged logger factory so pion internals log through the
// same handler as the rest of the process.
func NewAPI(log *slog.Logger) *webrtc.API {
	if log == nil {
		log = slog.Default()
	}
	se := webrtc.SettingEngine{
		LoggerFactory: slogFactory{log: log},
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

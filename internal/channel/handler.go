package channel

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"archipel/pkg/interfaces"
)

var upgrader = websocket.Upgrader{
	// The wire protocol carries its own registration step; origin policy is
	// left to the deployment in front of the server.
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// Handler upgrades HTTP requests to websocket channels and attaches each new
// channel to the initial observer, which is the directory: a fresh channel
// starts in directory scope and moves into session scope only by enrollment.
type Handler struct {
	observer interfaces.Observer
	opts     Options
}

// NewHandler builds the /ws endpoint handler.
func NewHandler(obs interfaces.Observer, opts Options) *Handler {
	return &Handler{observer: obs, opts: opts}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	New(conn, h.observer, h.opts)
	log.Debug().Str("remote", r.RemoteAddr).Msg("channel opened")
}

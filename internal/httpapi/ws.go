package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/waytrail/routes/internal/metrics"
	"github.com/waytrail/routes/internal/realtime"
)

const writeWait = 10 * time.Second

// lagNotice tells a slow client how many updates it missed. The client
// refetches the route to resync.
type lagNotice struct {
	Type    string `json:"type"`
	Skipped uint64 `json:"skipped"`
}

// handleWebsocket upgrades the connection and streams the route's
// completion events. Auth runs before the upgrade: browsers cannot set
// headers on websocket requests, so the token rides a query parameter.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	routeID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed route id")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	userID, err := s.verifier.VerifyAccess(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := s.logger.With(
		zap.String("route_id", routeID.String()),
		zap.String("user_id", userID.String()),
	)
	log.Debug("websocket subscriber connected")

	metrics.WebsocketSubscribers.Inc()
	defer metrics.WebsocketSubscribers.Dec()

	sub := s.hub.Subscribe(routeID)
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames so pings are answered and closure is noticed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		payload, skipped, err := sub.Recv(ctx)
		if err != nil {
			if errors.Is(err, realtime.ErrClosed) {
				deadline := time.Now().Add(writeWait)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					deadline,
				)
			}
			return
		}

		if payload == nil {
			log.Warn("subscriber lagged", zap.Uint64("skipped", skipped))
			notice, _ := json.Marshal(lagNotice{Type: "lagged", Skipped: skipped})
			payload = notice
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

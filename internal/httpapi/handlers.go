package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/waytrail/routes/internal/route"
)

type authedHandler func(w http.ResponseWriter, r *http.Request, userID uuid.UUID)

// requireAuth gates a handler on a bearer access token. Refresh tokens
// are rejected even though they carry the same signature.
func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.verifier.VerifyAccess(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) handleCreateRoute(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	var in route.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	created, err := s.routes.Create(r.Context(), userID, in)
	if err != nil {
		s.writeServiceError(w, err, created)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateRoute(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	routeID, ok := pathID(w, r)
	if !ok {
		return
	}

	var in route.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	updated, err := s.routes.Update(r.Context(), userID, routeID, in)
	if err != nil {
		s.writeServiceError(w, err, updated)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	routeID, ok := pathID(w, r)
	if !ok {
		return
	}

	found, err := s.routes.Get(r.Context(), userID, routeID)
	if err != nil {
		s.writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	list, err := s.routes.List(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err, nil)
		return
	}
	if list == nil {
		list = []*route.Route{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleShareRoute(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	routeID, ok := pathID(w, r)
	if !ok {
		return
	}

	token, err := s.routes.Share(r.Context(), userID, routeID)
	if err != nil {
		s.writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"share_token": token})
}

func (s *Server) handleGetShared(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	found, err := s.routes.GetShared(r.Context(), token)
	if err != nil {
		s.writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed route id")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps service errors onto status codes. An
// ErrTransport still carries the persisted route: the row is written,
// only the processing enqueue failed, and a re-submit retries it.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, persisted *route.Route) {
	var verr *route.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, route.ErrNotFound):
		writeError(w, http.StatusNotFound, "route not found")
	case errors.Is(err, route.ErrTransport):
		body := map[string]any{"error": "photo processing could not be scheduled, re-submit to retry"}
		if persisted != nil {
			body["route"] = persisted
		}
		writeJSON(w, http.StatusBadGateway, body)
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/operation"
	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/transport"
	"github.com/zeusync/scenesync/internal/core/visibility"
	"github.com/zeusync/scenesync/internal/session"
)

type identityRequest struct {
	User     string `json:"user"`
	Device   string `json:"device,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

type statusRequest struct {
	User   string `json:"user"`
	Status string `json:"status"`
}

type statusResponse struct {
	User   string `json:"user"`
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`

	// Expires is unix milliseconds.
	Expires int64 `json:"expires,omitempty"`
}

type joinRequest struct {
	User  string `json:"user"`
	Token string `json:"token"`
}

type entityRequest struct {
	User   string `json:"user"`
	Kind   string `json:"kind"`
	Parent uint32 `json:"parent,omitempty"`
	Name   string `json:"name,omitempty"`
}

// EntityView is the JSON form of an entity's state as one user sees it.
type EntityView struct {
	ID         uint32            `json:"id"`
	Parent     uint32            `json:"parent,omitempty"`
	Kind       string            `json:"kind"`
	Properties map[string]string `json:"properties"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler routes the control surface and the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /identity", s.handleGetIdentity)
	mux.HandleFunc("POST /identity", s.handlePostIdentity)
	mux.HandleFunc("POST /status", s.handleStatus)
	mux.HandleFunc("POST /join", s.handleJoin)
	mux.HandleFunc("GET /environment", s.handleEnvironment)
	mux.HandleFunc("POST /entities", s.handleCreateEntity)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("POST /relay", s.handleRelay)
	return logRequests(s.logger, mux)
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	id := property.UserID(r.URL.Query().Get("user"))
	var info session.Info
	err := s.env.Do(r.Context(), func(env *session.Environment) error {
		u, ok := env.User(id)
		if !ok {
			return fmt.Errorf("%w: %s", session.ErrUnknownUser, id)
		}
		info = u.Info()
		return nil
	})
	s.respond(w, r, info, err)
}

func (s *Server) handlePostIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !s.decode(w, r, &req) {
		return
	}
	var info session.Info
	err := s.env.Do(r.Context(), func(env *session.Environment) error {
		u, err := env.Identify(property.UserID(req.User), visibility.ParseDeviceClass(req.Device), req.Encoding)
		if err != nil {
			return err
		}
		info = u.Info()
		return nil
	})
	s.respond(w, r, info, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	status, ok := session.ParseStatus(req.Status)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: unknown status %q", ErrBadRequest, req.Status))
		return
	}

	id := property.UserID(req.User)
	resp := statusResponse{User: req.User}
	err := s.env.Do(r.Context(), func(env *session.Environment) error {
		got, err := env.SetStatus(r.Context(), id, status)
		resp.Status = got.String()
		if err != nil {
			return err
		}
		if token, expires, ok := env.Dispatcher().Token(id); ok {
			resp.Token, resp.Expires = token, expires.UnixMilli()
		}
		return nil
	})
	s.respond(w, r, resp, err)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !s.decode(w, r, &req) {
		return
	}
	var info session.Info
	err := s.env.Do(r.Context(), func(env *session.Environment) error {
		id := property.UserID(req.User)
		if err := env.Join(r.Context(), id, req.Token); err != nil {
			return err
		}
		u, _ := env.User(id)
		info = u.Info()
		return nil
	})
	s.respond(w, r, info, err)
}

// handleEnvironment returns what the user can see, or only the entities named
// by the ids query parameter.
func (s *Server) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	id := property.UserID(r.URL.Query().Get("user"))
	if err := s.authorize(r, id); err != nil {
		s.fail(w, r, err)
		return
	}
	ids, err := parseIDs(r.URL.Query().Get("ids"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var loads []operation.LoadEntity
	err = s.env.Do(r.Context(), func(env *session.Environment) error {
		var err error
		if ids == nil {
			loads, err = env.Snapshot(id)
		} else {
			loads, err = env.Lookup(id, ids)
		}
		return err
	})
	views := make([]EntityView, len(loads))
	for i, l := range loads {
		views[i] = viewOf(l)
	}
	s.respond(w, r, views, err)
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.authorize(r, property.UserID(req.User)); err != nil {
		s.fail(w, r, err)
		return
	}
	kind, ok := scene.ParseNodeKind(req.Kind)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: unknown kind %q", ErrBadRequest, req.Kind))
		return
	}

	var view EntityView
	err := s.env.Do(r.Context(), func(env *session.Environment) error {
		e, err := env.CreateEntity(kind, scene.EntityID(req.Parent), scene.WithName(req.Name))
		if err != nil {
			return err
		}
		view = viewOf(operation.NewLoad(e, property.UserID(req.User)))
		return nil
	})
	if err == nil {
		w.Header().Set("Location", fmt.Sprintf("/environment?user=%s&ids=%d", req.User, view.ID))
		s.writeJSON(w, http.StatusCreated, view)
		return
	}
	s.fail(w, r, err)
}

// authorize checks the bearer token (or token query parameter) of a request
// made on behalf of user.
func (s *Server) authorize(r *http.Request, user property.UserID) error {
	token := bearerToken(r)
	if token == "" {
		return ErrMissingToken
	}
	return s.env.Dispatcher().ValidateToken(user, token)
}

func bearerToken(r *http.Request) string {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return token
}

func parseIDs(raw string) ([]scene.EntityID, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]scene.EntityID, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: entity id %q", ErrBadRequest, p)
		}
		out = append(out, scene.EntityID(n))
	}
	return out, nil
}

func viewOf(l operation.LoadEntity) EntityView {
	v := EntityView{
		ID:         uint32(l.Entity),
		Parent:     uint32(l.Parent),
		Kind:       l.Kind.String(),
		Properties: make(map[string]string, len(l.Properties)),
	}
	for _, p := range l.Properties {
		v.Properties[p.Key.String()] = p.Value.String()
	}
	return v
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, body any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed", log.String("path", r.URL.Path), log.Error(err))
	} else {
		s.logger.Debug("Request rejected", log.String("path", r.URL.Path), log.Int("status", code), log.Error(err))
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Response write failed", log.Error(err))
	}
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownUser):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, session.ErrInvalidIdentity),
		errors.Is(err, session.ErrInvalidStatus),
		errors.Is(err, scene.ErrInvalidKind),
		errors.Is(err, scene.ErrUnknownEntity),
		errors.Is(err, operation.ErrUnknownCodec):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrIdentityInUse):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	switch transport.GetErrorCode(err) {
	case transport.ErrorCodeInvalidToken, transport.ErrorCodeTokenExpired, transport.ErrorCodeAuthenticationFailed:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

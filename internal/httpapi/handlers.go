package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"jackdaw/hub/internal/auth"
)

// decodeJSON decodes a request body into v, rejecting unknown fields.
// An empty body leaves v at its zero value; allowEmpty controls whether
// that is accepted.
func decodeJSON(c echo.Context, v any, allowEmpty bool) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

// RegisterRequest is the body for POST /auth/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse is the payload for successful register and login.
type AuthResponse struct {
	Token             string `json:"token"`
	UserID            string `json:"user_id"`
	IsOwner           bool   `json:"is_owner"`
	HasPatchbayAccess bool   `json:"has_patchbay_access"`
}

func (s *Server) handleRegister(c echo.Context) error {
	var req RegisterRequest
	if err := decodeJSON(c, &req, false); err != nil {
		return err
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	user, token, err := s.store.Register(c.Request().Context(), req.Username, req.Password, req.Email)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, AuthResponse{
		Token:             token,
		UserID:            user.ID,
		IsOwner:           user.IsOwner,
		HasPatchbayAccess: user.HasPatchbayAccess,
	})
}

func (s *Server) handleLogin(c echo.Context) error {
	var req LoginRequest
	if err := decodeJSON(c, &req, false); err != nil {
		return err
	}

	user, token, err := s.store.Login(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, AuthResponse{
		Token:             token,
		UserID:            user.ID,
		IsOwner:           user.IsOwner,
		HasPatchbayAccess: user.HasPatchbayAccess,
	})
}

func (s *Server) handleLogout(c echo.Context) error {
	token, _ := c.Get(ctxToken).(string)
	if err := s.store.Logout(c.Request().Context(), token); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, statusOK())
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// RoomCreateRequest is the body for POST /rooms.
type RoomCreateRequest struct {
	Name            string `json:"name"`
	Passphrase      string `json:"passphrase,omitempty"`
	MaxParticipants int    `json:"max_participants,omitempty"`
}

// RoomJoinRequest is the body for POST /rooms/:id/join.
type RoomJoinRequest struct {
	Passphrase string `json:"passphrase,omitempty"`
}

func (s *Server) handleListRooms(c echo.Context) error {
	user := currentUser(c)
	if err := s.kernel.Authorize(&user, auth.ActionListRooms); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, s.registry.List())
}

func (s *Server) handleCreateRoom(c echo.Context) error {
	user := currentUser(c)
	if err := s.kernel.Authorize(&user, auth.ActionCreateRoom); err != nil {
		return fail(c, err)
	}

	var req RoomCreateRequest
	if err := decodeJSON(c, &req, false); err != nil {
		return err
	}
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "room name is required")
	}

	summary, err := s.registry.Create(c.Request().Context(), user.ID, req.Name, req.Passphrase, req.MaxParticipants)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) handleGetRoom(c echo.Context) error {
	detail, err := s.registry.Get(c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (s *Server) handleJoinRoom(c echo.Context) error {
	user := currentUser(c)
	if err := s.kernel.Authorize(&user, auth.ActionJoinRoom); err != nil {
		return fail(c, err)
	}

	var req RoomJoinRequest
	if err := decodeJSON(c, &req, true); err != nil {
		return err
	}

	info, err := s.registry.Join(c.Param("id"), user.ID, req.Passphrase)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleLeaveRoom(c echo.Context) error {
	user := currentUser(c)
	if err := s.registry.Leave(c.Param("id"), user.ID); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, statusOK())
}

func (s *Server) handleDeleteRoom(c echo.Context) error {
	user := currentUser(c)
	if err := s.kernel.Authorize(&user, auth.ActionDeleteRoom); err != nil {
		return fail(c, err)
	}
	if err := s.registry.Delete(c.Param("id"), user.ID); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, statusOK())
}

// ---------------------------------------------------------------------------
// Patchbay
// ---------------------------------------------------------------------------

// EdgeRequest is the body for POST /jack/connect and /jack/disconnect.
type EdgeRequest struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

func (s *Server) handleGraph(c echo.Context) error {
	g, err := s.graph.Snapshot(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

func (s *Server) handleConnect(c echo.Context) error {
	return s.handleEdge(c, true)
}

func (s *Server) handleDisconnect(c echo.Context) error {
	return s.handleEdge(c, false)
}

func (s *Server) handleEdge(c echo.Context, connect bool) error {
	user := currentUser(c)
	if err := s.kernel.Authorize(&user, auth.ActionMutateGraph); err != nil {
		return fail(c, err)
	}

	var req EdgeRequest
	if err := decodeJSON(c, &req, false); err != nil {
		return err
	}
	if req.Source == "" || req.Dest == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "source and dest are required")
	}

	var err error
	if connect {
		err = s.graph.Connect(c.Request().Context(), req.Source, req.Dest)
	} else {
		err = s.graph.Disconnect(c.Request().Context(), req.Source, req.Dest)
	}
	if err != nil {
		return fail(c, err)
	}

	if s.broker != nil {
		s.broker.BroadcastGraph()
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"source": req.Source,
		"dest":   req.Dest,
	})
}

// ---------------------------------------------------------------------------
// Users (owner only)
// ---------------------------------------------------------------------------

// UserSummary is the listing shape for GET /users.
type UserSummary struct {
	ID                string `json:"id"`
	Username          string `json:"username"`
	CreatedAt         string `json:"created_at"`
	IsOwner           bool   `json:"is_owner"`
	HasPatchbayAccess bool   `json:"has_patchbay_access"`
}

// PermissionsRequest is the body for POST /users/:id/permissions.
type PermissionsRequest struct {
	HasPatchbayAccess bool `json:"has_patchbay_access"`
}

func (s *Server) handleListUsers(c echo.Context) error {
	user := currentUser(c)
	if err := s.kernel.Authorize(&user, auth.ActionListUsers); err != nil {
		return fail(c, err)
	}

	users, err := s.store.Users(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		out = append(out, UserSummary{
			ID:                u.ID,
			Username:          u.Username,
			CreatedAt:         u.CreatedAt.Format(time.RFC3339),
			IsOwner:           u.IsOwner,
			HasPatchbayAccess: u.HasPatchbayAccess,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleSetPermissions(c echo.Context) error {
	user := currentUser(c)
	if err := s.kernel.Authorize(&user, auth.ActionGrantAccess); err != nil {
		return fail(c, err)
	}

	var req PermissionsRequest
	if err := decodeJSON(c, &req, false); err != nil {
		return err
	}
	if err := s.store.SetPatchbayAccess(c.Request().Context(), c.Param("id"), req.HasPatchbayAccess); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, statusOK())
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	ActiveRooms       int    `json:"active_rooms"`
	TotalParticipants int    `json:"total_participants"`
}

func (s *Server) handleHealth(c echo.Context) error {
	activeRooms, participants := s.registry.Counts()
	return c.JSON(http.StatusOK, HealthResponse{
		Status:            "ok",
		Version:           s.version,
		ActiveRooms:       activeRooms,
		TotalParticipants: participants,
	})
}

func statusOK() map[string]string {
	return map[string]string{"status": "ok"}
}

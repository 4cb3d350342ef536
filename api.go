package main

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/DMShort/DadLink/internal/authz"
	"github.com/DMShort/DadLink/internal/channels"
	"github.com/DMShort/DadLink/internal/sessions"
	istore "github.com/DMShort/DadLink/internal/store"
	"github.com/DMShort/DadLink/store"
)

// Version is stamped by the build; the default marks a from-source build.
var Version = "0.1.0-dev"

// APIServer provides HTTP REST endpoints for health checking and server
// administration. It runs on a separate TCP port from the control server.
type APIServer struct {
	store     *store.Store
	registry  *channels.Registry
	ciphers   *sessions.Registry
	echo      *echo.Echo
	startedAt time.Time
}

// NewAPIServer constructs an APIServer and registers all routes.
func NewAPIServer(st *store.Store, registry *channels.Registry, ciphers *sessions.Registry) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &APIServer{
		store:     st,
		registry:  registry,
		ciphers:   ciphers,
		echo:      e,
		startedAt: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *APIServer) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/status", s.handleStatus)
	s.echo.GET("/api/channels", s.handleGetChannels)
	s.echo.POST("/api/channels", s.handleCreateChannel)
	s.echo.DELETE("/api/channels/:id", s.handleDeleteChannel)
	s.echo.GET("/api/channels/:id/roster", s.handleRoster)
	s.echo.GET("/api/users", s.handleGetUsers)
	s.echo.POST("/api/users", s.handleCreateUser)
	s.echo.GET("/api/roles", s.handleGetRoles)
	s.echo.POST("/api/roles", s.handleCreateRole)
	s.echo.POST("/api/roles/assign", s.handleAssignRole)
	s.echo.GET("/api/audit", s.handleAudit)
}

// Run serves the API until ctx is canceled.
func (s *APIServer) Run(ctx context.Context, addr string) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutdownCtx)
	}()
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		log.Printf("[api] %v", err)
	}
}

func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := "internal error"
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}

func (s *APIServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *APIServer) handleStatus(c echo.Context) error {
	chs := s.registry.Channels()
	rosters := make(map[string]int, len(chs))
	for _, ch := range chs {
		rosters[ch.Name] = len(s.registry.Roster(ch.ID))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"keyed_sessions": s.ciphers.Count(),
		"channels":       len(chs),
		"rosters":        rosters,
	})
}

func (s *APIServer) handleGetChannels(c echo.Context) error {
	chs, err := s.store.Channels()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list channels")
	}
	return c.JSON(http.StatusOK, chs)
}

func (s *APIServer) handleCreateChannel(c echo.Context) error {
	var req struct {
		OrgID       uint32 `json:"org_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Password    string `json:"password"`
	}
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if req.OrgID == 0 {
		req.OrgID = 1
	}

	hash := ""
	if req.Password != "" {
		var err error
		hash, err = istore.HashPassword(req.Password)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "hash password")
		}
	}

	id, err := s.store.CreateChannel(req.OrgID, req.Name, req.Description, hash)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, "create channel")
	}
	// Make it joinable immediately, without a restart.
	s.registry.RegisterChannel(channels.Channel{
		ID:      id,
		OrgID:   req.OrgID,
		Name:    req.Name,
		Private: hash != "",
	})
	return c.JSON(http.StatusCreated, map[string]any{"id": id})
}

func (s *APIServer) handleDeleteChannel(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad channel id")
	}
	if err := s.store.DeleteChannel(uint32(id)); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "delete channel")
	}
	s.registry.UnregisterChannel(uint32(id))
	return c.NoContent(http.StatusNoContent)
}

func (s *APIServer) handleRoster(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad channel id")
	}
	roster := s.registry.Roster(uint32(id))
	if roster == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such channel")
	}
	return c.JSON(http.StatusOK, roster)
}

func (s *APIServer) handleGetUsers(c echo.Context) error {
	orgID := uint32(1)
	if raw := c.QueryParam("org_id"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "bad org id")
		}
		orgID = uint32(v)
	}
	users, err := s.store.Users(c.Request().Context(), orgID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list users")
	}
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]any{
			"id":       u.ID,
			"org_id":   u.OrgID,
			"username": u.Username,
			"email":    u.Email,
			"online":   s.ciphers.Contains(u.ID),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *APIServer) handleCreateUser(c echo.Context) error {
	var req struct {
		OrgID    uint32 `json:"org_id"`
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if err := c.Bind(&req); err != nil || req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}
	if req.OrgID == 0 {
		req.OrgID = 1
	}
	u, err := s.store.CreateUser(c.Request().Context(), req.OrgID, req.Username, req.Password, req.Email)
	if err == istore.ErrUserExists {
		return echo.NewHTTPError(http.StatusConflict, "username already exists")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]any{"id": u.ID, "username": u.Username})
}

func (s *APIServer) handleGetRoles(c echo.Context) error {
	orgID := uint32(1)
	if raw := c.QueryParam("org_id"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "bad org id")
		}
		orgID = uint32(v)
	}
	roles, err := s.store.RolesByOrg(c.Request().Context(), orgID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list roles")
	}
	type roleJSON struct {
		ID          uint32 `json:"id"`
		OrgID       uint32 `json:"org_id"`
		Name        string `json:"name"`
		Permissions uint32 `json:"permissions"`
		Priority    uint32 `json:"priority"`
	}
	out := make([]roleJSON, 0, len(roles))
	for _, r := range roles {
		out = append(out, roleJSON{
			ID:          r.ID,
			OrgID:       r.OrgID,
			Name:        r.Name,
			Permissions: uint32(r.Permissions),
			Priority:    r.Priority,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *APIServer) handleCreateRole(c echo.Context) error {
	var req struct {
		OrgID       uint32 `json:"org_id"`
		Name        string `json:"name"`
		Permissions uint32 `json:"permissions"`
		Priority    uint32 `json:"priority"`
	}
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if req.OrgID == 0 {
		req.OrgID = 1
	}
	r, err := s.store.CreateRole(c.Request().Context(), req.OrgID, req.Name, authz.Permissions(req.Permissions), req.Priority)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, "create role")
	}
	return c.JSON(http.StatusCreated, map[string]any{"id": r.ID})
}

func (s *APIServer) handleAssignRole(c echo.Context) error {
	var req struct {
		UserID uint32 `json:"user_id"`
		RoleID uint32 `json:"role_id"`
	}
	if err := c.Bind(&req); err != nil || req.UserID == 0 || req.RoleID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and role_id are required")
	}
	if err := s.store.AssignRole(c.Request().Context(), req.UserID, req.RoleID); err != nil {
		if err == istore.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "no such role")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "assign role")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIServer) handleAudit(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	entries, err := s.store.GetAuditLog(c.QueryParam("action"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "read audit log")
	}
	return c.JSON(http.StatusOK, entries)
}

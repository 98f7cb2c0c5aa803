package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/gnasses/Cisco-Provider-API/internal/gateway"
	"github.com/gnasses/Cisco-Provider-API/internal/identity"
	"github.com/gnasses/Cisco-Provider-API/internal/policy"
	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

const userContextKey = "user"

// CommandRunner runs one command through the gateway pipeline
type CommandRunner interface {
	Run(ctx context.Context, req gateway.Request) (*models.CommandResult, error)
}

// Handler contains all API handlers
type Handler struct {
	identitySvc *identity.Service
	runner      CommandRunner
	safePolicy  policy.CommandPolicy
	freePolicy  policy.CommandPolicy
	logger      *zap.Logger
}

// NewHandler creates a new API handler. safePolicy guards the unauthenticated
// command route; freePolicy, which may be nil, guards the authenticated one.
func NewHandler(
	identitySvc *identity.Service,
	runner CommandRunner,
	safePolicy policy.CommandPolicy,
	freePolicy policy.CommandPolicy,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if safePolicy == nil {
		safePolicy = policy.NewAllowList(policy.DefaultSafeCommands)
	}
	return &Handler{
		identitySvc: identitySvc,
		runner:      runner,
		safePolicy:  safePolicy,
		freePolicy:  freePolicy,
		logger:      logger,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.HealthCheck)

	api := e.Group("/api")

	// Account routes
	api.POST("/users", h.CreateUser)
	api.GET("/users/:id", h.GetUser)
	api.POST("/users/:id", h.GetUser)

	// Allow-listed commands need no account
	api.GET("/safecommand/:device/:command", h.SafeCommand)
	api.POST("/safecommand/:device/:command", h.SafeCommand)

	// Authenticated routes
	authed := api.Group("", h.BasicAuth())
	authed.GET("/token", h.GetToken)
	authed.POST("/token", h.GetToken)
	authed.GET("/resource", h.GetResource)
	authed.GET("/command/:device/:command", h.Command)
	authed.POST("/command/:device/:command", h.Command)
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	})
}

// CreateUser registers a new API account
func (h *Handler) CreateUser(c echo.Context) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return h.errorResponse(c, http.StatusBadRequest, models.CodeInvalidRequest, "invalid request")
	}

	user, err := h.identitySvc.CreateUser(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		var apiErr *models.APIError
		switch {
		case errors.Is(err, models.ErrUserExists):
			return h.errorResponse(c, http.StatusBadRequest, models.CodeUserExists, "user already exists")
		case errors.As(err, &apiErr):
			return h.apiError(c, http.StatusBadRequest, apiErr)
		default:
			h.logger.Error("Failed to create user", zap.Error(err))
			return h.errorResponse(c, http.StatusInternalServerError, models.CodeInternalError, "failed to create user")
		}
	}

	location := c.Scheme() + "://" + c.Request().Host + "/api/users/" + user.ID.String()
	c.Response().Header().Set(echo.HeaderLocation, location)
	return c.JSON(http.StatusCreated, map[string]string{"username": user.Username})
}

// GetUser returns the username for an account ID
func (h *Handler) GetUser(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return h.errorResponse(c, http.StatusBadRequest, models.CodeInvalidRequest, "invalid user ID")
	}

	user, err := h.identitySvc.GetUser(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return h.errorResponse(c, http.StatusBadRequest, models.CodeUserNotFound, "user not found")
		}
		h.logger.Error("Failed to load user", zap.Error(err))
		return h.errorResponse(c, http.StatusInternalServerError, models.CodeInternalError, "failed to load user")
	}

	return c.JSON(http.StatusOK, map[string]string{"username": user.Username})
}

// GetToken issues a bearer token for the authenticated account
func (h *Handler) GetToken(c echo.Context) error {
	user := UserFromContext(c)
	if user == nil {
		return h.errorResponse(c, http.StatusUnauthorized, models.CodeAuthFailed, "not authenticated")
	}

	token, err := h.identitySvc.IssueToken(user)
	if err != nil {
		h.logger.Error("Failed to issue token", zap.Error(err))
		return h.errorResponse(c, http.StatusInternalServerError, models.CodeInternalError, "failed to issue token")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"token":    token,
		"duration": int(h.identitySvc.TokenTTL().Seconds()),
	})
}

// GetResource greets the authenticated account
func (h *Handler) GetResource(c echo.Context) error {
	user := UserFromContext(c)
	if user == nil {
		return h.errorResponse(c, http.StatusUnauthorized, models.CodeAuthFailed, "not authenticated")
	}
	return c.JSON(http.StatusOK, map[string]string{"data": "Hello, " + user.Username + "!"})
}

// SafeCommand runs an allow-listed command without authentication
func (h *Handler) SafeCommand(c echo.Context) error {
	return h.runCommand(c, h.safePolicy)
}

// Command runs any command for an authenticated account
func (h *Handler) Command(c echo.Context) error {
	return h.runCommand(c, h.freePolicy)
}

func (h *Handler) runCommand(c echo.Context, p policy.CommandPolicy) error {
	req := gateway.Request{
		Host:    pathParam(c, "device"),
		Command: pathParam(c, "command"),
		Policy:  p,
	}

	result, err := h.runner.Run(c.Request().Context(), req)
	if err != nil {
		return h.commandError(c, err)
	}

	if result.IsStructured() {
		return c.JSON(http.StatusOK, result.Records)
	}
	return c.String(http.StatusOK, result.Raw)
}

func (h *Handler) commandError(c echo.Context, err error) error {
	var stageErr *models.StageError
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return h.errorResponse(c, http.StatusBadRequest, models.CodeInvalidRequest, "device and command are required")
	case errors.As(err, &stageErr):
		status := http.StatusBadGateway
		if stageErr.Stage == models.StagePolicy {
			status = http.StatusBadRequest
		}
		return h.apiError(c, status, models.NewStageError(stageErr.Stage, stageErr.Host, stageErr.Command, stageErr.Err))
	default:
		h.logger.Error("Command failed", zap.Error(err))
		return h.errorResponse(c, http.StatusInternalServerError, models.CodeInternalError, "command failed")
	}
}

func (h *Handler) errorResponse(c echo.Context, status int, code models.ErrorCode, message string) error {
	return h.apiError(c, status, models.NewAPIError(code, message))
}

func (h *Handler) apiError(c echo.Context, status int, apiErr *models.APIError) error {
	return c.JSON(status, models.NewErrorResponse(
		apiErr,
		c.Response().Header().Get(echo.HeaderXRequestID),
	))
}

// BasicAuth authenticates HTTP Basic credentials where the username field
// carries either an account name or a bearer token.
func (h *Handler) BasicAuth() echo.MiddlewareFunc {
	return middleware.BasicAuth(func(username, password string, c echo.Context) (bool, error) {
		user, err := h.identitySvc.Authenticate(c.Request().Context(), username, password)
		if err != nil {
			if errors.Is(err, models.ErrInvalidCredentials) {
				return false, nil
			}
			return false, err
		}
		c.Set(userContextKey, user)
		return true, nil
	})
}

// UserFromContext returns the authenticated account, if any
func UserFromContext(c echo.Context) *models.User {
	if user, ok := c.Get(userContextKey).(*models.User); ok {
		return user
	}
	return nil
}

// pathParam returns the decoded route parameter. The router matches on
// URL.RawPath when it is set, so only then is the value still escaped.
func pathParam(c echo.Context, name string) string {
	v := c.Param(name)
	if c.Request().URL.RawPath == "" {
		return v
	}
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

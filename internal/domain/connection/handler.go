package connection

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirsync/pkg/pagination"
)

// Authorizer exchanges a SMART authorization code for tokens.
type Authorizer interface {
	Exchange(ctx context.Context, providerID, code, redirectURI, codeVerifier string) (*Grant, error)
}

type Handler struct {
	svc  *Service
	auth Authorizer
}

func NewHandler(svc *Service, auth Authorizer) *Handler {
	return &Handler{svc: svc, auth: auth}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/connections", h.List)
	api.GET("/connections/:id", h.Get)
	api.POST("/connections", h.Create)
	api.POST("/connections/:id/revoke", h.Revoke)
}

type createRequest struct {
	ProviderID   string `json:"provider_id"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
}

// Create handles POST /connections: completes the SMART launch by exchanging
// the authorization code, then registers the connection.
func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ProviderID == "" || req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "provider_id and code are required")
	}
	if h.auth == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "authorization is not configured")
	}
	grant, err := h.auth.Exchange(c.Request().Context(), req.ProviderID, req.Code, req.RedirectURI, req.CodeVerifier)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	conn, err := h.svc.Register(c.Request().Context(), *grant)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, conn)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	conn, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, conn)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	activeOnly, _ := strconv.ParseBool(c.QueryParam("active"))
	items, total, err := h.svc.List(c.Request().Context(), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Revoke(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	conn, err := h.svc.Deactivate(c.Request().Context(), id, ReasonRevoked)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, conn)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrActiveExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

package importer

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirsync/internal/domain/connection"
	"github.com/ehr/fhirsync/internal/platform/fhir"
	"github.com/ehr/fhirsync/pkg/pagination"
)

type Handler struct {
	orch *Orchestrator
}

func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/connections/:id/imports", h.StartImport)
	api.GET("/connections/:id/imports", h.ListImports)
	api.GET("/imports/:id", h.GetProgress)
	api.GET("/imports/:id/result", h.GetResult)
	api.POST("/imports/:id/cancel", h.CancelImport)
}

type startRequest struct {
	Full          bool     `json:"full"`
	ResourceTypes []string `json:"resource_types"`
}

// StartImport handles POST /connections/:id/imports. The run continues after
// the response; poll /imports/:run_id for progress.
func (h *Handler) StartImport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req startRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	opts := RunOptions{Full: req.Full}
	for _, s := range req.ResourceTypes {
		rt, err := fhir.ParseResourceType(s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		opts.ResourceTypes = append(opts.ResourceTypes, rt)
	}

	ctx := c.Request().Context()
	conn, err := h.orch.conns.Get(ctx, id)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "connection not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !conn.Active {
		return echo.NewHTTPError(http.StatusConflict, "connection is inactive")
	}

	runID, err := h.orch.Start(ctx, id, opts)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID.String()})
}

func (h *Handler) ListImports(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	runs, total, err := h.orch.runs.ListByConnection(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	items := make([]Progress, 0, len(runs))
	for _, r := range runs {
		items = append(items, r.Progress)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetProgress(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.orch.Progress(c.Request().Context(), id)
	if err != nil {
		return runError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetResult(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.orch.Result(c.Request().Context(), id)
	if err != nil {
		return runError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CancelImport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.orch.Cancel(c.Request().Context(), id); err != nil {
		return runError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func runError(err error) error {
	switch {
	case errors.Is(err, ErrRunNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "import run not found")
	case errors.Is(err, ErrRunNotFinished), errors.Is(err, ErrRunNotActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

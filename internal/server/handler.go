package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/trialops/ptd/internal/document"
	"github.com/trialops/ptd/internal/pipeline"
	"github.com/trialops/ptd/internal/platform/auth"
	"github.com/trialops/ptd/internal/runner"
	"github.com/trialops/ptd/internal/runstore"
)

// Handler serves the run API: submit a protocol/eCRF pair, list past runs,
// download the generated grid.
type Handler struct {
	repo    runstore.Repository
	runner  *runner.Runner
	dataDir string
	log     zerolog.Logger
}

func NewHandler(repo runstore.Repository, r *runner.Runner, dataDir string, log zerolog.Logger) *Handler {
	return &Handler{repo: repo, runner: r, dataDir: dataDir, log: log}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/runs", h.CreateRun)
	api.GET("/runs", h.ListRuns)
	api.GET("/runs/:id", h.GetRun)
	api.GET("/runs/:id/grid.csv", h.DownloadGrid)
}

// createRunRequest carries the study name and both document trees.
type createRunRequest struct {
	Study    string          `json:"study"`
	Protocol json.RawMessage `json:"protocol"`
	ECRF     json.RawMessage `json:"ecrf"`
}

func (h *Handler) CreateRun(c echo.Context) error {
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Study == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "study is required")
	}
	if len(req.Protocol) == 0 || len(req.ECRF) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "protocol and ecrf documents are required")
	}
	protocol, err := document.Parse(req.Protocol)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("protocol: %v", err))
	}
	ecrf, err := document.Parse(req.ECRF)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("ecrf: %v", err))
	}

	ctx := c.Request().Context()
	run := &runstore.Run{
		ID:        uuid.New(),
		Study:     req.Study,
		Status:    runstore.StatusRunning,
		CreatedBy: auth.UserIDFromContext(ctx),
		StartedAt: time.Now().UTC(),
	}
	run.ArtifactDir = filepath.Join(h.dataDir, run.ID.String())
	if err := h.repo.Create(ctx, run); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	summary, err := h.runner.Run(protocol, ecrf, run.ArtifactDir)
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err != nil {
		run.Status = runstore.StatusFailed
		run.FailedStage = pipeline.StageNameFromError(err)
		msg := err.Error()
		run.Error = &msg
		if uerr := h.repo.Update(ctx, run); uerr != nil {
			h.log.Error().Err(uerr).Str("run_id", run.ID.String()).Msg("failed to record run failure")
		}
		if pipeline.IsStructureNotFound(err) || pipeline.IsConfiguration(err) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, msg)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, msg)
	}

	run.Status = runstore.StatusCompleted
	run.VisitCount = summary.VisitCount
	run.RowCount = summary.RowCount
	run.UnmappedCount = summary.UnmappedCount
	if err := h.repo.Update(ctx, run); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, run)
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	run, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, run)
}

type listRunsResponse struct {
	Items []*runstore.Run `json:"items"`
	Total int             `json:"total"`
}

func (h *Handler) ListRuns(c echo.Context) error {
	limit, offset := paging(c)
	items, total, err := h.repo.List(c.Request().Context(), limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*runstore.Run{}
	}
	return c.JSON(http.StatusOK, listRunsResponse{Items: items, Total: total})
}

func (h *Handler) DownloadGrid(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	run, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if run.Status != runstore.StatusCompleted {
		return echo.NewHTTPError(http.StatusConflict, "run did not complete")
	}
	path := filepath.Join(run.ArtifactDir, runner.GridFile)
	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	return c.Attachment(path, fmt.Sprintf("%s_schedule_grid.csv", run.ID))
}

func paging(c echo.Context) (limit, offset int) {
	limit, offset = 50, 0
	if v := c.QueryParam("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	if v := c.QueryParam("offset"); v != "" {
		fmt.Sscanf(v, "%d", &offset)
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

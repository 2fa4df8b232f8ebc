package specimen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/pkg/pagination"
)

type Handler struct {
	svc *Service
	now func() time.Time
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse, lab_tech, phlebotomist
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "lab_tech", "phlebotomist"))
	readGroup.GET("/specimens", h.ListSpecimens)
	readGroup.GET("/specimens/queue", h.PendingQueue)
	readGroup.GET("/specimens/stats/status-counts", h.StatusCounts)
	readGroup.GET("/specimens/stats/collection", h.CollectionStats)
	readGroup.GET("/specimens/barcode/:barcode", h.GetByBarcode)
	readGroup.GET("/specimens/:specimenId", h.GetSpecimen)
	readGroup.GET("/specimens/:specimenId/history", h.GetHistory)

	// Collection endpoints – admin, nurse, phlebotomist, lab_tech
	collectGroup := api.Group("", auth.RequireRole("admin", "nurse", "phlebotomist", "lab_tech"))
	collectGroup.POST("/specimens", h.CreateSpecimen)
	collectGroup.POST("/specimens/from-order", h.CreateSpecimenFromOrder)
	collectGroup.POST("/specimens/:specimenId/collect", h.ConfirmCollection)

	// Lab endpoints – admin, lab_tech
	labGroup := api.Group("", auth.RequireRole("admin", "lab_tech"))
	labGroup.POST("/specimens/:specimenId/transition", h.Transition)
	labGroup.POST("/specimens/:specimenId/quality-checks", h.RecordQualityCheck)
	labGroup.PUT("/specimens/:specimenId/storage", h.UpdateStorage)
	labGroup.POST("/specimens/bulk/transition", h.BulkTransition)
	labGroup.POST("/specimens/bulk/receive", h.ReceiveSamples)
	labGroup.POST("/specimens/bulk/start-processing", h.StartProcessing)
	labGroup.POST("/specimens/bulk/complete", h.CompleteProcessing)
}

// toHTTPError maps lifecycle errors onto status codes.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConcurrentModification):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message":   err.Error(),
			"retryable": true,
		})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTerminalState),
		errors.Is(err, ErrInvalidState), errors.Is(err, ErrDuplicateIdentity):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrIdentityExhausted):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "operation timed out; re-fetch the specimen before retrying")
	case errors.Is(err, ErrCorrupted):
		return echo.NewHTTPError(http.StatusInternalServerError, "specimen record is corrupted")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func actorFrom(c echo.Context) (string, error) {
	actor := auth.UserIDFromContext(c.Request().Context())
	if actor == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "authenticated user required")
	}
	return actor, nil
}

func parseTimeParam(c echo.Context, name string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": expected RFC 3339 timestamp")
	}
	return &t, nil
}

func (h *Handler) views(items []*Specimen) []View {
	now := h.now()
	out := make([]View, 0, len(items))
	for _, sp := range items {
		out = append(out, NewView(sp, now))
	}
	return out
}

// -- Creation --

func (h *Handler) CreateSpecimen(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sp, err := h.svc.CreateSpecimen(c.Request().Context(), in, actor)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, NewView(sp, h.now()))
}

func (h *Handler) CreateSpecimenFromOrder(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sp, err := h.svc.CreateSpecimenFromOrder(c.Request().Context(), in, actor)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, NewView(sp, h.now()))
}

// -- Reads --

func (h *Handler) GetSpecimen(c echo.Context) error {
	sp, err := h.svc.GetBySpecimenID(c.Request().Context(), c.Param("specimenId"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, NewView(sp, h.now()))
}

func (h *Handler) GetByBarcode(c echo.Context) error {
	sp, err := h.svc.GetByBarcode(c.Request().Context(), c.Param("barcode"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, NewView(sp, h.now()))
}

func (h *Handler) GetHistory(c echo.Context) error {
	entries, err := h.svc.History(c.Request().Context(), c.Param("specimenId"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) ListSpecimens(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filters{
		Status:         Status(c.QueryParam("status")),
		Priority:       Priority(c.QueryParam("priority")),
		SpecimenType:   Type(c.QueryParam("specimen_type")),
		PatientRef:     c.QueryParam("patient_ref"),
		OrderRef:       c.QueryParam("order_ref"),
		CollectedByRef: c.QueryParam("collected_by_ref"),
		Search:         c.QueryParam("search"),
		Page:           pg.Page,
		PageSize:       pg.PageSize,
	}
	if raw := c.QueryParam("overdue"); raw != "" {
		overdue, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid overdue: expected boolean")
		}
		f.Overdue = overdue
	}
	var err error
	if f.From, err = parseTimeParam(c, "from"); err != nil {
		return err
	}
	if f.To, err = parseTimeParam(c, "to"); err != nil {
		return err
	}

	page, err := h.svc.FindSpecimens(c.Request().Context(), f)
	if err != nil {
		return toHTTPError(err)
	}
	resp := pagination.NewResponse(h.views(page.Items), page.Total, page.Page, page.PageSize)
	resp.Links = pagination.Params{Page: page.Page, PageSize: page.PageSize}.Links(c.Request().URL.Path, page.Total)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) PendingQueue(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	queue, err := h.svc.PendingCollectionsQueue(c.Request().Context(), limit)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, h.views(queue))
}

func (h *Handler) StatusCounts(c echo.Context) error {
	counts, err := h.svc.StatusCounts(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, counts)
}

func (h *Handler) CollectionStats(c echo.Context) error {
	from, err := parseTimeParam(c, "from")
	if err != nil {
		return err
	}
	to, err := parseTimeParam(c, "to")
	if err != nil {
		return err
	}
	var dr *DateRange
	if from != nil || to != nil {
		dr = &DateRange{From: from, To: to}
	}
	stats, err := h.svc.CollectionStatistics(c.Request().Context(), dr)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// -- Single-specimen writes --

func (h *Handler) ConfirmCollection(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var in CollectionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sp, err := h.svc.ConfirmCollection(c.Request().Context(), c.Param("specimenId"), in, actor)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, NewView(sp, h.now()))
}

type transitionRequest struct {
	Status          Status `json:"status"`
	Notes           string `json:"notes"`
	RejectionReason string `json:"rejection_reason"`
}

func (h *Handler) Transition(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status is required")
	}
	sp, err := h.svc.Transition(c.Request().Context(), c.Param("specimenId"), req.Status, actor, TransitionOptions{
		Notes:           req.Notes,
		RejectionReason: req.RejectionReason,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, NewView(sp, h.now()))
}

func (h *Handler) RecordQualityCheck(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var in QualityCheckInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sp, err := h.svc.RecordQualityCheck(c.Request().Context(), c.Param("specimenId"), in, actor)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, NewView(sp, h.now()))
}

func (h *Handler) UpdateStorage(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var in StorageInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sp, err := h.svc.UpdateStorage(c.Request().Context(), c.Param("specimenId"), in, actor)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, NewView(sp, h.now()))
}

// -- Bulk --

type bulkRequest struct {
	SpecimenIDs []string `json:"specimen_ids"`
	Status      Status   `json:"status"`
	Notes       string   `json:"notes"`
}

type bulkFunc func(ctx context.Context, req bulkRequest, actor string) (BulkResult, error)

func (h *Handler) runBulk(c echo.Context, fn bulkFunc) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req bulkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.SpecimenIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "specimen_ids is required")
	}
	req.Notes = strings.TrimSpace(req.Notes)
	res, err := fn(c.Request().Context(), req, actor)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) BulkTransition(c echo.Context) error {
	return h.runBulk(c, func(ctx context.Context, req bulkRequest, actor string) (BulkResult, error) {
		if req.Status == "" {
			return BulkResult{}, fmt.Errorf("%w: status is required", ErrValidation)
		}
		return h.svc.BulkTransition(ctx, req.SpecimenIDs, req.Status, actor, req.Notes)
	})
}

func (h *Handler) ReceiveSamples(c echo.Context) error {
	return h.runBulk(c, func(ctx context.Context, req bulkRequest, actor string) (BulkResult, error) {
		return h.svc.ReceiveSamples(ctx, req.SpecimenIDs, actor, req.Notes)
	})
}

func (h *Handler) StartProcessing(c echo.Context) error {
	return h.runBulk(c, func(ctx context.Context, req bulkRequest, actor string) (BulkResult, error) {
		return h.svc.StartProcessing(ctx, req.SpecimenIDs, actor, req.Notes)
	})
}

func (h *Handler) CompleteProcessing(c echo.Context) error {
	return h.runBulk(c, func(ctx context.Context, req bulkRequest, actor string) (BulkResult, error) {
		return h.svc.CompleteProcessing(ctx, req.SpecimenIDs, actor, req.Notes)
	})
}

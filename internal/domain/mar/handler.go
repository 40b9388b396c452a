package mar

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/mar/internal/platform/auth"
	"github.com/ehr/mar/pkg/pagination"
)

type Handler struct {
	svc   *Service
	loc   *time.Location
	clock func() time.Time
}

// NewHandler returns the MAR HTTP handler. loc is the facility time zone used
// to resolve "today"; nil means UTC.
func NewHandler(svc *Service, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{svc: svc, loc: loc, clock: time.Now}
}

// SetClock replaces the time source used for verification stamps.
func (h *Handler) SetClock(clock func() time.Time) {
	h.clock = clock
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, nurse, physician
	readGroup := api.Group("", auth.RequireRole("admin", "nurse", "physician"))
	readGroup.GET("/residents/:residentId/mar", h.GetDay)
	readGroup.GET("/residents/:residentId/mar/history", h.GetHistory)
	readGroup.GET("/mar/orders/:id/events", h.ListEvents)

	// Write endpoints – admin, nurse
	writeGroup := api.Group("", auth.RequireRole("admin", "nurse"))
	writeGroup.POST("/residents/:residentId/mar", h.CreateOrder)
	writeGroup.PUT("/mar/orders/:id", h.UpdateOrder)
	writeGroup.PUT("/mar/orders/:id/fourth-dose", h.SetFourthDose)
	writeGroup.POST("/mar/orders/:id/doses/:slot/toggle", h.ToggleDose)
	writeGroup.PUT("/mar/orders/:id/doses/:slot/time", h.SetDoseTime)

	// Reports – admin, physician
	reportGroup := api.Group("/mar/reports", auth.RequireRole("admin", "physician"))
	reportGroup.GET("", h.ListReports)
	reportGroup.GET("/:id", h.GetReport)
}

// dayResponse is the JSON body of a resident's day.
type dayResponse struct {
	ResidentID       uuid.UUID          `json:"resident_id"`
	Date             string             `json:"date"`
	FourthDoseActive bool               `json:"fourth_dose_active"`
	Orders           []*MedicationOrder `json:"orders"`
}

type fourthDoseRequest struct {
	Enabled bool `json:"enabled"`
}

type doseTimeRequest struct {
	ScheduledTime *string `json:"scheduled_time"`
}

// lockDeniedResponse carries the reason of a policy refusal.
type lockDeniedResponse struct {
	Error      string    `json:"error"`
	Rule       LockRule  `json:"rule"`
	VerifiedBy string    `json:"verified_by,omitempty"`
	VerifiedAt time.Time `json:"verified_at,omitempty"`
}

type conflictResponse struct {
	Error   string   `json:"error"`
	Current DoseSlot `json:"current"`
}

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return ActorFromRoles(auth.UserIDFromContext(ctx), auth.RolesFromContext(ctx))
}

// errorResponse maps engine errors onto HTTP responses.
func errorResponse(c echo.Context, err error) error {
	var lockErr *LockDeniedError
	var conflict *ConflictError
	var validation *ValidationError
	var persistence *PersistenceError
	switch {
	case errors.As(err, &lockErr):
		return c.JSON(http.StatusForbidden, lockDeniedResponse{
			Error:      lockErr.Error(),
			Rule:       lockErr.Rule,
			VerifiedBy: lockErr.VerifiedBy,
			VerifiedAt: lockErr.VerifiedAt,
		})
	case errors.As(err, &conflict):
		return c.JSON(http.StatusConflict, conflictResponse{Error: conflict.Error(), Current: conflict.Current})
	case errors.As(err, &validation), errors.Is(err, ErrDraftOrder):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrReportNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &persistence):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage temporarily unavailable; retry")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) parseDate(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return DayOf(h.clock(), h.loc), nil
	}
	d, err := time.Parse(DateLayout, v)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": want YYYY-MM-DD")
	}
	return d, nil
}

func parseSlot(c echo.Context) (int, error) {
	n, err := strconv.Atoi(c.Param("slot"))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid slot")
	}
	return n, nil
}

func (h *Handler) GetDay(c echo.Context) error {
	residentID, err := uuid.Parse(c.Param("residentId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid resident id")
	}
	date, err := h.parseDate(c, "date")
	if err != nil {
		return err
	}
	orders, err := h.svc.LoadDay(c.Request().Context(), residentID, date)
	if err != nil {
		return errorResponse(c, err)
	}
	if orders == nil {
		orders = []*MedicationOrder{}
	}
	return c.JSON(http.StatusOK, dayResponse{
		ResidentID:       residentID,
		Date:             date.Format(DateLayout),
		FourthDoseActive: FourthDoseActive(orders),
		Orders:           orders,
	})
}

func (h *Handler) CreateOrder(c echo.Context) error {
	residentID, err := uuid.Parse(c.Param("residentId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid resident id")
	}
	date, err := h.parseDate(c, "date")
	if err != nil {
		return err
	}
	var f OrderFields
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f.ResidentID = residentID
	f.Date = date
	o, err := h.svc.SaveOrder(c.Request().Context(), uuid.Nil, f)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) UpdateOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var f OrderFields
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.SaveOrder(c.Request().Context(), id, f)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) SetFourthDose(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req fourthDoseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.SetFourthDose(c.Request().Context(), id, req.Enabled)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ToggleDose(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	slot, err := parseSlot(c)
	if err != nil {
		return err
	}
	stored, err := h.svc.Toggle(c.Request().Context(), id, slot, actorFrom(c), h.clock())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, stored)
}

func (h *Handler) SetDoseTime(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	slot, err := parseSlot(c)
	if err != nil {
		return err
	}
	var req doseTimeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var t *ClockTime
	if req.ScheduledTime != nil && strings.TrimSpace(*req.ScheduledTime) != "" {
		ct := ClockTime(*req.ScheduledTime)
		t = &ct
	}
	stored, err := h.svc.SetDoseTime(c.Request().Context(), id, slot, t, actorFrom(c), h.clock())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, stored)
}

func (h *Handler) GetHistory(c echo.Context) error {
	residentID, err := uuid.Parse(c.Param("residentId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid resident id")
	}
	through, err := h.parseDate(c, "through")
	if err != nil {
		return err
	}
	days := 0
	if v := c.QueryParam("days"); v != "" {
		if days, err = strconv.Atoi(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid days")
		}
	}
	records, err := h.svc.History(c.Request().Context(), residentID, through, days)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, records)
}

func (h *Handler) ListEvents(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Events(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(c, err)
	}
	if items == nil {
		items = []*VerificationEvent{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListReports(c echo.Context) error {
	return c.JSON(http.StatusOK, Reports)
}

// GetReport evaluates a report. to defaults to today and from to the start
// of the audit window ending at to.
func (h *Handler) GetReport(c echo.Context) error {
	to, err := h.parseDate(c, "to")
	if err != nil {
		return err
	}
	from := to.AddDate(0, 0, -(h.svc.auditDays - 1))
	if c.QueryParam("from") != "" {
		if from, err = h.parseDate(c, "from"); err != nil {
			return err
		}
	}
	report, err := h.svc.Report(c.Request().Context(), c.Param("id"), from, to)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

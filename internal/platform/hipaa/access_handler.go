package hipaa

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/mar/pkg/pagination"
)

// AccessHandler exposes the access log to administrators.
type AccessHandler struct {
	log AccessLog
}

func NewAccessHandler(log AccessLog) *AccessHandler {
	return &AccessHandler{log: log}
}

// RegisterRoutes mounts the search endpoint on g. Callers restrict g to admins.
func (h *AccessHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/access-log", h.handleSearch)
}

// parseBound accepts RFC 3339 timestamps or YYYY-MM-DD days. A bare day used
// as an upper bound covers the whole day.
func parseBound(v string, upper bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, err
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func (h *AccessHandler) handleSearch(c echo.Context) error {
	pg := pagination.FromContext(c)
	q := AccessQuery{
		UserID:     c.QueryParam("user_id"),
		ResidentID: c.QueryParam("resident_id"),
		OrderID:    c.QueryParam("order_id"),
		Action:     c.QueryParam("action"),
		Limit:      pg.Limit,
		Offset:     pg.Offset,
	}
	var err error
	if q.From, err = parseBound(c.QueryParam("from"), false); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from: want RFC 3339 or YYYY-MM-DD")
	}
	if q.To, err = parseBound(c.QueryParam("to"), true); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to: want RFC 3339 or YYYY-MM-DD")
	}

	items, total, err := h.log.Search(c.Request().Context(), q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*AccessRecord{}
	}

	if c.QueryParam("format") == "csv" {
		return writeCSV(c, items)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, q.Limit, q.Offset))
}

var csvHeader = []string{
	"accessed_at", "request_id", "user_id", "facility_id", "resident_id", "order_id",
	"slot", "action", "method", "path", "status_code", "ip_address",
}

func writeCSV(c echo.Context, items []*AccessRecord) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/csv")
	resp.Header().Set("Content-Disposition", `attachment; filename="mar-access-log.csv"`)
	resp.WriteHeader(http.StatusOK)

	w := csv.NewWriter(resp)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range items {
		slot := ""
		if r.Slot > 0 {
			slot = strconv.Itoa(r.Slot)
		}
		if err := w.Write([]string{
			r.AccessedAt.UTC().Format(time.RFC3339),
			r.RequestID, r.UserID, r.FacilityID, r.ResidentID, r.OrderID,
			slot, r.Action, r.Method, r.Path, strconv.Itoa(r.StatusCode), r.IPAddress,
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

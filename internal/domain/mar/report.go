package mar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrReportNotFound = errors.New("report not found")

// ReportDefinition describes one facility-wide report.
type ReportDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Report holds the rows of an evaluated report.
type Report struct {
	ReportID    string           `json:"report_id"`
	ReportName  string           `json:"report_name"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	GeneratedAt time.Time        `json:"generated_at"`
	Results     []map[string]any `json:"results"`
}

type reportFunc func(days []DayRecord) []map[string]any

var reportFuncs = map[string]reportFunc{
	"dose-coverage":     doseCoverage,
	"verifier-activity": verifierActivity,
}

// Reports lists the available reports.
var Reports = []ReportDefinition{
	{
		ID:          "dose-coverage",
		Name:        "Dose Coverage",
		Description: "Scheduled, verified and outstanding doses per facility day, across all residents",
	},
	{
		ID:          "verifier-activity",
		Name:        "Verifier Activity",
		Description: "Doses currently verified by each nurse or administrator over the range",
	},
}

// FindReport looks up a report definition by ID.
func FindReport(id string) *ReportDefinition {
	for i := range Reports {
		if Reports[i].ID == id {
			return &Reports[i]
		}
	}
	return nil
}

// Report evaluates report id over the facility days from..to inclusive.
// The range may span at most MaxAuditDays.
func (s *Service) Report(ctx context.Context, id string, from, to time.Time) (*Report, error) {
	def := FindReport(id)
	if def == nil {
		return nil, ErrReportNotFound
	}
	from, to = DayOf(from, time.UTC), DayOf(to, time.UTC)
	if to.Before(from) {
		return nil, &ValidationError{Field: "from", Msg: "from must not be after to"}
	}
	if n := int(to.Sub(from).Hours()/24) + 1; n > MaxAuditDays {
		return nil, &ValidationError{Field: "to", Msg: fmt.Sprintf("range must not exceed %d days", MaxAuditDays)}
	}

	var days []DayRecord
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		var orders []*MedicationOrder
		err := s.persist(ctx, "list_orders_for_date", func(ctx context.Context) error {
			var err error
			orders, err = s.orders.ListOrdersForDate(ctx, d)
			return err
		})
		if err != nil {
			return nil, s.storageFault("report", err)
		}
		days = append(days, DayRecord{Date: d.Format(DateLayout), Orders: orders})
	}

	results := reportFuncs[id](days)
	if results == nil {
		results = []map[string]any{}
	}
	return &Report{
		ReportID:    def.ID,
		ReportName:  def.Name,
		From:        from.Format(DateLayout),
		To:          to.Format(DateLayout),
		GeneratedAt: time.Now().UTC(),
		Results:     results,
	}, nil
}

func doseCoverage(days []DayRecord) []map[string]any {
	rows := make([]map[string]any, 0, len(days))
	for _, day := range days {
		scheduled, verified := 0, 0
		for _, o := range day.Orders {
			for _, slot := range o.ActiveSlots() {
				if !slot.HasTime() {
					continue
				}
				scheduled++
				if slot.IsVerified() {
					verified++
				}
			}
		}
		coverage := 0.0
		if scheduled > 0 {
			coverage = float64(verified) / float64(scheduled)
		}
		rows = append(rows, map[string]any{
			"date":        day.Date,
			"orders":      len(day.Orders),
			"scheduled":   scheduled,
			"verified":    verified,
			"outstanding": scheduled - verified,
			"coverage":    coverage,
		})
	}
	return rows
}

type verifierTally struct {
	count       int
	first, last time.Time
}

func verifierActivity(days []DayRecord) []map[string]any {
	tally := map[string]*verifierTally{}
	for _, day := range days {
		for _, o := range day.Orders {
			for _, slot := range o.ActiveSlots() {
				if !slot.IsVerified() {
					continue
				}
				t, ok := tally[*slot.VerifiedBy]
				if !ok {
					t = &verifierTally{}
					tally[*slot.VerifiedBy] = t
				}
				t.count++
				if slot.VerifiedAt != nil {
					at := *slot.VerifiedAt
					if t.first.IsZero() || at.Before(t.first) {
						t.first = at
					}
					if at.After(t.last) {
						t.last = at
					}
				}
			}
		}
	}

	names := make([]string, 0, len(tally))
	for name := range tally {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := tally[names[i]], tally[names[j]]
		if a.count != b.count {
			return a.count > b.count
		}
		return names[i] < names[j]
	})

	rows := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := tally[name]
		rows = append(rows, map[string]any{
			"verifier":       name,
			"verified":       t.count,
			"first_verified": t.first,
			"last_verified":  t.last,
		})
	}
	return rows
}

// Package sandbox fills a store with a reproducible synthetic MAR day for
// demo environments, UI work and load tests. Everything goes through the
// verification engine, so seeded data obeys the same rules as real use.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/mar/internal/domain/mar"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume and shape of the generated day.
type SeedConfig struct {
	Residents         int       `json:"residents"`
	OrdersPerResident int       `json:"orders_per_resident"`
	Nurses            int       `json:"nurses"`
	VerifyRatio       float64   `json:"verify_ratio"`
	Date              time.Time `json:"date"`
	// AsOf is the time of day up to which doses may already be verified.
	AsOf mar.ClockTime `json:"as_of"`
	Seed int64         `json:"seed"`
}

// DefaultSeedConfig returns a small ward: 10 residents, 3 orders each.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Residents:         10,
		OrdersPerResident: 3,
		Nurses:            4,
		VerifyRatio:       0.8,
		AsOf:              "15:00",
	}
}

func (c *SeedConfig) validate() error {
	if c.Residents < 1 || c.OrdersPerResident < 1 {
		return fmt.Errorf("residents and orders per resident must be positive")
	}
	if c.Nurses < 1 {
		c.Nurses = 1
	}
	if c.VerifyRatio < 0 || c.VerifyRatio > 1 {
		return fmt.Errorf("verify ratio must be between 0 and 1, got %v", c.VerifyRatio)
	}
	if c.AsOf == "" {
		c.AsOf = "23:59"
	}
	asOf, err := mar.ParseClockTime(string(c.AsOf))
	if err != nil {
		return fmt.Errorf("as_of: %w", err)
	}
	c.AsOf = asOf
	if c.Date.IsZero() {
		c.Date = time.Now()
	}
	c.Date = mar.DayOf(c.Date, time.UTC)
	return nil
}

// SeedResult summarizes a seed run.
type SeedResult struct {
	Date           string        `json:"date"`
	Residents      []uuid.UUID   `json:"residents"`
	Orders         int           `json:"orders"`
	ScheduledDoses int           `json:"scheduled_doses"`
	VerifiedDoses  int           `json:"verified_doses"`
	Duration       time.Duration `json:"duration"`
}

// ---------------------------------------------------------------------------
// Pools
// ---------------------------------------------------------------------------

type drugEntry struct {
	Name  string
	Dose  string
	Route mar.Route
}

var (
	drugs = []drugEntry{
		{"Metformin", "500 mg", mar.RouteOral},
		{"Lisinopril", "10 mg", mar.RouteOral},
		{"Atorvastatin", "20 mg", mar.RouteOral},
		{"Omeprazole", "20 mg", mar.RouteOral},
		{"Levothyroxine", "50 mcg", mar.RouteOral},
		{"Amlodipine", "5 mg", mar.RouteOral},
		{"Furosemide", "40 mg", mar.RouteOral},
		{"Paracetamol", "1 g", mar.RouteOral},
		{"Sertraline", "50 mg", mar.RouteOral},
		{"Insulin glargine", "12 IU", mar.RouteSubcutaneous},
		{"Enoxaparin", "40 mg", mar.RouteSubcutaneous},
		{"Haloperidol", "5 mg", mar.RouteIntramuscular},
		{"Ceftriaxone", "1 g", mar.RouteIntravenous},
		{"Timolol", "1 drop", mar.RouteOphthalmic},
	}

	// schedules are the usual administration rounds; four times means the
	// fourth dose slot is enabled.
	schedules = [][]mar.ClockTime{
		{"08:00"},
		{"08:00", "20:00"},
		{"08:00", "14:00", "20:00"},
		{"06:00", "12:00", "18:00", "22:00"},
	}

	notes = []string{
		"Give with food",
		"Check blood pressure before administration",
		"Crush if needed",
		"Hold if resident refuses; inform physician",
	}
)

// ---------------------------------------------------------------------------
// Generator
// ---------------------------------------------------------------------------

// Generator produces deterministic synthetic values.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator returns a generator seeded for reproducibility. If seed is 0
// a time-based seed is chosen.
func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// ResidentID returns a UUID drawn from the generator's stream.
func (g *Generator) ResidentID() uuid.UUID {
	id, err := uuid.NewRandomFromReader(g.rng)
	if err != nil {
		// rand.Rand.Read never fails
		panic(err)
	}
	return id
}

// Order returns the fields and dose times of one medication entry.
func (g *Generator) Order(resident uuid.UUID, date time.Time) (mar.OrderFields, []mar.ClockTime) {
	d := drugs[g.rng.Intn(len(drugs))]
	dose := d.Dose
	f := mar.OrderFields{
		ResidentID: resident,
		Date:       date,
		DrugName:   d.Name,
		Dose:       &dose,
		Route:      d.Route,
	}
	if g.rng.Intn(4) == 0 {
		n := notes[g.rng.Intn(len(notes))]
		f.Notes = &n
	}
	return f, schedules[g.rng.Intn(len(schedules))]
}

// Chance reports true with probability p.
func (g *Generator) Chance(p float64) bool {
	return g.rng.Float64() < p
}

// Minutes returns a uniform offset in [0, max) minutes.
func (g *Generator) Minutes(max int) time.Duration {
	return time.Duration(g.rng.Intn(max)) * time.Minute
}

// Intn returns a uniform int in [0, n).
func (g *Generator) Intn(n int) int {
	return g.rng.Intn(n)
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Engine is the part of the MAR service the seeder drives.
type Engine interface {
	SaveOrder(ctx context.Context, id uuid.UUID, f mar.OrderFields) (*mar.MedicationOrder, error)
	SetFourthDose(ctx context.Context, id uuid.UUID, enabled bool) (*mar.MedicationOrder, error)
	SetDoseTime(ctx context.Context, orderID uuid.UUID, slot int, t *mar.ClockTime, actor mar.Actor, now time.Time) (mar.DoseSlot, error)
	Toggle(ctx context.Context, orderID uuid.UUID, slot int, actor mar.Actor, now time.Time) (mar.DoseSlot, error)
}

// Seeder writes a synthetic day through an Engine.
type Seeder struct {
	engine Engine
	config SeedConfig
	logger zerolog.Logger
}

func NewSeeder(engine Engine, config SeedConfig, logger zerolog.Logger) *Seeder {
	return &Seeder{
		engine: engine,
		config: config,
		logger: logger.With().Str("component", "sandbox").Logger(),
	}
}

// Seed creates the residents' orders, schedules their doses and verifies
// those due before AsOf with probability VerifyRatio.
func (s *Seeder) Seed(ctx context.Context) (*SeedResult, error) {
	start := time.Now()
	cfg := s.config
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	gen := NewGenerator(cfg.Seed)

	nurses := make([]mar.Actor, cfg.Nurses)
	for i := range nurses {
		nurses[i] = mar.Actor{UserID: fmt.Sprintf("demo-nurse-%d", i+1), Role: mar.RoleNurse}
	}
	planner := mar.Actor{UserID: "demo-planner", Role: mar.RoleAdmin}
	planned := cfg.Date.Add(6 * time.Hour)

	result := &SeedResult{Date: cfg.Date.Format(mar.DateLayout)}
	for i := 0; i < cfg.Residents; i++ {
		resident := gen.ResidentID()
		result.Residents = append(result.Residents, resident)

		for j := 0; j < cfg.OrdersPerResident; j++ {
			fields, times := gen.Order(resident, cfg.Date)
			o, err := s.engine.SaveOrder(ctx, uuid.Nil, fields)
			if err != nil {
				return nil, fmt.Errorf("save order: %w", err)
			}
			result.Orders++

			if len(times) == mar.SlotCount {
				if _, err := s.engine.SetFourthDose(ctx, o.ID, true); err != nil {
					return nil, fmt.Errorf("enable fourth dose: %w", err)
				}
			}

			for k, t := range times {
				slot := k + 1
				at := t
				if _, err := s.engine.SetDoseTime(ctx, o.ID, slot, &at, planner, planned); err != nil {
					return nil, fmt.Errorf("schedule slot %d: %w", slot, err)
				}
				result.ScheduledDoses++

				if t > cfg.AsOf || !gen.Chance(cfg.VerifyRatio) {
					continue
				}
				given, err := clockOn(cfg.Date, t)
				if err != nil {
					return nil, err
				}
				nurse := nurses[gen.Intn(len(nurses))]
				if _, err := s.engine.Toggle(ctx, o.ID, slot, nurse, given.Add(gen.Minutes(30))); err != nil {
					return nil, fmt.Errorf("verify slot %d: %w", slot, err)
				}
				result.VerifiedDoses++
			}
		}
	}

	result.Duration = time.Since(start)
	s.logger.Info().
		Str("date", result.Date).
		Int("residents", len(result.Residents)).
		Int("orders", result.Orders).
		Int("verified", result.VerifiedDoses).
		Msg("sandbox day seeded")
	return result, nil
}

// clockOn returns t on date (UTC).
func clockOn(date time.Time, t mar.ClockTime) (time.Time, error) {
	hm, err := time.Parse("15:04", string(t))
	if err != nil {
		return time.Time{}, fmt.Errorf("dose time %q: %w", t, err)
	}
	return date.Add(time.Duration(hm.Hour())*time.Hour + time.Duration(hm.Minute())*time.Minute), nil
}

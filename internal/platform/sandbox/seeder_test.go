package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/mar/internal/domain/mar"
)

var seedDay = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) *mar.Service {
	t.Helper()
	store, err := mar.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return mar.NewService(store, mar.NewLockPolicy(2*time.Hour), zerolog.Nop())
}

func smallConfig(seed int64) SeedConfig {
	cfg := DefaultSeedConfig()
	cfg.Residents = 3
	cfg.OrdersPerResident = 4
	cfg.Date = seedDay
	cfg.Seed = seed
	return cfg
}

func TestSeed_WritesConsistentDay(t *testing.T) {
	svc := newEngine(t)
	ctx := context.Background()

	res, err := NewSeeder(svc, smallConfig(42), zerolog.Nop()).Seed(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", res.Date)
	assert.Len(t, res.Residents, 3)
	assert.Equal(t, 12, res.Orders)
	assert.GreaterOrEqual(t, res.ScheduledDoses, res.Orders)

	orders, scheduled, verified := 0, 0, 0
	for _, resident := range res.Residents {
		day, err := svc.LoadDay(ctx, resident, seedDay)
		require.NoError(t, err)
		orders += len(day)
		for _, o := range day {
			assert.NotEmpty(t, o.DrugName)
			assert.True(t, o.Route.Valid())
			for _, s := range o.ActiveSlots() {
				assert.True(t, s.Consistent(), "slot %d of %s", s.Number, o.ID)
				if s.HasTime() {
					scheduled++
				}
				if s.IsVerified() {
					verified++
					assert.LessOrEqual(t, string(*s.ScheduledTime), "15:00")
					assert.Contains(t, *s.VerifiedBy, "demo-nurse-")
				}
			}
			if !o.FourthDoseEnabled {
				assert.False(t, o.Slots[mar.SlotCount-1].HasTime())
			}
		}
	}
	assert.Equal(t, res.Orders, orders)
	assert.Equal(t, res.ScheduledDoses, scheduled)
	assert.Equal(t, res.VerifiedDoses, verified)
}

func TestSeed_Reproducible(t *testing.T) {
	ctx := context.Background()
	a, err := NewSeeder(newEngine(t), smallConfig(7), zerolog.Nop()).Seed(ctx)
	require.NoError(t, err)
	b, err := NewSeeder(newEngine(t), smallConfig(7), zerolog.Nop()).Seed(ctx)
	require.NoError(t, err)

	assert.Equal(t, a.Residents, b.Residents)
	assert.Equal(t, a.ScheduledDoses, b.ScheduledDoses)
	assert.Equal(t, a.VerifiedDoses, b.VerifiedDoses)
}

func TestSeed_VerifyRatioBounds(t *testing.T) {
	ctx := context.Background()

	cfg := smallConfig(3)
	cfg.VerifyRatio = 0
	res, err := NewSeeder(newEngine(t), cfg, zerolog.Nop()).Seed(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.VerifiedDoses)

	cfg.VerifyRatio = 1
	cfg.AsOf = "23:59"
	res, err = NewSeeder(newEngine(t), cfg, zerolog.Nop()).Seed(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.ScheduledDoses, res.VerifiedDoses)
}

func TestSeed_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		edit func(c *SeedConfig)
	}{
		{"no residents", func(c *SeedConfig) { c.Residents = 0 }},
		{"no orders", func(c *SeedConfig) { c.OrdersPerResident = 0 }},
		{"ratio above one", func(c *SeedConfig) { c.VerifyRatio = 1.5 }},
		{"bad as-of", func(c *SeedConfig) { c.AsOf = "25:00" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallConfig(1)
			tt.edit(&cfg)
			_, err := NewSeeder(newEngine(t), cfg, zerolog.Nop()).Seed(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestGenerator_Deterministic(t *testing.T) {
	g1, g2 := NewGenerator(99), NewGenerator(99)
	assert.Equal(t, g1.ResidentID(), g2.ResidentID())

	resident := uuid.New()
	f1, t1 := g1.Order(resident, seedDay)
	f2, t2 := g2.Order(resident, seedDay)
	assert.Equal(t, f1.DrugName, f2.DrugName)
	assert.Equal(t, t1, t2)
	assert.Equal(t, resident, f1.ResidentID)
}

func TestClockOn(t *testing.T) {
	at, err := clockOn(seedDay, "14:30")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC), at)

	_, err = clockOn(seedDay, "nope")
	assert.Error(t, err)
}

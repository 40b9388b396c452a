package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/mar/internal/config"
	"github.com/ehr/mar/internal/domain/mar"
	"github.com/ehr/mar/internal/platform/db"
	"github.com/ehr/mar/internal/platform/sandbox"
	"github.com/ehr/mar/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mar-server",
		Short:        "Medication administration record API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(facilityCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MAR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg.Env))
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations (postgres only)",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a facility schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			facility, _ := cmd.Flags().GetString("facility")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != "postgres" {
				fmt.Println("STORE_DRIVER is not postgres; the SQLite store creates its schema on open.")
				return nil
			}
			if facility == "" {
				facility = cfg.DefaultFacility
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			schema := db.FacilitySchema(facility)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			if err := db.CreateFacilitySchema(ctx, pool, facility, nil); err != nil {
				return err
			}
			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("facility", "", "Facility identifier (default DEFAULT_FACILITY)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status of a facility schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			facility, _ := cmd.Flags().GetString("facility")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != "postgres" {
				fmt.Println("STORE_DRIVER is not postgres; nothing to report.")
				return nil
			}
			if facility == "" {
				facility = cfg.DefaultFacility
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.FacilitySchema(facility)
			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("facility", "", "Facility identifier (default DEFAULT_FACILITY)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func facilityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facility",
		Short: "Manage facilities",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a facility schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != "postgres" {
				return fmt.Errorf("facilities require STORE_DRIVER=postgres")
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating facility schema: %s\n", db.FacilitySchema(name))
			if err := db.CreateFacilitySchema(ctx, pool, name, db.NewMigrator(pool, migrations.FS)); err != nil {
				return err
			}
			fmt.Println("Facility created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Facility identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Write the immutable snapshot of one facility day",
		RunE: func(cmd *cobra.Command, args []string) error {
			dateStr, _ := cmd.Flags().GetString("date")
			facility, _ := cmd.Flags().GetString("facility")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := persistentArchiveDriver(cfg.ArchiveDriver); err != nil {
				return err
			}
			if facility == "" {
				facility = cfg.DefaultFacility
			}
			logger := newLogger(cfg.Env)

			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			date := mar.DayOf(time.Now(), loc).AddDate(0, 0, -1)
			if dateStr != "" {
				if date, err = time.Parse(mar.DateLayout, dateStr); err != nil {
					return fmt.Errorf("--date: want YYYY-MM-DD")
				}
			}

			ctx := context.Background()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.close()

			blobs, err := openArchiveStore(ctx, cfg)
			if err != nil {
				return err
			}

			ctx, release, err := facilityConn(ctx, st, facility)
			if err != nil {
				return err
			}
			defer release()

			res, err := mar.NewArchiver(st.orders, blobs, facility, logger).ArchiveDay(ctx, date)
			if err != nil {
				return err
			}
			if res.Created {
				fmt.Printf("Archived %d order(s) to %s\n", res.Orders, res.Key)
			} else {
				fmt.Printf("Archive %s already exists; left untouched\n", res.Key)
			}
			return nil
		},
	}
	cmd.Flags().String("date", "", "Facility day to archive, YYYY-MM-DD (default yesterday)")
	cmd.Flags().String("facility", "", "Facility identifier (default DEFAULT_FACILITY)")
	return cmd
}

// persistentArchiveDriver rejects drivers whose snapshot would not outlive
// a one-shot command.
func persistentArchiveDriver(driver string) error {
	switch driver {
	case "none":
		return fmt.Errorf("ARCHIVE_DRIVER is none; set it to s3")
	case "memory":
		return fmt.Errorf("ARCHIVE_DRIVER is memory; the snapshot would be lost on exit, set it to s3")
	}
	return nil
}

func seedCmd() *cobra.Command {
	def := sandbox.DefaultSeedConfig()
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill a facility with a synthetic MAR day (not allowed in production)",
		RunE: func(cmd *cobra.Command, args []string) error {
			dateStr, _ := cmd.Flags().GetString("date")
			facility, _ := cmd.Flags().GetString("facility")
			asOf, _ := cmd.Flags().GetString("as-of")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return fmt.Errorf("refusing to seed synthetic data when ENV=production")
			}
			if facility == "" {
				facility = cfg.DefaultFacility
			}
			logger := newLogger(cfg.Env)

			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			seedCfg := def
			seedCfg.Residents, _ = cmd.Flags().GetInt("residents")
			seedCfg.OrdersPerResident, _ = cmd.Flags().GetInt("orders")
			seedCfg.Seed, _ = cmd.Flags().GetInt64("seed")
			seedCfg.AsOf = mar.ClockTime(asOf)
			seedCfg.Date = mar.DayOf(time.Now(), loc)
			if dateStr != "" {
				if seedCfg.Date, err = time.Parse(mar.DateLayout, dateStr); err != nil {
					return fmt.Errorf("--date: want YYYY-MM-DD")
				}
			}

			ctx := context.Background()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.close()

			ctx, release, err := facilityConn(ctx, st, facility)
			if err != nil {
				return err
			}
			defer release()

			svc := mar.NewService(st.orders, mar.NewLockPolicy(cfg.LockWindow), logger)
			res, err := sandbox.NewSeeder(svc, seedCfg, logger).Seed(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d order(s) for %d resident(s) on %s; %d of %d dose(s) verified\n",
				res.Orders, len(res.Residents), res.Date, res.VerifiedDoses, res.ScheduledDoses)
			for _, id := range res.Residents {
				fmt.Println("  resident", id)
			}
			return nil
		},
	}
	cmd.Flags().String("date", "", "Facility day to fill, YYYY-MM-DD (default today)")
	cmd.Flags().String("facility", "", "Facility identifier (default DEFAULT_FACILITY)")
	cmd.Flags().Int("residents", def.Residents, "Number of synthetic residents")
	cmd.Flags().Int("orders", def.OrdersPerResident, "Orders per resident")
	cmd.Flags().Int64("seed", 0, "Random seed; 0 picks one from the clock")
	cmd.Flags().String("as-of", string(def.AsOf), "Verify doses scheduled up to this time of day")
	return cmd
}

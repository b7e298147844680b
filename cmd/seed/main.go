package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-appointment-engine/internal/config"
	"github.com/hackgods/clinic-appointment-engine/internal/db"
	"github.com/hackgods/clinic-appointment-engine/internal/logging"
	"github.com/hackgods/clinic-appointment-engine/internal/seed"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Fill the clinic database with fake doctors and patients",
		SilenceUsage: true,
		RunE:         run,
	}
	cmd.Flags().Int("doctors", 100, "Number of doctors to insert")
	cmd.Flags().Int("patients", 9000, "Number of patients to insert")
	cmd.Flags().Uint64("seed", 0, "Faker seed, 0 picks one from the clock")
	cmd.Flags().Bool("schema", true, "Apply the schema before inserting")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	doctors, _ := cmd.Flags().GetInt("doctors")
	patients, _ := cmd.Flags().GetInt("patients")
	fakeSeed, _ := cmd.Flags().GetUint64("seed")
	applySchema, _ := cmd.Flags().GetBool("schema")

	if doctors < 0 || patients < 0 {
		return fmt.Errorf("counts must be >= 0")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return fmt.Errorf("seed writes to postgres, STORE_DRIVER is %q", cfg.StoreDriver)
	}

	logger := logging.New(cfg.Env, cfg.LogLevel, "seed")

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if applySchema {
		if err := db.EnsureSchema(ctx, pool); err != nil {
			return err
		}
	}

	if fakeSeed == 0 {
		fakeSeed = uint64(time.Now().UnixNano())
	}
	g := seed.NewGenerator(fakeSeed)

	logger.Info().
		Int("doctors", doctors).
		Int("patients", patients).
		Uint64("seed", fakeSeed).
		Msg("seed starting")

	if err := seed.WritePostgres(ctx, pool, g.Doctors(doctors), g.Patients(patients), logger); err != nil {
		return err
	}

	logger.Info().Msg("seed complete")
	return nil
}

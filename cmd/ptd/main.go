package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/trialops/ptd/internal/config"
	"github.com/trialops/ptd/internal/document"
	"github.com/trialops/ptd/internal/forms"
	"github.com/trialops/ptd/internal/pipeline"
	"github.com/trialops/ptd/internal/platform/db"
	"github.com/trialops/ptd/internal/runner"
	"github.com/trialops/ptd/internal/runstore"
	"github.com/trialops/ptd/internal/server"
	"github.com/trialops/ptd/internal/soa"
	"github.com/trialops/ptd/internal/tabular"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ptd",
		Short: "Protocol-to-eCRF schedule grid generator",
	}

	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(extractSoACmd())
	rootCmd.AddCommand(extractFormsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initdbCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func generateCmd() *cobra.Command {
	var protocolPath, ecrfPath, configDir, outDir, study string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run the full pipeline and write the schedule grid",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			stages, err := pipeline.LoadStageConfigs(configDir, logger)
			if err != nil {
				return err
			}
			summary, err := runner.New(stages, logger).RunFiles(protocolPath, ecrfPath, outDir)
			if err != nil {
				logger.Error().Err(err).Str("stage", pipeline.StageNameFromError(err)).Msg("pipeline failed")
				return err
			}
			fmt.Printf("Study %s: %d visits, %d rows (%d unmapped)\nGrid: %s\n",
				study, summary.VisitCount, summary.RowCount, summary.UnmappedCount, summary.GridPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&protocolPath, "protocol", "", "Protocol document (JSON tree)")
	cmd.Flags().StringVar(&ecrfPath, "ecrf", "", "eCRF document (JSON tree)")
	cmd.Flags().StringVar(&configDir, "config-dir", "./config", "Stage configuration directory")
	cmd.Flags().StringVar(&outDir, "out-dir", "./out", "Artifact output directory")
	cmd.Flags().StringVar(&study, "study", "study", "Study identifier for the report line")
	cmd.MarkFlagRequired("protocol")
	cmd.MarkFlagRequired("ecrf")
	return cmd
}

func extractSoACmd() *cobra.Command {
	var protocolPath, configDir, out string
	cmd := &cobra.Command{
		Use:   "extract-soa",
		Short: "Run only the Schedule-of-Activities extractor",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			stages, err := pipeline.LoadStageConfigs(configDir, logger)
			if err != nil {
				return err
			}
			doc, err := document.Load(protocolPath)
			if err != nil {
				return err
			}
			ex, err := soa.NewExtractor(stages.SoA, logger)
			if err != nil {
				return err
			}
			res, err := ex.Extract(doc)
			if err != nil {
				return err
			}
			fmt.Printf("%d visits, %d activity rows\n", len(res.Visits), len(res.Rows))
			return tabular.WriteActivities(out, res)
		},
	}
	cmd.Flags().StringVar(&protocolPath, "protocol", "", "Protocol document (JSON tree)")
	cmd.Flags().StringVar(&configDir, "config-dir", "./config", "Stage configuration directory")
	cmd.Flags().StringVar(&out, "out", "schedule.csv", "Output CSV path")
	cmd.MarkFlagRequired("protocol")
	return cmd
}

func extractFormsCmd() *cobra.Command {
	var ecrfPath, configDir, out string
	cmd := &cobra.Command{
		Use:   "extract-forms",
		Short: "Run only the eCRF form extractor",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			stages, err := pipeline.LoadStageConfigs(configDir, logger)
			if err != nil {
				return err
			}
			doc, err := document.Load(ecrfPath)
			if err != nil {
				return err
			}
			ex, err := forms.NewExtractor(stages.Forms, logger)
			if err != nil {
				return err
			}
			rows, err := ex.Extract(doc)
			if err != nil {
				return err
			}
			fmt.Printf("%d forms\n", len(rows))
			return tabular.WriteForms(out, rows)
		},
	}
	cmd.Flags().StringVar(&ecrfPath, "ecrf", "", "eCRF document (JSON tree)")
	cmd.Flags().StringVar(&configDir, "config-dir", "./config", "Stage configuration directory")
	cmd.Flags().StringVar(&out, "out", "extracted_forms.csv", "Output CSV path")
	cmd.MarkFlagRequired("ecrf")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the run API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func initdbCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "initdb",
		Short: "Create the run store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for initdb")
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, db.PoolConfig{
				URL:      cfg.DatabaseURL,
				MaxConns: cfg.DBMaxConns,
				MinConns: cfg.DBMinConns,
			})
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := runstore.EnsureSchema(ctx, pool); err != nil {
				return err
			}
			logger.Info().Msg("run store schema ready")
			return nil
		},
	}
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	stages, err := pipeline.LoadStageConfigs(cfg.ConfigDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load stage configs")
	}

	ctx := context.Background()
	var repo runstore.Repository
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		if err := runstore.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("failed to ensure schema")
		}
		repo = runstore.NewRepoPG(pool)
		logger.Info().Msg("connected to database")
	} else {
		repo = runstore.NewRepoMemory()
		logger.Warn().Msg("DATABASE_URL not set, runs are kept in memory only")
	}

	e := server.New(cfg, stages, repo, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/local/docinfer/internal/attachment"
	"github.com/local/docinfer/internal/awsconf"
	cfgpkg "github.com/local/docinfer/internal/config"
	"github.com/local/docinfer/internal/inference"
	logpkg "github.com/local/docinfer/internal/logger"
	"github.com/local/docinfer/internal/metrics"
	"github.com/local/docinfer/internal/workflow"
)

var (
	envFile string
	modelID string
	prompt  string

	runner     *workflow.Runner
	metricsSrv *http.Server
)

var rootCmd = &cobra.Command{
	Use:   "docinfer",
	Short: "Summarize documents and extract structured records with a hosted model",
	Long: `docinfer sends documents to the Bedrock Converse API.

Typical flow over a folder of invoices:
  docinfer summarize invoice_1.pdf
  docinfer schema invoice_1.pdf > invoice.schema.json
  docinfer extract --schema invoice.schema.json --out records.json invoices/*.pdf
  docinfer ask --records records.json "who spent the most?"

Documents may be local paths, file://, s3://bucket/key or http(s) URLs.
Configuration comes from the environment and an optional .env file.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default: ./.env if present)")
	rootCmd.PersistentFlags().StringVar(&modelID, "model", "", "model id (overrides BEDROCK_MODEL_ID)")
	rootCmd.PersistentFlags().StringVar(&prompt, "prompt", "", "replace the default instruction")

	rootCmd.AddCommand(summarizeCmd, schemaCmd, extractCmd, askCmd)
}

func setup(cmd *cobra.Command, _ []string) error {
	var cfg cfgpkg.Config
	if envFile != "" {
		cfg = cfgpkg.Load(envFile)
	} else {
		cfg = cfgpkg.Load()
	}
	if modelID != "" {
		cfg.Bedrock.ModelID = modelID
	}

	if err := logpkg.Init(logpkg.OptionsFromConfig(cfg)); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	metrics.Init()
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			log.Info().Msgf("metrics listening on %s", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	awsCfg, err := awsconf.Load(cmd.Context(), cfg.Bedrock)
	if err != nil {
		return err
	}

	loader := attachment.NewLoader(attachment.Options{
		MaxBytes:   cfg.Attachment.MaxBytes,
		StrictPDF:  cfg.Attachment.StrictPDF,
		S3:         attachment.NewS3Downloader(awsCfg),
		HTTPClient: &http.Client{Timeout: cfg.Attachment.FetchTimeout},
	})
	client := inference.New(inference.NewBedrockClient(awsCfg), inference.OptionsFromConfig(cfg, loader))
	runner = workflow.NewRunner(client, workflow.OptionsFromConfig(cfg.Workflow))

	log.Debug().
		Str("model", client.ModelID()).
		Str("region", awsCfg.Region).
		Int("max_attempts", cfg.Workflow.MaxAttempts).
		Msg("docinfer ready")
	return nil
}

func teardown() {
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
		metricsSrv = nil
	}
	logpkg.Close()
}

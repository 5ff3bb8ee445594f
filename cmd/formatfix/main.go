package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/digkill/creditcanvas/internal/config"
	"github.com/digkill/creditcanvas/internal/database"
	"github.com/digkill/creditcanvas/internal/formatfix"
	"github.com/digkill/creditcanvas/internal/repository"
	"github.com/digkill/creditcanvas/internal/storage"
	"github.com/digkill/creditcanvas/pkg/logger"
)

func main() {
	var (
		apply     bool
		batchSize int
	)

	cmd := &cobra.Command{
		Use:          "formatfix",
		Short:        "Re-detect stored artifact formats from their bytes",
		Long:         "Walks every artifact, downloads its object and compares the detected image format with the stored content type, the recorded mime type and the key extension. Objects under a wrong extension are moved to a key with the detected one. Nothing is written unless --apply is given.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			logr := logger.New(cfg.LogLevel)

			db, err := database.Connect(cfg)
			if err != nil {
				return fmt.Errorf("database connect: %w", err)
			}
			defer db.Close()

			uploader, err := storage.NewUploader(storage.Config{
				Endpoint:      cfg.S3Endpoint,
				Region:        cfg.S3Region,
				AccessKey:     cfg.S3AccessKey,
				SecretKey:     cfg.S3SecretKey,
				Bucket:        cfg.S3Bucket,
				PublicBaseURL: cfg.S3PublicBaseURL,
				UsePathStyle:  cfg.S3UsePathStyle,
				Prefix:        cfg.S3Prefix,
			})
			if err != nil {
				return fmt.Errorf("storage uploader: %w", err)
			}

			repairer := formatfix.New(repository.NewArtifactRepository(db), uploader, logr)
			report, err := repairer.Run(cmd.Context(), formatfix.Options{BatchSize: batchSize, Apply: apply})
			logr.Info("format repair finished",
				"apply", apply,
				"scanned", report.Scanned,
				"mismatched", report.Mismatched,
				"fixed", report.Fixed,
				"relocated", report.Relocated,
				"unknown", report.Unknown,
				"failed", report.Failed,
			)
			return err
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "write fixes instead of only reporting them")
	cmd.Flags().IntVar(&batchSize, "batch", 200, "artifacts per page")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

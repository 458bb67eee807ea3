package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/trella/pod-capture/internal/api"
	"github.com/trella/pod-capture/internal/config"
	"github.com/trella/pod-capture/internal/logging"
	"github.com/trella/pod-capture/internal/photometa"
	"github.com/trella/pod-capture/internal/quality"
	"github.com/trella/pod-capture/internal/shipment"
	"github.com/trella/pod-capture/internal/store"
	"github.com/trella/pod-capture/internal/submission"
)

// CLI flags
var (
	addrFlag       string
	storageDirFlag string
)

var rootCmd = &cobra.Command{
	Use:   "pod-server",
	Short: "Local POD capture server",
	Long: `pod-server runs the POD capture API on a local port and stores
submissions on disk: one directory per shipment holding the pod_* images
and a metadata.json record.

Shipments are read from the export at SHIPMENTS_CSV_URL when set.

Examples:
  pod-server
  pod-server --addr :9090 --storage-dir /var/lib/pod_uploads`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().StringVar(&addrFlag, "addr", "", "Listen address (default from POD_LISTEN_ADDR or :8080)")
	rootCmd.Flags().StringVar(&storageDirFlag, "storage-dir", "", "Submission directory (default from POD_STORAGE_DIR or pod_uploads)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	initStart := time.Now()
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if addrFlag != "" {
		cfg.ListenAddr = addrFlag
	}
	if storageDirFlag != "" {
		cfg.StorageDir = storageDirFlag
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.StorageDir).Msg("Failed to create storage directory")
	}

	opts := submission.Options{Capture: photometa.ExtractOrNil}
	var lookup shipment.Lookup
	if cfg.ShipmentsCSVURL != "" {
		src, err := shipment.NewCSVSource(cfg.ShipmentsCSVURL, cfg.ShipmentsAPIKey, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid shipments export URL")
		}
		lookup = src
		opts.Shipments = src
	}

	sessions := submission.NewRegistry(cfg.SessionTTL)
	wf := submission.NewWorkflow(
		quality.NewAnalyzer(quality.DefaultThresholds()),
		store.NewPodStore(store.NewLocalSink(cfg.StorageDir), store.NewLocalRecords(cfg.StorageDir)),
		sessions,
		opts,
	)
	h := api.New(wf, api.Options{
		Shipments:     lookup,
		Viewer:        api.PathViewer{Prefix: "/artifacts/"},
		MaxImageBytes: cfg.MaxImageBytes,
		Artifacts:     api.ArtifactFiles(cfg.StorageDir),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sessions.Run(ctx, time.Minute)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      h.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.NewStartupLogger("pod-server").
		CommitHash(commitHash).
		BuildTime(buildTime).
		Config("addr", cfg.ListenAddr).
		Config("storageDir", cfg.StorageDir).
		Config("sessionTTL", cfg.SessionTTL.String()).
		Feature("shipmentLookup", lookup != nil).
		InitDuration(time.Since(initStart)).
		Log()
	fmt.Printf("\n  POD capture API: http://localhost%s/api/health\n\n", cfg.ListenAddr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/blockvault/blockvault/internal/config"
	"github.com/blockvault/blockvault/internal/logger"
	"github.com/blockvault/blockvault/internal/metrics"
	"github.com/blockvault/blockvault/pkg/backend"
	backendfs "github.com/blockvault/blockvault/pkg/backend/fs"
	backendmemory "github.com/blockvault/blockvault/pkg/backend/memory"
	backends3 "github.com/blockvault/blockvault/pkg/backend/s3"
	"github.com/blockvault/blockvault/pkg/catalog"
	catalogpostgres "github.com/blockvault/blockvault/pkg/catalog/postgres"
	catalogsqlite "github.com/blockvault/blockvault/pkg/catalog/sqlite"
	"github.com/blockvault/blockvault/pkg/codec"
	"github.com/blockvault/blockvault/pkg/restore"
	"github.com/blockvault/blockvault/pkg/restore/blocksource"
	"github.com/blockvault/blockvault/pkg/restore/pipeline"
)

// Exit codes, matching spec.md §6 exactly.
const (
	exitSuccess        = 0
	exitPartial        = 2
	exitTotalFailure   = 3
	exitInvalidArgs    = 4
	exitCatalogCorrupt = 5
)

var (
	restorePaths     []string
	restoreVersion   int
	restoreTime      string
	restoreTo        string
	restoreOverwrite bool
	restoreStrict    bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a backup's files to disk",
	Long: `Restore resolves a backup's catalog of files and blocks, fetches and
decrypts the remote volumes those blocks live in, decompresses each block,
and reassembles the original files byte-for-byte at --to (default: the
current directory).

Examples:
  # Restore everything from the latest version
  blockvault restore nightly-2026-07-01

  # Restore only a subtree, to a specific directory
  blockvault restore nightly-2026-07-01 --path 'var/www/**' --to /restore

  # Restore as of a point in time
  blockvault restore nightly-2026-07-01 --time 2026-06-15T00:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().StringArrayVar(&restorePaths, "path", nil, "glob restricting which files to restore (repeatable)")
	restoreCmd.Flags().IntVar(&restoreVersion, "version", 0, "restore this fileset version instead of the latest")
	restoreCmd.Flags().StringVar(&restoreTime, "time", "", "restore the fileset as of this RFC3339 timestamp")
	restoreCmd.Flags().StringVar(&restoreTo, "to", "", "destination directory (default: current directory)")
	restoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "replace files that already exist at the destination")
	restoreCmd.Flags().BoolVar(&restoreStrict, "strict", false, "abort the whole restore on the first file failure")
}

func runRestore(cmd *cobra.Command, args []string) error {
	backupID := args[0]

	var at time.Time
	if restoreTime != "" {
		var err error
		at, err = time.Parse(time.RFC3339, restoreTime)
		if err != nil {
			cmd.PrintErrf("invalid --time %q: %v\n", restoreTime, err)
			os.Exit(exitInvalidArgs)
		}
	}
	if restoreVersion != 0 && restoreTime != "" {
		cmd.PrintErrln("--version and --time are mutually exclusive")
		os.Exit(exitInvalidArgs)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		cmd.PrintErrf("load configuration: %v\n", err)
		os.Exit(exitInvalidArgs)
	}

	logger.Configure(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})
	log := logger.Global()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Info("interrupt received, cancelling restore")
			cancel()
		case <-ctx.Done():
		}
	}()
	defer signal.Stop(sigCh)

	cat, err := openCatalog(ctx, cfg.Catalog)
	if err != nil {
		cmd.PrintErrf("open catalog: %v\n", err)
		os.Exit(exitCatalogCorrupt)
	}

	be, err := openBackend(ctx, cfg.Backend)
	if err != nil {
		cmd.PrintErrf("open backend: %v\n", err)
		os.Exit(exitInvalidArgs)
	}

	var masterKey []byte
	if cfg.Backend.MasterKeyPath != "" {
		masterKey, err = os.ReadFile(cfg.Backend.MasterKeyPath)
		if err != nil {
			cmd.PrintErrf("read master key: %v\n", err)
			os.Exit(exitInvalidArgs)
		}
	}

	var rec *metrics.Recorder
	var sink restore.MetricsSink = restore.NoopMetrics{}
	if cfg.Metrics.Enabled {
		rec = metrics.New()
		sink = rec
		serveMetrics(log, rec, cfg.Metrics.Port)
	}

	rc := &restore.Context{
		Logger:    log,
		TempDir:   cfg.Restore.TempDir,
		Codecs:    codec.NewDefaultRegistry(),
		Metrics:   sink,
		MasterKey: masterKey,
	}

	pl := pipeline.New(pipeline.Config{
		Catalog:             cat,
		Backend:             be,
		RC:                  rc,
		DownloadConcurrency: cfg.Restore.MaxConcurrentDownloads,
		DecompressWorkers:   cfg.Restore.MaxDecompressWorkers,
		MaxConcurrentFiles:  cfg.Restore.MaxConcurrentFiles,
		CacheEntries:        cfg.Restore.CacheEntries,
		CacheBytes:          cfg.Restore.CacheBytes,
		Overwrite:           restoreOverwrite,
		Strict:              restoreStrict,
	})

	start := time.Now()
	summary, err := pl.Run(ctx, blocksource.Request{
		BackupID:  backupID,
		Version:   restoreVersion,
		At:        at,
		PathGlobs: restorePaths,
		DestDir:   restoreTo,
	})
	elapsed := time.Since(start)

	if err != nil {
		cmd.PrintErrf("restore: %v\n", err)
		os.Exit(exitCatalogCorrupt)
	}

	printSummary(cmd, summary, elapsed)
	os.Exit(summary.ExitCode())
	return nil
}

func printSummary(cmd *cobra.Command, summary *restore.Summary, elapsed time.Duration) {
	cmd.Printf("restored %s succeeded, %s failed, %s warnings in %s\n",
		humanize.Comma(int64(len(summary.Succeeded))),
		humanize.Comma(int64(len(summary.Failed))),
		humanize.Comma(int64(len(summary.Warnings))),
		elapsed.Round(time.Millisecond))

	if len(summary.Failed) == 0 {
		return
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"File", "Error"})
	table.SetAutoWrapText(false)
	for _, f := range summary.Failed {
		table.Append([]string{f.Path, f.Err.Error()})
	}
	table.Render()
}

func openCatalog(ctx context.Context, cfg config.CatalogConfig) (catalog.Catalog, error) {
	switch cfg.Driver {
	case "postgres":
		return catalogpostgres.Open(catalogpostgres.Config{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			Database: cfg.PostgresDatabase,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			SSLMode:  cfg.PostgresSSLMode,
		})
	default:
		return catalogsqlite.Open(catalogsqlite.Config{Path: cfg.SQLitePath})
	}
}

func openBackend(ctx context.Context, cfg config.BackendConfig) (backend.Backend, error) {
	switch cfg.Scheme {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return backends3.New(client, cfg.S3Bucket, backends3.DefaultRetryConfig()), nil
	case "memory":
		return backendmemory.New(), nil
	default:
		return backendfs.New(cfg.FSBasePath)
	}
}

func serveMetrics(log *slog.Logger, rec *metrics.Recorder, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", "error", err)
		}
	}()
	log.Info("metrics server listening", "addr", addr)
}

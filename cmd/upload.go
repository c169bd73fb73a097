// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/UpflowLabs/upflow/pkg/compression"
	"github.com/UpflowLabs/upflow/pkg/debug"
	"github.com/UpflowLabs/upflow/pkg/dedup"
	"github.com/UpflowLabs/upflow/pkg/logger"
	"github.com/UpflowLabs/upflow/pkg/progress"
	"github.com/UpflowLabs/upflow/pkg/queue"
	"github.com/UpflowLabs/upflow/pkg/ratelimit"
	"github.com/UpflowLabs/upflow/pkg/session"
	"github.com/UpflowLabs/upflow/pkg/storage/backend"
	"github.com/UpflowLabs/upflow/pkg/throttle"
	"github.com/UpflowLabs/upflow/pkg/types"
	"github.com/UpflowLabs/upflow/pkg/upload"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var uploadCmd = &cobra.Command{
	Use:   "upload [files...]",
	Short: "Upload files through the chunked pipeline",
	Long: `Upload one or more local files as a batch: each file is split into
chunks, deduplicated, compressed, transferred in parallel under the
configured limits, assembled with integrity checks and published as an
artifact.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	f := uploadCmd.Flags()

	// Destination
	f.String("container", "", "Destination container. Required.")
	f.String("workspace", "", "Workspace the files belong to. Required.")
	f.String("batch_name", "", "Batch name (defaults to a timestamp)")

	// Chunk storage
	f.String("storage", "local", "Chunk store backend: local or memory")
	f.String("storage_path", filepath.Join(os.TempDir(), "upflow-data"), "Base directory for the local backend")

	// Redis (shared dedup index and rate limit counters). Empty runs
	// in-memory, scoped to this process.
	f.String("redis_addr", "", "Redis address (host:port) for dedup and rate limiting")
	f.String("redis_password", "", "Redis password")
	f.Int("redis_db", 0, "Redis database number")

	// Pipeline tuning
	f.Bool("dedup", true, "Deduplicate identical chunks")
	f.String("compression", "zstd", "Compression algorithm: zstd, s2, lz4 or none")
	f.Int("compression_level", compression.DefaultLevel, "Compression level")
	f.Int64("rate_kbps", 0, "Total upload bandwidth limit in KB/s (0 = unlimited)")
	f.String("strategy", string(queue.StrategySmallestFirst), "Dispatch order: smallest_first, interleaved or audio_priority")
	f.Int("max_concurrent_sessions", 4, "Files uploading in parallel")
	f.Int("max_concurrent_chunks", upload.DefaultMaxConcurrent, "Chunk transfers in parallel per file")
	f.Int("retry_cap", queue.DefaultRetryCap, "Automatic retries per file for transient failures")

	// Identity for rate limit accounting
	f.String("user", "cli", "User identity for rate limit accounting")

	// Observability
	f.Int("debug_port", 0, "Debug/metrics HTTP port (0 = disabled)")

	viper.BindPFlags(f)
}

func runUpload(cmd *cobra.Command, args []string) error {
	loader := NewFlagLoader(cmd)

	container := loader.String("container")
	workspace := loader.String("workspace")
	if container == "" || workspace == "" {
		return fmt.Errorf("--container and --workspace are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := backend.New(backend.Config{
		Type: backend.StorageType(loader.String("storage")),
		Path: loader.String("storage_path"),
	})
	if err != nil {
		return fmt.Errorf("chunk store: %w", err)
	}
	defer store.Close()

	index, counters, err := buildSharedState(loader)
	if err != nil {
		return err
	}
	defer index.Close()
	defer counters.Close()

	comp, err := compression.New(compression.Config{
		Algorithm: compression.ParseAlgorithm(loader.String("compression")),
		Level:     loader.Int("compression_level"),
		MinSize:   compression.DefaultMinSize,
	})
	if err != nil {
		return fmt.Errorf("compression: %w", err)
	}

	sessions := session.NewMemoryStore()
	tracker := progress.NewTracker()
	sizing := types.DefaultChunkSizing()
	source := newFileSource(sizing)
	artifacts := &artifactStore{store: store}

	proc := queue.NewProcessor(queue.ProcessorDeps{
		Upload: upload.Deps{
			Store:      store,
			Dedup:      dedup.NewService(index, loader.Bool("dedup")),
			Compressor: comp,
			Limiter:    ratelimit.New(counters, ratelimit.DefaultConfig()),
			Throttle:   throttle.New(loader.Int64("rate_kbps")),
		},
		Sessions: sessions,
		Source:   source,
		Dest:     artifacts,
		Blob:     artifacts,
		Tracker:  tracker,
	}, queue.ProcessorConfig{
		MaxConcurrentSessions: loader.Int("max_concurrent_sessions"),
		MaxConcurrentChunks:   loader.Int("max_concurrent_chunks"),
		RetryCap:              loader.Int("retry_cap"),
		Strategy:              queue.Strategy(loader.String("strategy")),
		Sizing:                sizing,
		User:                  loader.String("user"),
	})

	sweeper := session.NewSweeper(sessions, session.DefaultSweepConfig())
	go sweeper.Run(ctx)

	if port := loader.Int("debug_port"); port > 0 {
		go func() {
			debug.SetReady()
			if err := http.ListenAndServe(fmt.Sprintf(":%d", port), debug.GetMux()); err != nil {
				logger.Warn().Err(err).Msg("debug server stopped")
			}
		}()
	}

	specs, err := collectFiles(source, args, workspace)
	if err != nil {
		return err
	}

	name := loader.String("batch_name")
	if name == "" {
		name = "upload-" + time.Now().Format("20060102-150405")
	}
	batch, err := proc.CreateBatch(ctx, name, "upload", specs, container, map[string]any{"origin": "cli"})
	if err != nil {
		return err
	}

	stopProgress := startProgressPrinter(ctx, batch.ID().String(), tracker)
	report, err := proc.ProcessQueue(ctx, batch.ID())
	if err != nil {
		stopProgress()
		return err
	}

	// Transient failures get their retry budget before giving up.
	for !report.Success {
		retry, rerr := proc.RetryFailedUploads(ctx, batch.ID())
		if rerr != nil || retry.Retried == 0 {
			break
		}
		logger.Info().Int("files", retry.Retried).Msg("retrying failed uploads")
		if report, err = proc.ResumeQueue(ctx, batch.ID()); err != nil {
			stopProgress()
			return err
		}
	}
	stopProgress()

	final, err := proc.CleanupAndFinalize(ctx, batch.ID())
	if err != nil {
		return err
	}

	fmt.Printf("Batch %s: %s\n", name, final.Status)
	fmt.Printf("  Files:       %d completed, %d failed of %d\n",
		final.CompletedFiles, final.FailedFiles, final.TotalFiles)
	fmt.Printf("  Transferred: %s in %s (%s)\n",
		final.BytesTransferred, final.Duration.Round(time.Millisecond), final.AverageSpeed)
	for _, msg := range report.Errors {
		fmt.Printf("  Error: %s\n", msg)
	}

	if final.Status != queue.StatusCompleted {
		return fmt.Errorf("batch finished %s", final.Status)
	}
	return nil
}

// buildSharedState picks Redis-backed or in-process dedup and rate
// limit state depending on configuration.
func buildSharedState(loader *FlagLoader) (dedup.Index, ratelimit.CounterStore, error) {
	addr := loader.String("redis_addr")
	if addr == "" {
		return dedup.NewMemoryIndex(), ratelimit.NewMemoryStore(), nil
	}

	idxCfg := dedup.DefaultRedisIndexConfig()
	idxCfg.Addr = addr
	idxCfg.Password = loader.String("redis_password")
	idxCfg.DB = loader.Int("redis_db")
	index, err := dedup.NewRedisIndex(idxCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("dedup index: %w", err)
	}

	counters, err := ratelimit.NewRedisStore(ratelimit.RedisStoreConfig{
		Addr:     addr,
		Password: loader.String("redis_password"),
		DB:       loader.Int("redis_db"),
	})
	if err != nil {
		index.Close()
		return nil, nil, fmt.Errorf("rate limit store: %w", err)
	}
	return index, counters, nil
}

// collectFiles stats each path and registers it with the source.
func collectFiles(source *fileSource, paths []string, workspace string) ([]queue.FileSpec, error) {
	specs := make([]queue.FileSpec, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", path)
		}
		name := filepath.Base(path)
		if prev, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate filename %q (%s and %s)", name, prev, path)
		}
		seen[name] = path
		source.add(name, path)
		specs = append(specs, queue.FileSpec{
			Filename:  name,
			Size:      info.Size(),
			Workspace: workspace,
		})
	}
	return specs, nil
}

func startProgressPrinter(ctx context.Context, batchID string, tracker *progress.Tracker) func() {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				p := tracker.CalculateProgress()
				logger.Info().
					Str("batch_id", batchID).
					Int("completed", p.CompletedFiles).
					Int("failed", p.FailedFiles).
					Int("total", p.TotalFiles).
					Float64("percent", p.Percentage).
					Float64("speed_bps", tracker.CalculateUploadSpeed()).
					Dur("eta", tracker.EstimateCompletionTime()).
					Msg("upload progress")
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

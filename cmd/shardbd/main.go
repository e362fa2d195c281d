// Command shardbd is the long-running daemon entry point for shardb: it opens
// a store, optionally serves a debug/metrics endpoint over HTTP, and exposes
// dump/load/compact as one-shot maintenance subcommands against the same
// store path.
//
// The snapshot endpoint is intentionally generic (map[string]any) so
// shardb-inspect doesn't need to track this binary's release cadence.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nkrause/shardb/pkg/shardb"
)

var (
	dbPath string
	engine string
	locale string
)

func main() {
	root := &cobra.Command{
		Use:   "shardbd",
		Short: "shardb daemon: serve, dump, load, compact",
	}
	root.PersistentFlags().StringVar(&dbPath, "path", "", "database directory (required)")
	root.PersistentFlags().StringVar(&engine, "engine", "", "storage engine override (defaults to SHARDB_ENGINE or badger)")
	root.PersistentFlags().StringVar(&locale, "locale", "", "locale for a freshly created database")
	root.MarkPersistentFlagRequired("path")

	root.AddCommand(serveCmd(), dumpCmd(), loadCmd(), compactCmd())

	if err := root.Execute(); err != nil {
		fatal(err)
	}
}

func openOpts() []shardb.Option {
	var opts []shardb.Option
	if engine != "" {
		opts = append(opts, shardb.WithEngine(engine))
	}
	if locale != "" {
		opts = append(opts, shardb.WithLocale(locale))
	}
	return opts
}

func serveCmd() *cobra.Command {
	var addr string
	var purgeInterval time.Duration
	var purgeWindow time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "open the store and serve a debug/metrics endpoint until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			reg := prometheus.NewRegistry()
			opts := append(openOpts(), shardb.WithMetrics(reg), shardb.WithLogger(logger))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			db, err := shardb.Open(ctx, dbPath, opts...)
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer db.Close()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sig
				cancel()
			}()

			if purgeInterval > 0 {
				go runPurgeLoop(ctx, db, logger, purgeInterval, purgeWindow)
			}

			mux := http.NewServeMux()
			mux.HandleFunc("/debug/shardb/snapshot", snapshotHandler(db))
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			mux.HandleFunc("/debug/pprof/", pprof.Index)
			mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			mux.HandleFunc("/debug/pprof/heap", pprof.Handler("heap").ServeHTTP)
			mux.HandleFunc("/debug/pprof/goroutine", pprof.Handler("goroutine").ServeHTTP)

			srv := &http.Server{Addr: addr, Handler: mux}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("shardbd listening", zap.String("addr", addr))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":6060", "debug/metrics HTTP listen address")
	cmd.Flags().DurationVar(&purgeInterval, "purge-interval", 0, "background purge cadence (0 disables)")
	cmd.Flags().DurationVar(&purgeWindow, "purge-window", 24*time.Hour, "tombstone age purged each cycle")
	return cmd
}

func runPurgeLoop(ctx context.Context, db *shardb.Database, logger *zap.Logger, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.Purge(ctx, window)
			if err != nil {
				logger.Warn("purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("purge completed", zap.Int("tombstones_removed", n))
			}
		}
	}
}

func snapshotHandler(db *shardb.Database) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := db.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		snap := map[string]any{
			"kinds_total":         stats.Kinds,
			"active_shards_total": stats.ActiveShards,
			"locale":              stats.Locale,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}
}

func dumpCmd() *cobra.Command {
	var out string
	var incremental int64
	var maxBytes int64

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "write every kind document and live row to a newline-JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, err := shardb.Open(ctx, dbPath, openOpts()...)
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer db.Close()

			res, err := db.Dump(ctx, out, incremental, maxBytes)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(res)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (required)")
	cmd.Flags().Int64Var(&incremental, "incremental-key", 0, "only dump documents with _rev greater than this")
	cmd.Flags().Int64Var(&maxBytes, "max-bytes", 0, "stop early after writing this many bytes (0 = unbounded)")
	cmd.MarkFlagRequired("out")
	return cmd
}

func loadCmd() *cobra.Command {
	var in string
	var caller string

	cmd := &cobra.Command{
		Use:   "load",
		Short: "restore a dump file written by the dump subcommand",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, err := shardb.Open(ctx, dbPath, openOpts()...)
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer db.Close()

			n, err := db.Load(ctx, &shardb.Request{Caller: caller}, in)
			if err != nil {
				return err
			}
			fmt.Printf("loaded %d records\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "input dump file (required)")
	cmd.Flags().StringVar(&caller, "caller", "admin", "caller identity load runs as")
	cmd.MarkFlagRequired("in")
	return cmd
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "reclaim on-disk space on engines that support it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, err := shardb.Open(ctx, dbPath, openOpts()...)
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer db.Close()
			return db.Compact()
		},
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "shardbd:", err)
	os.Exit(1)
}

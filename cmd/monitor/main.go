// Command monitor runs the domain availability monitoring service: it
// wires configuration, the monitor component graph, and the operational
// HTTP surface, and supervises restarts after fatal errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"domainwatch/internal/monitor"
	"domainwatch/internal/ops"
	"domainwatch/internal/platform/config"
	"domainwatch/internal/platform/httpserver"
	"domainwatch/internal/platform/logger"
	"domainwatch/internal/platform/metrics"
	platformredis "domainwatch/internal/platform/redis"
)

const maxRestarts = 10

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Crash recovery loop: a fatal error restarts the service with backoff
	// after a best-effort snapshot (run handles the snapshot on its way
	// out). Interrupts exit cleanly.
	for attempt := 0; ; attempt++ {
		err := run(ctx, cfg, log)
		if err == nil || ctx.Err() != nil {
			log.Info("shutdown complete")
			return
		}
		if attempt >= maxRestarts {
			log.Error("too many restart attempts, giving up", "attempts", attempt)
			writeCrashMarker(cfg.StateDir, err)
			os.Exit(1)
		}
		wait := min(30*time.Second, time.Duration(attempt+1)*5*time.Second)
		log.Error("service failed, restarting", "error", err, "attempt", attempt+1, "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// run builds the component graph and blocks until shutdown or failure.
func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	m := metrics.New()

	redisClient, err := platformredis.New(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	mon, err := monitor.New(cfg, log, m, redisClient)
	if err != nil {
		return err
	}

	srv := httpserver.New(cfg.OpsAddr, ops.New(mon, m, log).Router())

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(runCtx) })
	g.Go(func() error {
		log.Info("ops server listening", "addr", cfg.OpsAddr, "instance", cfg.InstanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// writeCrashMarker leaves a breadcrumb for operators when the restart
// budget is exhausted.
func writeCrashMarker(dir string, cause error) {
	marker := filepath.Join(dir, "crashdump.txt")
	body := fmt.Sprintf("crash at %s\nerror: %v\ngiving up after repeated restarts\n",
		time.Now().Format(time.RFC3339), cause)
	_ = os.WriteFile(marker, []byte(body), 0o644)
}

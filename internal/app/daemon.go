package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"cr-go/internal/staging"
)

const shutdownTimeout = 5 * time.Second

// RunDaemon arms every Running mission and serves metrics until ctx is
// cancelled. In-flight executions finish before it returns.
func (a *CRApp) RunDaemon(ctx context.Context) error {
	a.SweepStaging()

	if a.vault != nil {
		if err := a.vault.ValidateSetup(ctx); err != nil {
			a.logger.Warn("vault unavailable, artifacts will not be mirrored", "err", err)
		}
	}

	if err := a.service.Start(ctx); err != nil {
		return fmt.Errorf("starting mission service: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			a.logger.Info("metrics endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("daemon stopping")
		a.service.Stop()
		return nil
	})

	return g.Wait()
}

// SweepStaging removes staging leftovers from every mission destination.
// It returns how many entries were removed.
func (a *CRApp) SweepStaging() int {
	total := 0
	seen := make(map[string]bool)
	for _, snap := range a.registry.List() {
		dst := snap.Mission.DstPath
		if seen[dst] {
			continue
		}
		seen[dst] = true

		n, err := staging.Sweep(dst)
		if err != nil {
			a.logger.Warn("sweeping staging leftovers failed", "path", dst, "err", err)
			continue
		}
		if n > 0 {
			a.logger.Info("removed staging leftovers", "path", dst, "count", n)
		}
		total += n
	}
	return total
}

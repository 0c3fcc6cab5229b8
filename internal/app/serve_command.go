package app

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggonzalez94/payagent/internal/api"
	"github.com/ggonzalez94/payagent/internal/cache"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/ratelimit"
	"github.com/spf13/cobra"
)

const janitorInterval = time.Minute

func (s *runtimeState) newServeCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				s.settings.ListenAddr = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			deps := s.components()
			ledger, err := s.store()
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "open store", err)
			}
			limiter, closeLimiter := s.newLimiter()
			defer closeLimiter()

			go s.janitor(ctx, deps.routes, limiter)

			server := api.NewServer(api.Config{
				Addr:     s.settings.ListenAddr,
				Agent:    deps.agent,
				Executor: deps.builder,
				Ledger:   ledger,
				Records:  deps.resolver,
				Limiter:  limiter,
				Logger:   s.log,
			})
			if err := server.Start(ctx); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "serve http", err)
			}
			s.log.Info("api stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")
	return cmd
}

// newLimiter picks the shared redis window when configured and the
// in-process window otherwise.
func (s *runtimeState) newLimiter() (ratelimit.Limiter, func()) {
	if s.settings.RedisAddr != "" {
		r := ratelimit.NewRedis(s.settings.RedisAddr, s.settings.RedisPassword, s.settings.RedisDB, s.settings.RateLimitMax, s.settings.RateLimitWindow)
		s.log.Info("rate limiting via redis", "addr", s.settings.RedisAddr)
		return r, func() { _ = r.Close() }
	}
	return ratelimit.NewMemory(s.settings.RateLimitMax, s.settings.RateLimitWindow), func() {}
}

// janitor evicts expired route quotes and idle rate-limit windows until ctx
// ends.
func (s *runtimeState) janitor(ctx context.Context, routes *cache.Store, limiter ratelimit.Limiter) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := routes.Sweep()
			pruned := 0
			if mem, ok := limiter.(*ratelimit.Memory); ok {
				pruned = mem.Prune()
			}
			if swept > 0 || pruned > 0 {
				s.log.Debug("janitor", "routes_evicted", swept, "windows_pruned", pruned)
			}
		}
	}
}

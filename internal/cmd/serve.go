package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/carepilot-io/carepilot/internal/retention"
	"github.com/carepilot-io/carepilot/internal/server"
)

var (
	servePort     int
	serveRateRPM  int
	serveSchedule string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the CarePilot API server with scheduled retention purges",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	serveCmd.Flags().IntVar(&serveRateRPM, "rate-rpm", 120, "per-user requests per minute (0 disables)")
	serveCmd.Flags().StringVar(&serveSchedule, "retention-cron", retention.DefaultSchedule, "cron spec for the retention purge")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key -> user_id from CAREPILOT_API_KEYS
// (comma-separated; each entry key:user_id).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		userID := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			userID = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = userID
	}
	return m
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	apiKeys := parseAPIKeys(os.Getenv("CAREPILOT_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("CAREPILOT_API_KEYS not set — all API endpoints will return 401. Set for production.")
	}

	var opts []server.Option
	if serveRateRPM > 0 {
		opts = append(opts, server.WithRateLimiter(server.NewRateLimiter(serveRateRPM)))
	}
	srv := server.NewServer(c.executor, c.actions, c.consents, c.clinical, c.audit, c.engine, apiKeys, opts...)

	purger := retention.NewScheduler(c.actions, c.audit, c.consents,
		c.cfg.RetentionDays, c.policy.Audit.RetentionDays)
	if err := purger.Register(serveSchedule); err != nil {
		return fmt.Errorf("registering retention schedule: %w", err)
	}
	purger.Start()
	defer purger.Stop()

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("agent", c.policy.Agent.Name).
		Str("policy_version", c.policy.VersionTag).
		Strs("tools", c.registry.ListNames()).
		Msg("carepilot_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}

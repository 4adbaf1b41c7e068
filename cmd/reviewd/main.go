package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openhitl/reviewd/internal/build"
	"github.com/openhitl/reviewd/internal/logging"
	"github.com/openhitl/reviewd/internal/mcp"
	"github.com/openhitl/reviewd/internal/ratelimit"
	"github.com/openhitl/reviewd/internal/review"
	"github.com/openhitl/reviewd/internal/storage"
	"github.com/openhitl/reviewd/internal/web"
)

var rootCmd = &cobra.Command{
	Use:   "reviewd",
	Short: "Human-in-the-loop review case daemon",
	Long: `reviewd hosts review cases that defer decisions from automated
callers to humans: callers create cases over HTTP or MCP, humans respond
through the review page, and callers poll or subscribe for the outcome.`,
	Version:       build.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("listen", ":3458", "HTTP listen address")
	flags.String("base-url", "", "externally reachable base URL "+
		"(default http://localhost<listen>)")
	flags.String("db", "", "SQLite database path (empty for in-memory)")
	flags.String("redis", "", "Redis address for a shared rate limit "+
		"(empty for in-process)")
	flags.Int("rate-limit", ratelimit.DefaultLimit,
		"poll requests allowed per case per window")
	flags.Duration("rate-window", ratelimit.DefaultWindow,
		"rate limit window")
	flags.Duration("default-ttl", review.DefaultTTL,
		"case lifetime when creation does not specify one")
	flags.Duration("retention", 0,
		"how long to keep terminal cases (0 keeps them)")
	flags.String("log-level", "info", "log level")
	flags.Bool("pretty", false, "human-readable log output")
	flags.Bool("mcp", false, "also serve MCP tools on stdio")

	viper.SetEnvPrefix("REVIEWD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"listen", "base-url", "db", "redis", "rate-limit",
		"rate-window", "default-ttl", "retention", "log-level",
		"pretty", "mcp",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.Setup(viper.GetString("log-level"), viper.GetBool("pretty"))

	listen := viper.GetString("listen")
	baseURL := viper.GetString("base-url")
	if baseURL == "" {
		baseURL = "http://localhost" + listen
	}

	// Storage: SQLite when a path is given, in-memory otherwise.
	var store review.Storage
	if dbPath := viper.GetString("db"); dbPath != "" {
		sqlite, err := storage.Open(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer sqlite.Close()

		store = sqlite
		log.Info().Str("path", dbPath).Msg("using sqlite storage")
	}

	// Rate limiter: Redis when an address is given, in-process otherwise.
	var limiter ratelimit.Limiter
	if redisAddr := viper.GetString("redis"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer rdb.Close()

		limiter = ratelimit.NewRedisLimiter(rdb,
			viper.GetInt("rate-limit"),
			viper.GetDuration("rate-window"))
		log.Info().Str("addr", redisAddr).Msg("using redis rate limiter")
	} else {
		limiter = ratelimit.NewWindowLimiter(
			viper.GetInt("rate-limit"),
			viper.GetDuration("rate-window"))
	}

	engine := review.NewStore(review.Config{
		Storage:    store,
		Limiter:    limiter,
		DefaultTTL: viper.GetDuration("default-ttl"),
		Retention:  viper.GetDuration("retention"),
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer engine.Stop()

	server := web.NewServer(&web.Config{
		Addr:    listen,
		BaseURL: baseURL,
	}, engine)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {

			errCh <- err
		}
	}()

	// Serve MCP tools on stdio when requested, so an agent host can spawn
	// the daemon directly.
	if viper.GetBool("mcp") {
		mcpServer := mcp.NewServer(mcp.Config{
			Engine:  engine,
			BaseURL: baseURL,
		})

		go func() {
			transport := &sdkmcp.StdioTransport{}
			if err := mcpServer.Run(ctx, transport); err != nil &&
				!errors.Is(err, context.Canceled) {

				log.Error().Err(err).Msg("mcp server exited")
			}
		}()
		log.Info().Msg("serving MCP tools on stdio")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("web server failed: %w", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(), 10*time.Second)
	defer shutdownCancel()

	return server.Shutdown(shutdownCtx)
}

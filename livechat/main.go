package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/portal-livechat/livechat/hooks"
	"github.com/gosuda/portal-livechat/livechat/session"
)

var rootCmd = &cobra.Command{
	Use:   "livechat",
	Short: "Livechat widget core (backend sync + host page bridge, served locally and over Portal)",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagDebug {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
	RunE: runLivechat,
}

var (
	flagBackendURL  string
	flagServerURLs  []string
	flagPort        int
	flagName        string
	flagDescription string
	flagOwner       string
	flagTags        string
	flagHide        bool
	flagCredKey     string
	flagDataPath    string
	flagRedisURL    string
	flagSource      string
	flagToken       string
	flagDebug       bool
)

func init() {
	// .env is optional
	_ = godotenv.Load()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagBackendURL, "backend-url", envOr("LIVECHAT_URL", "http://localhost:3000"), "livechat backend base URL (env LIVECHAT_URL)")
	flags.StringSliceVar(&flagServerURLs, "server-url", defaultRelayList(), "relayserver base URL(s); repeat or comma-separated (from env PORTAL_RELAY/RELAY/RELAY_URL/SERVER_URL)")
	flags.IntVar(&flagPort, "port", 8092, "local HTTP port (0 disables)")
	flags.StringVar(&flagName, "name", "livechat", "Portal lease display name")
	flags.StringVar(&flagDescription, "description", "Livechat widget", "Portal lease description")
	flags.StringVar(&flagOwner, "owner", "Livechat", "Portal lease owner")
	flags.StringVar(&flagTags, "tags", "chat,livechat,widget", "comma-separated Portal lease tags")
	flags.BoolVar(&flagHide, "hide", false, "hide this lease from portal listings")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional credential key for the Portal listener (base64 private key)")
	flags.StringVar(&flagDataPath, "data-path", "", "optional directory to persist the visitor session via PebbleDB")
	flags.StringVar(&flagRedisURL, "redis-url", os.Getenv("REDIS_URL"), "optional Redis URL for the visitor session (env REDIS_URL)")
	flags.StringVar(&flagSource, "src", hooks.DefaultSource, "source tag trusted on host page frames")
	flags.StringVar(&flagToken, "token", "", "visitor token; defaults to the persisted session or a new one")
	flags.BoolVar(&flagDebug, "debug", false, "enable debug logging")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute livechat command")
	}
}

func runLivechat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := newWidget(ctx, widgetConfig{
		BackendURL: flagBackendURL,
		Source:     flagSource,
		Token:      flagToken,
		Session: session.Options{
			RedisURL:  flagRedisURL,
			DataPath:  flagDataPath,
			Namespace: flagName,
		},
	})
	if err != nil {
		return fmt.Errorf("build widget: %w", err)
	}
	defer w.close()

	if err := w.start(ctx); err != nil {
		return fmt.Errorf("start widget: %w", err)
	}

	handler := NewHandler(flagName, w.store, w.room, w.hub)

	errCh := make(chan error, 2)
	portalClose, err := startPortalBridge(handler, errCh)
	if err != nil {
		return err
	}
	if portalClose != nil {
		defer portalClose()
	}

	var httpSrv *http.Server
	if flagPort > 0 {
		httpSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", flagPort),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		log.Info().Msgf("[livechat] serving locally at http://127.0.0.1:%d", flagPort)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("local http: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-w.client.Done():
		log.Warn().Msg("[livechat] backend stream closed")
	case err = <-errCh:
	}

	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := httpSrv.Shutdown(sctx); serr != nil && serr != context.Canceled {
			log.Error().Err(serr).Msg("[livechat] http server shutdown error")
		}
	}
	log.Info().Msg("[livechat] shutdown complete")
	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/roomchat/chat"
	"github.com/gosuda/roomchat/transcript"
	"github.com/gosuda/roomchat/transport"
)

var rootCmd = &cobra.Command{
	Use:   "roomchat",
	Short: "Join a chat room over websocket from the terminal or a local web page",
	RunE:  runChat,
}

var (
	flagServerURL string
	flagRoom      string
	flagUser      string
	flagUI        string
	flagPort      int
	flagRelayURLs []string
	flagName      string
	flagCredKey   string
	flagDataPath  string
	flagHistory   int
	flagLogLevel  string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagServerURL, "server-url", envOr("ROOMCHAT_SERVER", "ws://localhost:5000/ws"), "chat server websocket URL (env ROOMCHAT_SERVER)")
	flags.StringVar(&flagRoom, "room", os.Getenv("ROOMCHAT_ROOM"), "room to join (env ROOMCHAT_ROOM)")
	flags.StringVar(&flagUser, "user", os.Getenv("USER"), "default username for the chat form")
	flags.StringVar(&flagUI, "ui", "terminal", "page to drive: terminal or web")
	flags.IntVar(&flagPort, "port", 8092, "local HTTP port for --ui=web (negative to disable)")
	flags.StringSliceVar(&flagRelayURLs, "relay-url", splitNonEmpty(os.Getenv("RELAY")), "portal relay URL(s) to publish the web page; repeat or comma-separated (env RELAY)")
	flags.StringVar(&flagName, "name", "roomchat", "display name of the published page")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional relay credential key (base64 encoded)")
	flags.StringVar(&flagDataPath, "data-path", "", "optional directory to keep a transcript via PebbleDB")
	flags.IntVar(&flagHistory, "history", 50, "transcript messages shown when joining (0 for all)")
	flags.StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute roomchat command")
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	if err := setupLogging(flagLogLevel); err != nil {
		return err
	}
	if flagRoom == "" {
		return errors.New("--room is required")
	}
	if flagUI != "terminal" && flagUI != "web" {
		return fmt.Errorf("unknown --ui %q", flagUI)
	}

	// Cancellation context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []chat.Option
	if flagDataPath != "" {
		store, err := transcript.Open(flagDataPath)
		if err != nil {
			log.Warn().Err(err).Msg("[roomchat] open transcript failed; running without history")
		} else {
			defer func() {
				if err := store.Close(); err != nil {
					log.Warn().Err(err).Msg("[roomchat] transcript close error")
				}
			}()
			opts = append(opts, chat.WithHistory(store, flagHistory))
		}
	}

	conn, err := transport.Dial(ctx, flagServerURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info().Str("server", flagServerURL).Str("room", flagRoom).Msg("[roomchat] connected")

	var (
		page     chat.Page
		termPage *terminalPage
		webView  *webPage
	)
	if flagUI == "web" {
		webView = newWebPage(flagRoom, flagUser)
		page = webView
	} else {
		termPage = newTerminalPage(os.Stdout, flagRoom, flagUser, isatty.IsTerminal(os.Stdout.Fd()))
		page = termPage
	}

	adapter := chat.NewAdapter(conn, page, opts...)
	if err := adapter.Load(); err != nil {
		return err
	}

	// The loop and the socket outlive ctx so that shutdown can drain them
	// in order: pending page events first, then queued frames.
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()
	connDone := make(chan error, 1)
	go func() { connDone <- conn.Run(loopCtx) }()
	go func() {
		if err := adapter.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("[roomchat] event loop stopped")
		}
	}()

	if termPage != nil {
		go func() {
			if err := readInput(os.Stdin, adapter, termPage); err != nil {
				log.Warn().Err(err).Msg("[roomchat] input stopped")
			}
			stop()
		}()
	} else {
		shutdown, err := serveWeb(ctx, NewHandler(flagName, adapter, webView))
		if err != nil {
			return err
		}
		defer shutdown()
	}

	select {
	case <-ctx.Done():
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adapter.Flush(fctx); err != nil {
			log.Warn().Err(err).Msg("[roomchat] pending events dropped")
		}
		cancel()
	case err := <-connDone:
		if err != nil {
			log.Error().Err(err).Msg("[roomchat] connection lost")
		} else {
			log.Info().Msg("[roomchat] server closed the connection")
		}
	}
	adapter.Close()
	// Close writes out queued frames before the close frame.
	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Msg("[roomchat] close connection")
	}
	log.Info().Msg("[roomchat] shutdown complete")
	return nil
}

// serveWeb starts the optional local server and relay listeners and returns
// a function that stops them.
func serveWeb(ctx context.Context, handler http.Handler) (func(), error) {
	clients, listeners, err := relayListeners(flagRelayURLs, flagName, flagCredKey)
	if err != nil {
		return nil, err
	}
	for i, ln := range listeners {
		go func(idx int, ln net.Listener) {
			if err := http.Serve(ln, handler); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
				log.Error().Err(err).Int("listener", idx).Msg("[roomchat] relay http error")
			}
		}(i, ln)
	}

	var httpSrv *http.Server
	if flagPort >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", flagPort), Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[roomchat] serving locally at http://127.0.0.1:%d", flagPort)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("[roomchat] local http stopped")
			}
		}()
	}
	if httpSrv == nil && len(listeners) == 0 {
		return nil, errors.New("--ui=web needs --port or --relay-url")
	}

	return func() {
		closeRelays(clients, listeners)
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(sctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("[roomchat] http server shutdown error")
			}
		}
	}, nil
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

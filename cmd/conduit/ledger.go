package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/ledger"
	"github.com/mattjoyce/conduit/internal/ledger/natsledger"
	"github.com/mattjoyce/conduit/internal/log"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// openLedger connects to the ledger named by rawURL as party.
//
//	memory://          a ledger private to this process
//	nats://host:port   a ledger served by 'conduit ledger serve'
func openLedger(ctx context.Context, rawURL, ledgerID, party string) (ledger.Client, io.Closer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid %s %q: %w", config.EnvLedgerURL, rawURL, err)
	}
	switch u.Scheme {
	case "memory":
		mem := ledger.NewMemory()
		return mem.Client(party), mem, nil
	case "nats", "tls":
		c, err := natsledger.Dial(ctx, rawURL, ledgerID, party, log.ForTransport("nats"))
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	default:
		return nil, nil, fmt.Errorf("unsupported ledger URL scheme %q in %s (use memory:// or nats://host:port)", u.Scheme, config.EnvLedgerURL)
	}
}

func runLedgerNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printLedgerServeHelp()
		return boolToExit(len(args) >= 1)
	}
	switch args[0] {
	case "serve":
		if hasHelpFlag(args[1:]) {
			printLedgerServeHelp()
			return 0
		}
		return runLedgerServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown ledger action: %s\n", args[0])
		return 1
	}
}

func printLedgerServeHelp() {
	fmt.Println("Usage: conduit ledger serve [--nats URL | --embedded [--listen HOST:PORT]] [--ledger-id ID]")
	fmt.Println()
	fmt.Println("Serves an in-memory ledger on NATS so several runtimes can share it")
	fmt.Println("with DABL_LEDGER_URL=nats://HOST:PORT.")
}

func runLedgerServe(args []string) int {
	fs := flag.NewFlagSet("ledger serve", flag.ContinueOnError)
	natsURL := fs.String("nats", "", "URL of an existing NATS server")
	embedded := fs.Bool("embedded", false, "Start a NATS server in this process")
	listen := fs.String("listen", "127.0.0.1:4222", "Listen address of the embedded NATS server")
	ledgerID := fs.String("ledger-id", envOr(config.EnvLedgerID, config.DefaultEnv().LedgerID), "Ledger ID served")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if (*natsURL == "") == !*embedded {
		fmt.Fprintln(os.Stderr, "Exactly one of --nats or --embedded is required")
		return 1
	}

	log.Setup(logLevelFromEnv())
	logger := log.WithComponent("ledger")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverURL := *natsURL
	if *embedded {
		srv, err := startEmbeddedNATS(*listen)
		if err != nil {
			logger.Error("could not start embedded NATS server", "listen", *listen, "error", err)
			return 1
		}
		defer srv.Shutdown()
		serverURL = srv.ClientURL()
		logger.Info("embedded NATS server ready", "url", serverURL)
	}

	conn, err := nats.Connect(serverURL, nats.Name("conduit-ledger"))
	if err != nil {
		logger.Error("could not connect to NATS", "url", serverURL, "error", err)
		return 1
	}
	defer conn.Close()

	mem := ledger.NewMemory()
	defer mem.Close()

	gw := natsledger.NewGateway(conn, *ledgerID, mem, log.ForTransport("nats"))
	if err := gw.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("ledger gateway stopped", "error", err)
		return 1
	}
	logger.Info("ledger gateway stopped")
	return 0
}

func startEmbeddedNATS(listen string) (*natsserver.Server, error) {
	host, portText, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", portText)
	}
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, err
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("NATS server on %s did not become ready", listen)
	}
	return srv, nil
}

// logLevelFromEnv is the configured level for tools that do not need the
// rest of the environment to be valid.
func logLevelFromEnv() int {
	if env, err := config.LoadEnv(); err == nil {
		return env.LogLevel
	}
	return log.LevelRuntime
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func boolToExit(ok bool) int {
	if ok {
		return 0
	}
	return 1
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/integration"
	"github.com/mattjoyce/conduit/internal/lock"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/storage"
)

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	envFile := fs.String("env-file", ".env", "Environment file loaded before reading DABL_* variables")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	explicit := false
	fs.Visit(func(f *flag.Flag) { explicit = explicit || f.Name == "env-file" })

	if err := loadDotEnv(*envFile, explicit); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		return exitFatal
	}

	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		return exitFatal
	}
	log.Setup(env.LogLevel)
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, env, catalog)
	if err != nil {
		logger.Error("FAIL: could not start integration", "error", err)
		return exitFatal
	}
	defer rt.Close()

	logger.Info("conduit starting",
		"version", version,
		"integration_id", rt.integrationID,
		"type_id", rt.typeID,
		"listen", rt.server.Addr(),
	)
	if err := rt.registry.Run(ctx, rt.server); err != nil {
		logger.Error("FAIL: runtime stopped", "error", err)
		return exitFatal
	}
	logger.Info("conduit stopped")
	return 0
}

// catalog is the set of integration types runRun can start.
var catalog = integration.Builtin()

// instance is a fully wired integration instance, ready to Run.
type instance struct {
	integrationID string
	typeID        string
	registry      *dispatch.Registry
	server        *api.Server
	hub           *events.Hub

	closers []io.Closer
}

func (r *instance) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i].Close()
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// buildRuntime loads the metadata named by env, connects the collaborators
// and lets the integration register its handlers.
func buildRuntime(ctx context.Context, env config.Env, catalog *integration.Catalog) (rt *instance, err error) {
	rt = &instance{}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	bundle, err := config.Load(env)
	if err != nil {
		return nil, err
	}
	rt.integrationID = bundle.Spec.IntegrationID
	rt.typeID = bundle.TypeID
	logger := log.WithComponent("main")
	if !bundle.Spec.Enabled {
		logger.Warn("integration is marked disabled in its metadata, running anyway", "integration_id", rt.integrationID)
	}

	if env.PIDFile != "" {
		pid, err := lock.Acquire(env.PIDFile)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, closerFunc(pid.Release))
	}

	verifier, err := newVerifier(ctx, env)
	if err != nil {
		return nil, err
	}

	client, closeLedger, err := openLedger(ctx, env.LedgerURL, env.LedgerID, bundle.Party)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closeLedger)

	var journal dispatch.Journal
	if env.StatePath != "" {
		j, err := storage.OpenJournal(ctx, env.StatePath)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, j)
		journal = j
	}

	rt.hub = events.NewHub(env.EventsBuffer)
	rt.registry = dispatch.NewRegistry(dispatch.Config{
		IntegrationID:  rt.integrationID,
		LedgerID:       env.LedgerID,
		MainPackageID:  bundle.Package.MainPackageID(),
		Client:         client,
		Verifier:       verifier,
		CommandTimeout: env.CommandTimeout,
		QueueSize:      env.QueueSize,
		Hub:            rt.hub,
		Journal:        journal,
	}, log.WithComponent("dispatch"))

	ienv, err := integration.NewEnv(bundle, env.LedgerID, rt.registry, log.ForIntegration(rt.integrationID))
	if err != nil {
		return nil, err
	}
	if err := catalog.Start(ienv, rt.registry); err != nil {
		return nil, err
	}

	rt.server = api.New(api.Config{
		Listen:        fmt.Sprintf(":%d", env.HealthPort),
		IntegrationID: rt.integrationID,
		TypeID:        rt.typeID,
		LedgerID:      env.LedgerID,
		Party:         bundle.Party,
		MetadataHash:  bundle.Digest,
		Verifier:      verifier,
	}, rt.registry, rt.hub, log.WithComponent("api"))
	return rt, nil
}

// newVerifier prefers a JWKS endpoint, then a shared secret. Without either
// only public routes can be served.
func newVerifier(ctx context.Context, env config.Env) (auth.Verifier, error) {
	switch {
	case env.JWKSURL != "":
		return auth.NewJWKSVerifier(ctx, env.JWKSURL, log.ForTransport("jwks"))
	case env.JWTSecret != "":
		return auth.NewSecretVerifier(env.JWTSecret)
	}
	return nil, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

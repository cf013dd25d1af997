package echo_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/integration"
	"github.com/mattjoyce/conduit/internal/integration/echo"
	"github.com/mattjoyce/conduit/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "s3cret"

type harness struct {
	mem *ledger.Memory
	hub *events.Hub
	srv *httptest.Server
}

func setup(t *testing.T, values config.Values) *harness {
	t.Helper()
	mem := ledger.NewMemory()
	hub := events.NewHub(256)
	verifier, err := auth.NewSecretVerifier(secret)
	require.NoError(t, err)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := dispatch.NewRegistry(dispatch.Config{
		IntegrationID:  "int-1",
		LedgerID:       "sandbox",
		MainPackageID:  "pkg",
		Client:         mem.Client("Alice"),
		Verifier:       verifier,
		CommandTimeout: 2 * time.Second,
		QueueSize:      64,
		Hub:            hub,
	}, logger)

	env := &integration.Env{
		IntegrationID: "int-1",
		TypeID:        echo.TypeID,
		LedgerID:      "sandbox",
		Party:         "Alice",
		MainPackageID: "pkg",
		Config:        values,
		Queue:         reg,
		Logger:        logger,
	}
	fn, ok := integration.Lookup(echo.TypeID)
	require.True(t, ok)
	require.NoError(t, fn(env, reg))

	live, unsubscribe := hub.Subscribe(256)
	t.Cleanup(unsubscribe)

	r := chi.NewRouter()
	reg.Webhooks().Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if _, ok := values[echo.FieldTemplate]; ok {
		waitFor(t, live, events.TypeLedgerLive)
	}
	return &harness{mem: mem, hub: hub, srv: srv}
}

func waitFor(t *testing.T, ch <-chan events.Event, eventType string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventType {
				return
			}
		case <-timeout:
			t.Fatalf("no %s event", eventType)
		}
	}
}

func text(s string) config.Value { return config.Value{Kind: config.FieldText, Raw: s} }

func noHeartbeat() config.Value { return config.Value{Kind: config.FieldInteger, Raw: "0"} }

func token(t *testing.T, parties ...string) string {
	t.Helper()
	tok := jwt.New()
	require.NoError(t, tok.Set(jwt.ExpirationKey, time.Now().Add(time.Hour)))
	require.NoError(t, tok.Set(auth.LedgerClaimsKey, map[string]any{
		"ledgerId": "sandbox",
		"readAs":   parties,
		"actAs":    parties,
	}))
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	require.NoError(t, err)
	return string(signed)
}

func TestWhoami(t *testing.T) {
	h := setup(t, config.Values{echo.FieldHeartbeat: noHeartbeat()})

	resp, err := http.Get(h.srv.URL + "/integration/int-9/echo")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "int-9", body["integration_id"])
	assert.Equal(t, "Alice", body["party"])
	assert.Equal(t, echo.TypeID, body["type_id"])
}

func TestPostIsEchoedAndRelayedToLedger(t *testing.T) {
	h := setup(t, config.Values{
		echo.FieldHeartbeat:     noHeartbeat(),
		echo.FieldRelayTemplate: text("pkg:Main:Note"),
	})

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/integration/int-1/echo", strings.NewReader(`{"say":"hi"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, "Bob"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Bob", body["from"])
	assert.Equal(t, map[string]any{"say": "hi"}, body["echo"])

	require.Eventually(t, func() bool { return len(h.mem.Submissions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cmd := h.mem.Submissions()[0].Commands[0]
	assert.Equal(t, "pkg:Main:Note", cmd.TemplateID)
	assert.Equal(t, "Bob", cmd.Arguments["sender"])
	assert.Equal(t, "Alice", cmd.Arguments["owner"])
}

func TestPostRequiresAParty(t *testing.T) {
	h := setup(t, config.Values{echo.FieldHeartbeat: noHeartbeat()})

	resp, err := http.Post(h.srv.URL+"/integration/int-1/echo", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLiveContractsAreAcknowledged(t *testing.T) {
	h := setup(t, config.Values{
		echo.FieldHeartbeat: noHeartbeat(),
		echo.FieldTemplate:  text("pkg:Main:Ping"),
		echo.FieldAckChoice: text("Archive"),
	})

	c := h.mem.Create("pkg:Main:Ping", map[string]any{"n": 1})

	require.Eventually(t, func() bool { return len(h.mem.Submissions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cmd := h.mem.Submissions()[0].Commands[0]
	assert.Equal(t, ledger.CommandExercise, cmd.Kind)
	assert.Equal(t, c.ContractID, cmd.ContractID)
	assert.Equal(t, "Archive", cmd.Choice)
}

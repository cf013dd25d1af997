package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout, oldStderr := os.Stdout, os.Stderr
	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout, os.Stderr = stdoutW, stderrW

	var stdout, stderr []byte
	done := make(chan struct{})
	go func() {
		stdout, _ = io.ReadAll(stdoutR)
		close(done)
	}()
	errDone := make(chan struct{})
	go func() {
		stderr, _ = io.ReadAll(stderrR)
		close(errDone)
	}()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout, os.Stderr = oldStdout, oldStderr
	<-done
	<-errDone
	return code, string(stdout), string(stderr)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()
	origVersion, origCommit, origBuildDate := version, gitCommit, buildDate
	version, gitCommit, buildDate = v, commit, built
	t.Cleanup(func() {
		version, gitCommit, buildDate = origVersion, origCommit, origBuildDate
	})
}

const packageYAML = `
catalog:
  name: conduit-samples
  version: 0.1.0
integration_types:
  - id: conduit.echo
    name: Echo
    fields:
      - id: template
        name: Template
        field_type: template
        required: false
      - id: heartbeat_seconds
        name: Heartbeat
        field_type: integer
        default_value: "0"
daml_model:
  main_package_id: pkg
`

const instanceYAML = `
integration_id: int-1
type_id: conduit.echo
enabled: true
metadata:
  template: " Main:Ping "
  com.projectdabl.integrations.common.runAsParty: Alice
`

// writeMetadata points the DABL_* metadata variables at fresh files.
func writeMetadata(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	pkg := filepath.Join(dir, "package_meta.yaml")
	spec := filepath.Join(dir, "int_args.yaml")
	require.NoError(t, os.WriteFile(pkg, []byte(packageYAML), 0o644))
	require.NoError(t, os.WriteFile(spec, []byte(instanceYAML), 0o644))

	t.Setenv(config.EnvPackageMetadataPath, pkg)
	t.Setenv(config.EnvMetadataPath, spec)
	t.Setenv(config.EnvLedgerURL, "memory://")
	t.Setenv(config.EnvTypeID, "")
	t.Setenv(config.EnvParty, "")
	return dir
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int { return runCLI([]string{"explode"}) })
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: explode")
}

func TestVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2026-01-02T03:04:05+02:00")

	code, stdout, _ := captureOutputWithExitCode(t, func() int { return runCLI([]string{"version", "--json"}) })
	require.Equal(t, 0, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, versionInfo{Version: "1.2.3", Commit: "0123456789ab", BuildTime: "2026-01-02T01:04:05Z"}, info)
}

func TestOpenLedgerSchemes(t *testing.T) {
	client, closer, err := openLedger(context.Background(), "memory://", "sandbox", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", client.Party())
	assert.NoError(t, closer.Close())

	_, _, err = openLedger(context.Background(), "http://localhost:6865", "sandbox", "Alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported ledger URL scheme")
}

func TestBuildRuntimeWiresEverything(t *testing.T) {
	dir := writeMetadata(t)
	env, err := config.LoadEnv()
	require.NoError(t, err)
	env.StatePath = filepath.Join(dir, "state", "journal.db")
	env.PIDFile = filepath.Join(dir, "conduit.pid")

	rt, err := buildRuntime(context.Background(), env, catalog)
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, "int-1", rt.integrationID)
	assert.Equal(t, "conduit.echo", rt.typeID)
	assert.Len(t, rt.registry.Registrations(), 5)

	_, err = buildRuntime(context.Background(), env, catalog)
	require.Error(t, err, "the pid file is held")

	srv := httptest.NewServer(rt.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.registry.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st api.StatusResponse
		if json.NewDecoder(resp.Body).Decode(&st) != nil {
			return false
		}
		return st.Running && len(st.LedgerEvents) == 2 && st.Self.Party == "Alice" && st.MetadataHash != ""
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Get(srv.URL + "/integration/int-1/echo")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
	rt.Close()

	j, err := storage.OpenJournal(context.Background(), env.StatePath)
	require.NoError(t, err)
	defer j.Close()
	entries, err := j.Tail(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "GET /echo", entries[0].Label)
}

func TestBuildRuntimeRejectsUnknownType(t *testing.T) {
	writeMetadata(t)
	t.Setenv(config.EnvTypeID, "conduit.missing")
	env, err := config.LoadEnv()
	require.NoError(t, err)

	_, err = buildRuntime(context.Background(), env, catalog)
	assert.Error(t, err)
}

func TestConfigCheck(t *testing.T) {
	writeMetadata(t)

	report := checkConfig(filepath.Join(t.TempDir(), "absent.env"), false, catalog)
	require.True(t, report.OK, report.Error)
	assert.Equal(t, "int-1", report.IntegrationID)
	assert.Equal(t, "pkg", report.MainPackageID)
	assert.Len(t, report.Handlers, 5)

	report = checkConfig(filepath.Join(t.TempDir(), "absent.env"), true, catalog)
	assert.False(t, report.OK)
	assert.Contains(t, report.Error, "absent.env")
}

func TestConfigCheckReportsBadEnvironment(t *testing.T) {
	writeMetadata(t)
	t.Setenv(config.EnvLogLevel, "99")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--env-file", filepath.Join(t.TempDir(), "none.env")})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, config.EnvLogLevel)
}

func TestTypesList(t *testing.T) {
	writeMetadata(t)

	code, stdout, _ := captureOutputWithExitCode(t, func() int { return runCLI([]string{"types", "list"}) })
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "conduit.echo")
	assert.Contains(t, stdout, "Echo")
}

func TestJournalTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := storage.OpenJournal(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), storage.Entry{
		IntegrationID: "int-1",
		Kind:          "timer",
		Label:         "heartbeat",
		StartedAt:     time.Now(),
		Duration:      15 * time.Millisecond,
		Error:         "boom\nstack",
	}))
	require.NoError(t, j.Close())

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"journal", "tail", "--state", path})
	})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "heartbeat")
	assert.Contains(t, stdout, "boom")
	assert.NotContains(t, stdout, "stack")

	t.Setenv(config.EnvStatePath, "")
	code, _, stderr := captureOutputWithExitCode(t, func() int { return runCLI([]string{"journal", "tail"}) })
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, config.EnvStatePath)
}

func TestStatusAgainstRunningServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := api.StatusResponse{Self: api.SelfInfo{IntegrationID: "int-7", TypeID: "conduit.echo", Party: "Alice"}}
		st.Running = true
		_ = json.NewEncoder(w).Encode(st)
	}))
	defer srv.Close()

	code, stdout, _ := captureOutputWithExitCode(t, func() int { return runCLI([]string{"status", "--url", srv.URL}) })
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "int-7 (conduit.echo) as Alice: running")
}

func TestLedgerServeNeedsOneSource(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int { return runCLI([]string{"ledger", "serve"}) })
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Exactly one of --nats or --embedded")
}

package integration_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/integration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nop(*integration.Env, *dispatch.Registry) error { return nil }

func TestCatalog(t *testing.T) {
	c := integration.NewCatalog()
	require.NoError(t, c.Add("b.type", nop))
	require.NoError(t, c.Add("a.type", nop))

	assert.Error(t, c.Add("a.type", nop))
	assert.Error(t, c.Add("", nop))
	assert.Error(t, c.Add("c.type", nil))

	assert.Equal(t, []string{"a.type", "b.type"}, c.Types())
	_, ok := c.Get("a.type")
	assert.True(t, ok)
	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCatalogStart(t *testing.T) {
	c := integration.NewCatalog()
	var got *integration.Env
	require.NoError(t, c.Add("ok", func(env *integration.Env, _ *dispatch.Registry) error {
		got = env
		return nil
	}))
	require.NoError(t, c.Add("broken", func(*integration.Env, *dispatch.Registry) error {
		return errors.New("boom")
	}))

	reg := dispatch.NewRegistry(dispatch.Config{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	env := &integration.Env{TypeID: "ok"}
	require.NoError(t, c.Start(env, reg))
	assert.Same(t, env, got)

	err := c.Start(&integration.Env{TypeID: "broken"}, reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init broken: boom")

	err = c.Start(&integration.Env{TypeID: "unknown"}, reg)
	assert.EqualError(t, err, "no integration of type unknown")
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	integration.Register("test.duplicate", nop)
	assert.Contains(t, integration.Types(), "test.duplicate")
	assert.Panics(t, func() { integration.Register("test.duplicate", nop) })
}

func strptr(s string) *string { return &s }

func bundle(metadata map[string]string) *config.Bundle {
	notRequired := false
	return &config.Bundle{
		Spec: &config.IntegrationSpec{IntegrationID: "int-1", Metadata: metadata},
		Package: &config.PackageMetadata{
			DamlModel: &config.DamlModel{MainPackageID: "pkg"},
		},
		Type: config.IntegrationType{
			ID: "conduit.echo",
			Fields: []config.FieldInfo{
				{ID: "template", FieldType: "template", Required: &notRequired},
				{ID: "limit", FieldType: "integer", DefaultValue: strptr("7")},
				{ID: "ratio", FieldType: "number", Required: &notRequired},
			},
		},
		TypeID: "conduit.echo",
		Party:  "Alice",
	}
}

type recordingSink struct {
	got []any
}

func (s *recordingSink) Put(_ context.Context, message any, name string) error {
	s.got = append(s.got, name, message)
	return nil
}

func TestNewEnvTypesMetadata(t *testing.T) {
	sink := &recordingSink{}
	env, err := integration.NewEnv(bundle(map[string]string{
		"template": "Main:Foo",
		"ratio":    "0.5",
		"extra":    "kept as text",
	}), "sandbox", sink, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.Equal(t, "int-1", env.IntegrationID)
	assert.Equal(t, "conduit.echo", env.TypeID)
	assert.Equal(t, "sandbox", env.LedgerID)
	assert.Equal(t, "Alice", env.Party)
	assert.Equal(t, "pkg", env.MainPackageID)

	assert.Equal(t, "pkg:Main:Foo", env.Text("template"))
	assert.Equal(t, int64(7), env.Integer("limit", 0))
	assert.Equal(t, 0.5, env.Number("ratio", 0))
	assert.Equal(t, 7.0, env.Number("limit", 0))
	assert.Equal(t, "kept as text", env.Text("extra"))
	assert.Equal(t, int64(3), env.Integer("missing", 3))
	assert.Equal(t, "", env.Text("missing"))

	require.NoError(t, env.Put(context.Background(), "hi", "jobs"))
	assert.Equal(t, []any{"jobs", "hi"}, sink.got)
}

func TestNewEnvRejectsBadField(t *testing.T) {
	_, err := integration.NewEnv(bundle(map[string]string{"limit": "many"}), "sandbox", nil, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestEnvPutWithoutSink(t *testing.T) {
	env := &integration.Env{IntegrationID: "int-1"}
	assert.Error(t, env.Put(context.Background(), "x", "jobs"))
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testPackageMeta = `
catalog:
  name: sample
  version: 1.0.0
daml_model:
  main_package_id: abc123
integration_types:
  - id: conduit.echo
    name: Echo
    fields:
      - id: greeting
        name: Greeting
        field_type: text
      - id: interval
        name: Interval
        field_type: integer
        default_value: "30"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		env     func(e *Env)
		wantErr string
		checkFn func(t *testing.T, b *Bundle)
	}{
		{
			name: "type and party from environment",
			spec: `
integration_id: int-1
metadata:
  greeting: "  hello  "
`,
			env: func(e *Env) {
				e.TypeID = "conduit.echo"
				e.Party = "Alice"
			},
			checkFn: func(t *testing.T, b *Bundle) {
				if b.TypeID != "conduit.echo" {
					t.Errorf("TypeID = %q", b.TypeID)
				}
				if b.Party != "Alice" {
					t.Errorf("Party = %q", b.Party)
				}
				if b.Spec.Metadata["greeting"] != "hello" {
					t.Errorf("metadata not trimmed: %q", b.Spec.Metadata["greeting"])
				}
				if b.Package.MainPackageID() != "abc123" {
					t.Errorf("MainPackageID = %q", b.Package.MainPackageID())
				}
				if b.Digest == "" {
					t.Error("digest not computed")
				}
			},
		},
		{
			name: "type and party fall back to spec file",
			spec: `
integration_id: int-1
type_id: conduit.echo
metadata:
  com.projectdabl.integrations.runAsParty: Bob
`,
			checkFn: func(t *testing.T, b *Bundle) {
				if b.TypeID != "conduit.echo" {
					t.Errorf("TypeID = %q", b.TypeID)
				}
				if b.Party != "Bob" {
					t.Errorf("Party = %q", b.Party)
				}
			},
		},
		{
			name: "common party key wins over integration key",
			spec: `
type_id: conduit.echo
metadata:
  com.projectdabl.integrations.common.runAsParty: Carol
  com.projectdabl.integrations.runAsParty: Bob
`,
			checkFn: func(t *testing.T, b *Bundle) {
				if b.Party != "Carol" {
					t.Errorf("Party = %q", b.Party)
				}
			},
		},
		{
			name:    "missing type id",
			spec:    "metadata: {}\n",
			env:     func(e *Env) { e.Party = "Alice" },
			wantErr: "DABL_INTEGRATION_TYPE_ID",
		},
		{
			name:    "unknown type",
			spec:    "type_id: nope\n",
			env:     func(e *Env) { e.Party = "Alice" },
			wantErr: "no integration of type nope",
		},
		{
			name:    "missing party",
			spec:    "type_id: conduit.echo\n",
			wantErr: "DAML_LEDGER_PARTY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			env := DefaultEnv()
			env.PackageMetadataPath = writeFile(t, dir, "package_meta.yaml", testPackageMeta)
			env.MetadataPath = writeFile(t, dir, "int_args.yaml", tt.spec)
			if tt.env != nil {
				tt.env(&env)
			}

			b, err := Load(env)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, b)
			}
		})
	}
}

func TestLoadIntegrationSpecInterpolatesEnv(t *testing.T) {
	t.Setenv("CONDUIT_TEST_TOKEN", "s3cret")
	dir := t.TempDir()
	path := writeFile(t, dir, "int_args.yaml", `
type_id: conduit.echo
metadata:
  token: ${CONDUIT_TEST_TOKEN}
  other: ${CONDUIT_TEST_UNSET_VAR}
`)

	spec, err := LoadIntegrationSpec(path)
	if err != nil {
		t.Fatalf("LoadIntegrationSpec() failed: %v", err)
	}
	if spec.Metadata["token"] != "s3cret" {
		t.Errorf("token = %q", spec.Metadata["token"])
	}
	if spec.Metadata["other"] != "${CONDUIT_TEST_UNSET_VAR}" {
		t.Errorf("unset variable should be left in place, got %q", spec.Metadata["other"])
	}
}

func TestLoadPackageMetadataValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "deprecated integrations key",
			yaml: `
integrations:
  - id: legacy
    name: Legacy
`,
		},
		{
			name: "duplicate type",
			yaml: `
integration_types:
  - id: a
  - id: a
`,
			wantErr: "duplicate integration type",
		},
		{
			name: "unknown field type",
			yaml: `
integration_types:
  - id: a
    fields:
      - id: f
        field_type: blob
`,
			wantErr: "unknown field type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "package_meta.yaml", tt.yaml)
			pkg, err := LoadPackageMetadata(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadPackageMetadata() failed: %v", err)
			}
			if _, ok := pkg.FindType("legacy"); !ok {
				t.Fatal("legacy type not found via deprecated key")
			}
		})
	}
}

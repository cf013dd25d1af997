package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Bundle is everything loaded from disk for one integration instance.
type Bundle struct {
	Spec    *IntegrationSpec
	Package *PackageMetadata
	Type    IntegrationType
	TypeID  string
	Party   string

	// Digest is a BLAKE3 digest over the metadata files, reported by /status.
	Digest string
}

// Load reads the package and instance metadata named by env and resolves
// the integration type and acting party.
func Load(env Env) (*Bundle, error) {
	pkg, err := LoadPackageMetadata(env.PackageMetadataPath)
	if err != nil {
		return nil, err
	}

	spec, err := LoadIntegrationSpec(env.MetadataPath)
	if err != nil {
		return nil, err
	}

	typeID := env.TypeID
	if typeID == "" {
		// Older deployments only carry the type in the spec file.
		typeID = spec.TypeID
	}
	if typeID == "" {
		return nil, fmt.Errorf("%s environment variable undefined", EnvTypeID)
	}

	itype, ok := pkg.FindType(typeID)
	if !ok {
		return nil, fmt.Errorf("no integration of type %s", typeID)
	}

	party := env.Party
	if party == "" {
		party = spec.Metadata[MetadataCommonRunAsParty]
	}
	if party == "" {
		party = spec.Metadata[MetadataIntegrationRunAsParty]
	}
	if party == "" {
		return nil, fmt.Errorf("%s environment variable undefined", EnvParty)
	}

	digest, err := ComputeDigest(env.PackageMetadataPath, env.MetadataPath)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		Spec:    spec,
		Package: pkg,
		Type:    itype,
		TypeID:  typeID,
		Party:   party,
		Digest:  digest,
	}, nil
}

// LoadIntegrationSpec reads the per-instance metadata file.
func LoadIntegrationSpec(path string) (*IntegrationSpec, error) {
	var spec IntegrationSpec
	if err := loadYAML(path, &spec); err != nil {
		return nil, fmt.Errorf("integration spec: %w", err)
	}

	if spec.Metadata == nil {
		spec.Metadata = map[string]string{}
	}
	for k, v := range spec.Metadata {
		spec.Metadata[k] = strings.TrimSpace(v)
	}

	return &spec, nil
}

// LoadPackageMetadata reads the package metadata file and validates the
// declared integration types.
func LoadPackageMetadata(path string) (*PackageMetadata, error) {
	var pkg PackageMetadata
	if err := loadYAML(path, &pkg); err != nil {
		return nil, fmt.Errorf("package metadata: %w", err)
	}
	if err := validatePackage(&pkg); err != nil {
		return nil, fmt.Errorf("package metadata %s: %w", path, err)
	}
	return &pkg, nil
}

func loadYAML(path string, out any) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", absPath, err)
	}

	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", absPath, err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unknown variables are left in place.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validatePackage(pkg *PackageMetadata) error {
	seen := make(map[string]bool)
	for _, t := range pkg.Types() {
		if t.ID == "" {
			return fmt.Errorf("integration type without id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate integration type %q", t.ID)
		}
		seen[t.ID] = true

		fields := make(map[string]bool)
		for _, f := range t.Fields {
			if f.ID == "" {
				return fmt.Errorf("integration type %q: field without id", t.ID)
			}
			if fields[f.ID] {
				return fmt.Errorf("integration type %q: duplicate field %q", t.ID, f.ID)
			}
			fields[f.ID] = true
			if _, err := ParseFieldKind(f.FieldType); err != nil {
				return fmt.Errorf("integration type %q: field %q: %w", t.ID, f.ID, err)
			}
		}
	}
	return nil
}

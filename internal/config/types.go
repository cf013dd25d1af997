package config

import "time"

// Metadata keys consulted when DAML_LEDGER_PARTY is not set.
const (
	MetadataCommonRunAsParty      = "com.projectdabl.integrations.common.runAsParty"
	MetadataIntegrationRunAsParty = "com.projectdabl.integrations.runAsParty"
)

// Env is the environment-supplied runtime configuration.
type Env struct {
	HealthPort          int
	LedgerURL           string
	LedgerID            string
	MetadataPath        string
	PackageMetadataPath string
	TypeID              string
	Party               string
	LogLevel            int

	JWKSURL        string
	JWTSecret      string
	QueueSize      int
	CommandTimeout time.Duration
	StatePath      string
	PIDFile        string
	EventsBuffer   int
}

// IntegrationSpec is the per-instance metadata file (int_args.yaml).
type IntegrationSpec struct {
	IntegrationID string            `yaml:"integration_id"`
	TypeID        string            `yaml:"type_id"`
	Enabled       bool              `yaml:"enabled"`
	Metadata      map[string]string `yaml:"metadata"`
	Runtime       string            `yaml:"runtime,omitempty"`
}

// PackageMetadata describes the integration types a package provides.
type PackageMetadata struct {
	Catalog          *CatalogInfo      `yaml:"catalog,omitempty"`
	IntegrationTypes []IntegrationType `yaml:"integration_types,omitempty"`

	// Integrations is the deprecated spelling of IntegrationTypes.
	Integrations []IntegrationType `yaml:"integrations,omitempty"`

	DamlModel *DamlModel `yaml:"daml_model,omitempty"`
}

// CatalogInfo is descriptive package information shown in listings.
type CatalogInfo struct {
	Name             string   `yaml:"name"`
	Version          string   `yaml:"version"`
	Description      string   `yaml:"description,omitempty"`
	ShortDescription string   `yaml:"short_description,omitempty"`
	Author           string   `yaml:"author,omitempty"`
	URL              string   `yaml:"url,omitempty"`
	License          string   `yaml:"license,omitempty"`
	Experimental     bool     `yaml:"experimental,omitempty"`
	Tags             []string `yaml:"tags,omitempty"`
}

// IntegrationType declares one runnable integration and its fields.
type IntegrationType struct {
	ID               string      `yaml:"id"`
	Name             string      `yaml:"name"`
	Description      string      `yaml:"description,omitempty"`
	Entrypoint       string      `yaml:"entrypoint,omitempty"`
	Runtime          string      `yaml:"runtime,omitempty"`
	HelpURL          string      `yaml:"help_url,omitempty"`
	InstanceTemplate string      `yaml:"instance_template,omitempty"`
	Fields           []FieldInfo `yaml:"fields,omitempty"`
}

// FieldInfo declares one configuration field of an integration type.
type FieldInfo struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description,omitempty"`
	FieldType    string   `yaml:"field_type"`
	HelpURL      string   `yaml:"help_url,omitempty"`
	DefaultValue *string  `yaml:"default_value,omitempty"`
	Required     *bool    `yaml:"required,omitempty"`
	Options      []string `yaml:"options,omitempty"`
}

// IsRequired defaults to true when the declaration omits it.
func (f FieldInfo) IsRequired() bool {
	return f.Required == nil || *f.Required
}

// DamlModel identifies the ledger model the package was built against.
type DamlModel struct {
	Name          string `yaml:"name,omitempty"`
	Version       string `yaml:"version,omitempty"`
	MainPackageID string `yaml:"main_package_id"`
}

// Types returns the declared integration types, honouring the deprecated key.
func (m *PackageMetadata) Types() []IntegrationType {
	if len(m.IntegrationTypes) > 0 {
		return m.IntegrationTypes
	}
	return m.Integrations
}

// FindType looks up an integration type by ID.
func (m *PackageMetadata) FindType(id string) (IntegrationType, bool) {
	for _, t := range m.Types() {
		if t.ID == id {
			return t, true
		}
	}
	return IntegrationType{}, false
}

// MainPackageID returns the package used to qualify bare template names.
func (m *PackageMetadata) MainPackageID() string {
	if m == nil || m.DamlModel == nil {
		return ""
	}
	return m.DamlModel.MainPackageID
}

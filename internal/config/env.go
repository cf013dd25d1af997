package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment variable names read by LoadEnv.
const (
	EnvHealthPort          = "DABL_HEALTH_PORT"
	EnvLedgerURL           = "DABL_LEDGER_URL"
	EnvLedgerID            = "DABL_LEDGER_ID"
	EnvMetadataPath        = "DABL_INTEGRATION_METADATA_PATH"
	EnvPackageMetadataPath = "DABL_PACKAGE_METADATA_PATH"
	EnvTypeID              = "DABL_INTEGRATION_TYPE_ID"
	EnvParty               = "DAML_LEDGER_PARTY"
	EnvLogLevel            = "DABL_LOG_LEVEL"
	EnvJWKSURL             = "DABL_JWKS_URL"
	EnvJWTSecret           = "DABL_JWT_SECRET"
	EnvQueueSize           = "DABL_QUEUE_SIZE"
	EnvCommandTimeout      = "DABL_COMMAND_TIMEOUT"
	EnvStatePath           = "DABL_STATE_PATH"
	EnvPIDFile             = "DABL_PID_FILE"
	EnvEventsBuffer        = "DABL_EVENTS_BUFFER"
)

// DefaultEnv returns the values used when a variable is unset.
func DefaultEnv() Env {
	return Env{
		HealthPort:          8089,
		LedgerURL:           "http://localhost:6865",
		LedgerID:            "cloudbox",
		MetadataPath:        "int_args.yaml",
		PackageMetadataPath: "package_meta.yaml",
		LogLevel:            0,
		QueueSize:           1024,
		CommandTimeout:      5 * time.Second,
		EventsBuffer:        256,
	}
}

// LoadEnv reads and validates the environment configuration.
func LoadEnv() (Env, error) {
	def := DefaultEnv()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault(key(EnvHealthPort), strconv.Itoa(def.HealthPort))
	v.SetDefault(key(EnvLedgerURL), def.LedgerURL)
	v.SetDefault(key(EnvLedgerID), def.LedgerID)
	v.SetDefault(key(EnvMetadataPath), def.MetadataPath)
	v.SetDefault(key(EnvPackageMetadataPath), def.PackageMetadataPath)
	v.SetDefault(key(EnvTypeID), "")
	v.SetDefault(key(EnvParty), "")
	v.SetDefault(key(EnvLogLevel), strconv.Itoa(def.LogLevel))
	v.SetDefault(key(EnvJWKSURL), "")
	v.SetDefault(key(EnvJWTSecret), "")
	v.SetDefault(key(EnvQueueSize), strconv.Itoa(def.QueueSize))
	v.SetDefault(key(EnvCommandTimeout), def.CommandTimeout.String())
	v.SetDefault(key(EnvStatePath), "")
	v.SetDefault(key(EnvPIDFile), "")
	v.SetDefault(key(EnvEventsBuffer), strconv.Itoa(def.EventsBuffer))

	var (
		env Env
		err error
	)

	if env.HealthPort, err = envInt(v, EnvHealthPort); err != nil {
		return Env{}, err
	}
	if env.HealthPort <= 0 || env.HealthPort > 65535 {
		return Env{}, fmt.Errorf("invalid %s: %d", EnvHealthPort, env.HealthPort)
	}

	env.LedgerURL = stringOr(v, EnvLedgerURL, def.LedgerURL)
	env.LedgerID = stringOr(v, EnvLedgerID, def.LedgerID)
	env.MetadataPath = stringOr(v, EnvMetadataPath, def.MetadataPath)
	env.PackageMetadataPath = stringOr(v, EnvPackageMetadataPath, def.PackageMetadataPath)
	env.TypeID = strings.TrimSpace(v.GetString(key(EnvTypeID)))
	env.Party = strings.TrimSpace(v.GetString(key(EnvParty)))

	if env.LogLevel, err = envInt(v, EnvLogLevel); err != nil {
		return Env{}, err
	}
	if env.LogLevel < 0 || env.LogLevel > 50 {
		return Env{}, fmt.Errorf("%s must be within [0,50] (got %d)", EnvLogLevel, env.LogLevel)
	}

	env.JWKSURL = strings.TrimSpace(v.GetString(key(EnvJWKSURL)))
	env.JWTSecret = v.GetString(key(EnvJWTSecret))

	if env.QueueSize, err = envInt(v, EnvQueueSize); err != nil {
		return Env{}, err
	}
	if env.QueueSize <= 0 {
		return Env{}, fmt.Errorf("%s must be positive (got %d)", EnvQueueSize, env.QueueSize)
	}

	if env.CommandTimeout, err = ParseTimeout(v.GetString(key(EnvCommandTimeout))); err != nil {
		return Env{}, fmt.Errorf("invalid %s: %w", EnvCommandTimeout, err)
	}

	env.StatePath = strings.TrimSpace(v.GetString(key(EnvStatePath)))
	env.PIDFile = strings.TrimSpace(v.GetString(key(EnvPIDFile)))

	if env.EventsBuffer, err = envInt(v, EnvEventsBuffer); err != nil {
		return Env{}, err
	}
	if env.EventsBuffer <= 0 {
		env.EventsBuffer = def.EventsBuffer
	}

	return env, nil
}

// ParseTimeout accepts a Go duration ("750ms", "5s") or a bare number of seconds.
func ParseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("duration must be positive: %s", raw)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", raw)
	}
	return d, nil
}

func key(envName string) string {
	return strings.ToLower(envName)
}

// envInt rejects non-numeric values instead of letting viper coerce them to 0.
func envInt(v *viper.Viper, envName string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key(envName)))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q in environment variable: %s", raw, envName)
	}
	return n, nil
}

// stringOr treats an empty variable like an unset one.
func stringOr(v *viper.Viper, envName, fallback string) string {
	if s := strings.TrimSpace(v.GetString(key(envName))); s != "" {
		return s
	}
	return fallback
}

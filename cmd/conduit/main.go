package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/joho/godotenv"

	_ "github.com/mattjoyce/conduit/internal/integration/echo"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// exitFatal is the status of a runtime that could not start or lost a
// collaborator it cannot do without.
const exitFatal = 9

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return 0
		}
		return runRun(args)
	case "config":
		return runConfigNoun(args)
	case "types":
		return runTypesNoun(args)
	case "status":
		return runStatus(args)
	case "journal":
		return runJournalNoun(args)
	case "ledger":
		return runLedgerNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

// loadDotEnv reads path into the environment without overriding variables
// that are already set. A missing default .env is not an error.
func loadDotEnv(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, os.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: conduit version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("conduit %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`conduit - integration dispatch runtime

Usage:
  conduit <command> [action] [flags]

Commands:
  run                 Run the configured integration in the foreground
  config check        Validate the environment and metadata files
  types list          List the built-in integration types
  status [--watch]    Show the status of a running integration
  journal tail        Show recent handler invocations
  ledger serve        Share an in-memory development ledger over NATS
  version [--json]    Show version information
  help                Show this help message

Configuration is read from DABL_* environment variables, optionally
loaded from a .env file (see 'conduit run --help').
`)
}

func printRunHelp() {
	fmt.Println("Usage: conduit run [--env-file PATH]")
	fmt.Println()
	fmt.Println("Loads the integration named by DABL_INTEGRATION_TYPE_ID (or the")
	fmt.Println("metadata file's type_id) and runs it until SIGINT or SIGTERM.")
	fmt.Println("Ledger URLs: memory:// for a process-local ledger, nats://host:port")
	fmt.Println("for a ledger shared with 'conduit ledger serve'.")
	fmt.Println()
	fmt.Printf("Exits with status %d when the runtime cannot start or fails.\n", exitFatal)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if isHelpToken(a) {
			return true
		}
	}
	return false
}

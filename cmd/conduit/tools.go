package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/integration"
	"github.com/mattjoyce/conduit/internal/ledger"
	"github.com/mattjoyce/conduit/internal/storage"
	"github.com/mattjoyce/conduit/internal/tui/watch"
)

// --- config ---

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printConfigCheckHelp()
		return boolToExit(len(args) >= 1)
	}
	switch args[0] {
	case "check":
		if hasHelpFlag(args[1:]) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func printConfigCheckHelp() {
	fmt.Println("Usage: conduit config check [--env-file PATH] [--json]")
	fmt.Println("Validates the environment, loads the metadata files and registers the")
	fmt.Println("integration's handlers against a throwaway ledger without running them.")
}

type checkReport struct {
	OK            bool     `json:"ok"`
	IntegrationID string   `json:"integration_id,omitempty"`
	TypeID        string   `json:"type_id,omitempty"`
	Party         string   `json:"party,omitempty"`
	MainPackageID string   `json:"main_package_id,omitempty"`
	MetadataHash  string   `json:"metadata_hash,omitempty"`
	Handlers      []string `json:"handlers,omitempty"`
	Error         string   `json:"error,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	envFile := fs.String("env-file", ".env", "Environment file loaded before reading DABL_* variables")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	explicit := false
	fs.Visit(func(f *flag.Flag) { explicit = explicit || f.Name == "env-file" })

	report := checkConfig(*envFile, explicit, catalog)
	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else if report.OK {
		fmt.Printf("OK %s (%s) as %s\n", report.IntegrationID, report.TypeID, report.Party)
		fmt.Printf("metadata_hash: %s\n", report.MetadataHash)
		for _, h := range report.Handlers {
			fmt.Printf("  %s\n", h)
		}
	} else {
		fmt.Fprintf(os.Stderr, "FAIL: %s\n", report.Error)
	}
	return boolToExit(report.OK)
}

func checkConfig(envFile string, explicit bool, catalog *integration.Catalog) checkReport {
	var report checkReport
	fail := func(err error) checkReport {
		report.Error = err.Error()
		return report
	}

	if err := loadDotEnv(envFile, explicit); err != nil {
		return fail(err)
	}
	env, err := config.LoadEnv()
	if err != nil {
		return fail(err)
	}
	bundle, err := config.Load(env)
	if err != nil {
		return fail(err)
	}
	report.IntegrationID = bundle.Spec.IntegrationID
	report.TypeID = bundle.TypeID
	report.Party = bundle.Party
	report.MainPackageID = bundle.Package.MainPackageID()
	report.MetadataHash = bundle.Digest

	reg := dispatch.NewRegistry(dispatch.Config{
		IntegrationID: report.IntegrationID,
		LedgerID:      env.LedgerID,
		MainPackageID: report.MainPackageID,
		Client:        ledger.NewMemory().Client(bundle.Party),
		QueueSize:     env.QueueSize,
	}, discard())
	ienv, err := integration.NewEnv(bundle, env.LedgerID, reg, discard())
	if err != nil {
		return fail(err)
	}
	if err := catalog.Start(ienv, reg); err != nil {
		return fail(err)
	}
	for _, r := range reg.Registrations() {
		report.Handlers = append(report.Handlers, fmt.Sprintf("%-16s %s", r.Kind, r.Label))
	}
	report.OK = true
	return report
}

// --- types ---

func runTypesNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: conduit types list [--package PATH] [--json]")
		return boolToExit(len(args) >= 1)
	}
	if args[0] != "list" {
		fmt.Fprintf(os.Stderr, "Unknown types action: %s\n", args[0])
		return 1
	}

	fs := flag.NewFlagSet("types list", flag.ContinueOnError)
	pkgPath := fs.String("package", envOr(config.EnvPackageMetadataPath, config.DefaultEnv().PackageMetadataPath), "Package metadata describing the types")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}

	type typeInfo struct {
		ID          string `json:"id"`
		Name        string `json:"name,omitempty"`
		Description string `json:"description,omitempty"`
		Fields      int    `json:"fields"`
	}
	var declared *config.PackageMetadata
	if pkg, err := config.LoadPackageMetadata(*pkgPath); err == nil {
		declared = pkg
	}

	var out []typeInfo
	for _, id := range catalog.Types() {
		info := typeInfo{ID: id}
		if declared != nil {
			if t, ok := declared.FindType(id); ok {
				info.Name = t.Name
				info.Description = t.Description
				info.Fields = len(t.Fields)
			}
		}
		out = append(out, info)
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tNAME\tFIELDS")
	for _, t := range out {
		fmt.Fprintf(w, "%s\t%s\t%d\n", t.ID, t.Name, t.Fields)
	}
	_ = w.Flush()
	return 0
}

// --- status ---

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	baseURL := fs.String("url", "http://localhost:"+envOr(config.EnvHealthPort, strconv.Itoa(config.DefaultEnv().HealthPort)), "Base URL of the runtime")
	token := fs.String("token", os.Getenv("CONDUIT_TOKEN"), "Bearer token (or CONDUIT_TOKEN)")
	watchMode := fs.Bool("watch", false, "Live view")
	jsonOut := fs.Bool("json", false, "Output the status document as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	client := watch.Client{BaseURL: *baseURL, Token: *token}
	if *watchMode {
		if _, err := tea.NewProgram(watch.New(client)).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			return 1
		}
		return 0
	}

	st, err := client.Status(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fetch status: %v\n", err)
		return 1
	}
	if *jsonOut {
		data, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Printf("%s (%s) as %s: %s\n", st.Self.IntegrationID, st.Self.TypeID, st.Self.Party, state)
	if st.ErrorMessage != "" {
		fmt.Printf("error: %s\n", st.ErrorMessage)
	}
	fmt.Printf("queue: %d/%d pending, %d skipped; sweep events: %d\n",
		st.EventQueue.PendingEvents, st.EventQueue.QueueSize, st.EventQueue.SkippedEvents, st.SweepEvents)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tLABEL\tUSES\tERRORS\tCOMMANDS\tLAST ERROR")
	for _, group := range [][]dispatch.InvocationStatus{st.LedgerEvents, st.Webhooks, st.Timers, st.Queues} {
		for _, h := range group {
			lastErr, _, _ := strings.Cut(h.ErrorMessage, "\n")
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", h.Kind, h.Label, h.UseCount, h.ErrorCount, h.CommandCount, lastErr)
		}
	}
	_ = w.Flush()
	return 0
}

// --- journal ---

func runJournalNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: conduit journal tail [--state PATH] [-n COUNT] [--json]")
		return boolToExit(len(args) >= 1)
	}
	if args[0] != "tail" {
		fmt.Fprintf(os.Stderr, "Unknown journal action: %s\n", args[0])
		return 1
	}

	fs := flag.NewFlagSet("journal tail", flag.ContinueOnError)
	statePath := fs.String("state", os.Getenv(config.EnvStatePath), "Journal database (or DABL_STATE_PATH)")
	count := fs.Int("n", 20, "Number of invocations")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	if *statePath == "" {
		fmt.Fprintf(os.Stderr, "No journal: set --state or %s\n", config.EnvStatePath)
		return 1
	}

	ctx := context.Background()
	j, err := storage.OpenJournal(ctx, *statePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer j.Close()

	entries, err := j.Tail(ctx, *count)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read journal: %v\n", err)
		return 1
	}
	if *jsonOut {
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tKIND\tLABEL\tDURATION\tCOMMANDS\tERROR")
	for _, e := range entries {
		errText, _, _ := strings.Cut(e.Error, "\n")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.StartedAt.Local().Format(time.DateTime), e.Kind, e.Label, e.Duration.Round(time.Millisecond), e.Commands, errText)
	}
	_ = w.Flush()
	return 0
}

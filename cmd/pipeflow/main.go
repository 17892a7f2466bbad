package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tkodaira/pipeflow/internal/ctlsock"
	"github.com/tkodaira/pipeflow/internal/engine"
	"github.com/tkodaira/pipeflow/internal/pipeline"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "run":
		runStart(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "health":
		runHealth(os.Args[2:])
	case "summary":
		runSummary(os.Args[2:])
	case "runs":
		runList(os.Args[2:])
	case "templates":
		runTemplates(os.Args[2:])
	case "version":
		fmt.Printf("pipeflow %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: pipeflow <command> [options]

commands:
  daemon               start the orchestrator daemon
  run <template>       start a workflow run (daemon must be running)
  validate <file>      validate a workflow template file
  health               show the daemon's health snapshot
  summary <run-id>     show a run's summary
  runs                 list runs
  templates            list loaded templates
  version              print version

options common to client commands:
  -dir <path>          state directory (default .pipeflow)`)
}

func socketPath(dir string) string {
	return filepath.Join(dir, ctlsock.DefaultSocketName)
}

func dirFlag(fs *flag.FlagSet) *string {
	return fs.String("dir", ".pipeflow", "state directory")
}

// sendCommand dispatches one control command and prints the response data as
// indented JSON.
func sendCommand(dir, command string, params any) {
	client := ctlsock.NewClient(socketPath(dir))
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}
	if len(resp.Data) > 0 {
		var pretty any
		if err := json.Unmarshal(resp.Data, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
		} else {
			fmt.Println(string(resp.Data))
		}
	}
}

func runStart(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dir := dirFlag(fs)
	paramsJSON := fs.String("params", "", "run parameters as JSON object")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: pipeflow run <template> [-params '{...}']")
		os.Exit(1)
	}

	params := map[string]any{}
	if *paramsJSON != "" {
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -params: %v\n", err)
			os.Exit(1)
		}
	}
	sendCommand(*dir, "run", map[string]any{
		"template": fs.Arg(0),
		"params":   params,
	})
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: pipeflow validate <template-file>")
		os.Exit(1)
	}

	tpl, err := pipeline.LoadTemplate(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}

	// Check routability against the builtin handler set. Types outside it
	// are reported but not fatal: the daemon may register more handlers.
	reg := engine.NewRegistry()
	if err := registerBuiltins(reg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := reg.Validate(tpl.TaskTypes()...); err != nil {
		fmt.Printf("ok: %s (%d stages; note: %v)\n", tpl.Name, len(tpl.Stages), err)
		return
	}
	fmt.Printf("ok: %s (%d stages)\n", tpl.Name, len(tpl.Stages))
}

func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	dir := dirFlag(fs)
	_ = fs.Parse(args)
	sendCommand(*dir, "health", nil)
}

func runSummary(args []string) {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	dir := dirFlag(fs)
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: pipeflow summary <run-id>")
		os.Exit(1)
	}
	sendCommand(*dir, "summary", map[string]any{"run_id": fs.Arg(0)})
}

func runList(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	dir := dirFlag(fs)
	_ = fs.Parse(args)
	sendCommand(*dir, "runs", nil)
}

func runTemplates(args []string) {
	fs := flag.NewFlagSet("templates", flag.ExitOnError)
	dir := dirFlag(fs)
	_ = fs.Parse(args)
	sendCommand(*dir, "templates", nil)
}

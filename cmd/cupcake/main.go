/*
 * Copyright (c) 2025, EQTY Lab Inc. (https://eqtylab.com).
 *
 * EQTY Lab Inc. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Command cupcake is the policy enforcement gateway for AI coding
// agents: one event on stdin, one decision on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/eqtylab/cupcake/internal/config"
	"github.com/eqtylab/cupcake/internal/engine"
	"github.com/eqtylab/cupcake/internal/harness"
	"github.com/eqtylab/cupcake/internal/metrics"
	"github.com/eqtylab/cupcake/internal/rulebook"
	"github.com/eqtylab/cupcake/internal/telemetry"
	"github.com/eqtylab/cupcake/internal/trust"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "eval":
		err = runEval(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "init":
		err = runInit(os.Args[2:])
	case "trust":
		err = runTrust(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "cupcake: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: cupcake <command> [flags]

Commands:
  eval       read one event from stdin, print one decision
  verify     construct the engine and print routing and compile status
  validate   load policies and report diagnostics
  init       scaffold a .cupcake directory
  trust      manage the script trust manifest

Common flags:
  --config          engine config file (TOML)
  --harness         claude-code | cursor | factory | opencode
  --policy-dir      override the .cupcake directory
  --global-config   override global configuration discovery
`)
}

// engineFlags are the flags shared by the engine-constructing commands.
type engineFlags struct {
	configPath   string
	harness      string
	policyDir    string
	globalConfig string
	strict       bool
}

func (f *engineFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "engine config file (TOML)")
	fs.StringVar(&f.harness, "harness", "", "harness type")
	fs.StringVar(&f.policyDir, "policy-dir", "", "override the .cupcake directory")
	fs.StringVar(&f.globalConfig, "global-config", "", "override global configuration discovery")
	fs.BoolVar(&f.strict, "strict", false, "exit 1 on deny or halt decisions")
}

func (f *engineFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.harness != "" {
		cfg.Harness = f.harness
	}
	if f.policyDir != "" {
		cfg.PolicyDir = f.policyDir
	}
	if f.globalConfig != "" {
		cfg.GlobalConfig = f.globalConfig
	}
	if f.strict {
		cfg.Strict = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildEngine(ctx context.Context, flags *engineFlags) (*engine.Engine, *config.Config, error) {
	cfg, err := flags.load()
	if err != nil {
		return nil, nil, err
	}
	telemetry.SetupLogging(cfg.Logging.Level, cfg.Logging.Format)

	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}
	e, err := engine.New(ctx, cwd, cfg)
	if err != nil {
		return nil, nil, err
	}
	return e, cfg, nil
}

func runEval(args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	flags := &engineFlags{}
	flags.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	e, cfg, err := buildEngine(ctx, flags)
	if err != nil {
		return err
	}
	defer e.Close()

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to read event from stdin: %w", err)
	}

	event, err := e.Adapter().Parse(payload)
	if err != nil {
		// A malformed event must not wedge the agent: empty response,
		// success exit, unless strict mode insists otherwise.
		slog.Error("Failed to parse event", "error", err)
		fmt.Println("{}")
		if cfg.Strict {
			os.Exit(1)
		}
		return nil
	}

	final := e.Evaluate(ctx, event)

	response, err := e.Adapter().Format(event, final)
	if err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	fmt.Println(string(response))

	if cfg.Strict && final.Blocking() {
		os.Exit(1)
	}
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	flags := &engineFlags{}
	flags.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, _, err := buildEngine(context.Background(), flags)
	if err != nil {
		return err
	}
	defer e.Close()

	summary, err := json.MarshalIndent(e.Summarize(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(summary))

	if text, err := metrics.TextSummary(); err == nil && text != "" {
		fmt.Println(text)
	}
	return nil
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	flags := &engineFlags{}
	flags.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, _, err := buildEngine(context.Background(), flags); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Println("ok: policies, rulebook, and routing are valid")
	return nil
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	flags := &engineFlags{}
	flags.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := flags.load()
	if err != nil {
		return err
	}
	harnessType := cfg.Harness
	if harnessType == "" {
		harnessType = "claude-code"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	h, err := harness.ParseType(harnessType)
	if err != nil {
		return err
	}
	paths := engine.ProjectPaths(cwd, cfg.PolicyDir, h)
	if err := paths.Initialize(); err != nil {
		return err
	}
	fmt.Printf("initialized %s\n", paths.Root)
	return nil
}

func runTrust(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: cupcake trust {init|update|verify|list|enable|disable}")
	}
	sub := args[0]

	fs := flag.NewFlagSet("trust "+sub, flag.ExitOnError)
	flags := &engineFlags{}
	flags.register(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	telemetry.SetupLogging(cfg.Logging.Level, cfg.Logging.Format)

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	store, err := trust.Open(cwd)
	if err != nil {
		return err
	}

	switch sub {
	case "init":
		scripts, err := rulebookScripts(cwd, cfg)
		if err != nil {
			return err
		}
		if err := store.Init(scripts); err != nil {
			return err
		}
		fmt.Println("trust manifest initialized")
		return nil

	case "update":
		scripts, err := rulebookScripts(cwd, cfg)
		if err != nil {
			return err
		}
		changed, err := store.Update(scripts, true)
		if err != nil {
			return err
		}
		fmt.Printf("updated %d entries\n", len(changed))
		return nil

	case "verify":
		mismatches, err := store.VerifyAll()
		if err != nil {
			return err
		}
		if len(mismatches) == 0 {
			fmt.Println("all scripts verified")
			return nil
		}
		for _, m := range mismatches {
			fmt.Printf("MISMATCH %s/%s: %s\n", m.Category, m.Name, m.Detail)
		}
		return fmt.Errorf("%d scripts failed verification", len(mismatches))

	case "list":
		entries, err := store.List()
		if err != nil {
			return err
		}
		for _, entry := range entries {
			fmt.Printf("%-12s %s  %s\n", entry.Kind, entry.Hash, entry.Command)
		}
		return nil

	case "enable":
		return store.SetMode(trust.ModeEnabled)

	case "disable":
		return store.SetMode(trust.ModeDisabled)

	default:
		return fmt.Errorf("unknown trust subcommand %q", sub)
	}
}

// rulebookScripts collects every command the rulebook can execute, for
// trust approval.
func rulebookScripts(projectRoot string, cfg *config.Config) (map[string]map[string]string, error) {
	h, err := harness.ParseType(cfg.Harness)
	if err != nil {
		return nil, err
	}
	paths := engine.ProjectPaths(projectRoot, cfg.PolicyDir, h)
	rb, err := rulebook.LoadWithConventions(paths.Rulebook, paths.Signals, paths.Actions)
	if err != nil {
		return nil, err
	}

	scripts := map[string]map[string]string{
		"signals": {},
		"actions": {},
	}
	for name, signal := range rb.Signals {
		scripts["signals"][name] = signal.Command
	}
	for i, action := range rb.Actions.OnAnyDenial {
		scripts["actions"][fmt.Sprintf("on_any_denial_%d", i)] = action.Command
	}
	for ruleID, actions := range rb.Actions.ByRuleID {
		for _, action := range actions {
			scripts["actions"][ruleID] = action.Command
		}
	}
	return scripts, nil
}

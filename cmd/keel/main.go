// keel is the work coordination CLI. Every invocation is one coordination
// operation against the shared state store; independent processes on the
// same store never double-claim because all mutations run under the store's
// collection locks.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Driftware-Labs/keel/pkg/config"
	"github.com/Driftware-Labs/keel/pkg/contracts"
	"github.com/Driftware-Labs/keel/pkg/fault"
	"github.com/Driftware-Labs/keel/pkg/lifecycle"
	"github.com/Driftware-Labs/keel/pkg/registry"
	"github.com/Driftware-Labs/keel/pkg/telemetry"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

const usage = `Usage: keel <command> [flags]

Agent commands:
  register     register or refresh this agent
  heartbeat    refresh this agent's liveness
  deregister   logically remove this agent

Work commands:
  claim        claim a new work item
  progress     report progress on a claimed item
  complete     terminally complete an item (appends to the coordination log)
  release      give a claim back to the pool
  reclaim      claim a released item
  takeover     take over an item whose owner went offline

Queries and ceremonies:
  list-work    list active work items (-filter takes a CEL expression)
  list-agents  list agents with derived status (-filter takes a CEL expression)
  history      print the coordination log
  sweep        release stale claims, remove orphans
  rerank       rank dispatchable items (external ranker with fallback)
  health       print the aggregate health report

Common flags: -profile <file.yaml> overlays a config profile.
`

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}

	cmd, cmdArgs := args[1], args[2:]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		_, _ = fmt.Fprint(stdout, usage)
		return 0
	}

	err := dispatch(cmd, cmdArgs, stdout, stderr)
	if err != nil {
		if fault.IsKind(err, fault.AlreadyCompleted) {
			_, _ = fmt.Fprintf(stdout, "%s\n", err)
		} else {
			_, _ = fmt.Fprintf(stderr, "keel %s: %v\n", cmd, err)
		}
	}
	return fault.ExitCode(err)
}

func dispatch(cmd string, args []string, stdout, stderr io.Writer) error {
	ctx := context.Background()

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	profile := fs.String("profile", "", "YAML config profile to overlay")

	var run func(ctx context.Context, a *app, stdout io.Writer) error
	switch cmd {
	case "register":
		team := fs.String("team", "", "team (defaults to KEEL_TEAM)")
		caps := fs.String("capabilities", "", "comma separated capability list")
		capacity := fs.Int("capacity", 1, "concurrent work capacity")
		run = func(ctx context.Context, a *app, stdout io.Writer) error {
			t := *team
			if t == "" {
				t = a.cfg.Team
			}
			rec, err := a.reg.Register(ctx, a.cfg.AgentID, t, splitList(*caps), *capacity)
			if err != nil {
				return err
			}
			return printJSON(stdout, rec)
		}

	case "heartbeat":
		run = func(ctx context.Context, a *app, stdout io.Writer) error {
			return a.reg.Heartbeat(ctx, a.cfg.AgentID)
		}

	case "deregister":
		run = func(ctx context.Context, a *app, stdout io.Writer) error {
			return a.reg.Deregister(ctx, a.cfg.AgentID)
		}

	case "claim":
		typ := fs.String("type", "", "work type (required)")
		desc := fs.String("description", "", "work description")
		prio := fs.String("priority", string(contracts.PriorityMedium), "low|medium|high|critical")
		team := fs.String("team", "", "owning team")
		est := fs.Int64("estimate", 0, "estimated seconds")
		run = func(ctx context.Context, a *app, stdout io.Writer) error {
			t := *team
			if t == "" {
				t = a.cfg.Team
			}
			item, err := a.ctl.Claim(ctx, lifecycle.ClaimRequest{
				AgentID:          a.cfg.AgentID,
				Type:             *typ,
				Description:      *desc,
				Priority:         contracts.Priority(*prio),
				Team:             t,
				EstimatedSeconds: *est,
			})
			if err != nil {
				return err
			}
			return printJSON(stdout, item)
		}

	case "progress":
		id := fs.String("id", "", "work item id (required)")
		percent := fs.Int("percent", 0, "progress 0-100")
		note := fs.String("note", "", "status note")
		run = func(ctx context.Context, a *app, stdout io.Writer) error {
			item, err := a.ctl.Progress(ctx, *id, a.cfg.AgentID, *percent, *note)
			if err != nil {
				return err
			}
			return printJSON(stdout, item)
		}

	case "complete":
		id := fs.String("id", "", "work item id (required)")
		outcome := fs.String("outcome", string(contracts.OutcomeSuccess), "success|failure")
		confidence := fs.Int("confidence", 100, "confidence 0-100")
		run = func(ctx context.Context, a *app, stdout io.Writer) error {
			return a.ctl.Complete(ctx, *id, a.cfg.AgentID, contracts.Outcome(*outcome), *confidence)
		}

	case "release":
		id := fs.String("id", "", "work item id (required)")
		note := fs.String("note", "", "release note")
		run = func(ctx context.Context, a *app, stdout io.Writer) error {
			return a.ctl.Release(ctx, *id, a.cfg.AgentID, *note)
		}

	case "reclaim":
		id := fs.String("id", "", "work item id (required)")
		run = func(ctx context.Context, a *app, stdout io.Writer) error {
			item, err := a.ctl.Reclaim(ctx, *id, a.cfg.AgentID)
			if err != nil {
				return err
			}
			return printJSON(stdout, item)
		}

	case "takeover":
		id := fs.String("id", "", "work item id (required)")
		run = func(ctx context.Context, a *app, stdout io.Writer) error {
			item, err := a.ctl.Takeover(ctx, *id, a.cfg.AgentID)
			if err != nil {
				return err
			}
			return printJSON(stdout, item)
		}

	case "list-work":
		team := fs.String("team", "", "filter by team")
		agent := fs.String("agent", "", "filter by claiming agent")
		filter := fs.String("filter", "", "CEL expression over 'item'")
		run = func(ctx context.Context, a *app, stdout io.Writer) error {
			items, err := a.ctl.List(ctx, lifecycle.ListFilter{Team: *team, AgentID: *agent})
			if err != nil {
				return err
			}
			items, err = a.query.FilterItems(*filter, items, a.now())
			if err != nil {
				return err
			}
			return printJSON(stdout, items)
		}

	case "list-agents":
		team := fs.String("team", "", "filter by team")
		capability := fs.String("capability", "", "filter by capability")
		all := fs.Bool("all", false, "include deregistered agents")
		filter := fs.String("filter", "", "CEL expression over 'agent'")
		run = func(ctx context.Context, a *app, stdout io.Writer) error {
			agents, err := a.reg.List(ctx, registry.Filter{
				Team:                *team,
				Capability:          *capability,
				IncludeDeregistered: *all,
			})
			if err != nil {
				return err
			}
			agents, err = a.query.FilterAgents(*filter, agents, a.now())
			if err != nil {
				return err
			}
			return printJSON(stdout, agents)
		}

	case "history":
		run = func(ctx context.Context, a *app, stdout io.Writer) error {
			entries, err := a.ctl.History(ctx)
			if err != nil {
				return err
			}
			return printJSON(stdout, entries)
		}

	case "sweep":
		run = func(ctx context.Context, a *app, stdout io.Writer) error {
			report, err := a.sch.Sweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(stdout, report)
		}

	case "rerank":
		run = func(ctx context.Context, a *app, stdout io.Writer) error {
			items, err := a.sch.Rerank(ctx)
			if err != nil {
				return err
			}
			return printJSON(stdout, items)
		}

	case "health":
		run = func(ctx context.Context, a *app, stdout io.Writer) error {
			report, err := a.sch.Health(ctx)
			if err != nil {
				return err
			}
			return printJSON(stdout, report)
		}

	default:
		_, _ = fmt.Fprint(stderr, usage)
		return fault.New(fault.Validation, "cli", "", "unknown command "+cmd)
	}

	if err := fs.Parse(args); err != nil {
		return fault.Wrap(fault.Validation, "cli."+cmd, "", err)
	}

	cfg := config.Load()
	if *profile != "" {
		if err := config.LoadProfile(cfg, *profile); err != nil {
			return fault.Wrap(fault.Validation, "cli."+cmd, "", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return fault.Wrap(fault.Validation, "cli."+cmd, "", err)
	}
	setupLogging(cfg, stderr)

	if cfg.TraceIDOverride != "" {
		ctx = telemetry.ContextWithRemoteTrace(ctx, cfg.TraceIDOverride)
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	return run(ctx, a, stdout)
}

func setupLogging(cfg *config.Config, stderr io.Writer) {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

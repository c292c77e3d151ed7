package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"webbmesh/internal/config"
	"webbmesh/internal/election"
	"webbmesh/internal/mesh"
	"webbmesh/internal/quality"
	sig "webbmesh/internal/signal"
	"webbmesh/internal/squad"
)

const usage = `webbmesh - squad-arena mesh networking node

Usage:
  webbmesh probe --config <path> [--id <player>] [--out <file>]
  webbmesh plan --config <path> --reports <file> [--party a,b[;c,d]]
  webbmesh join --config <path> --id <player> --roster a,b,c [--party a,b[;c,d]]

Flags common to all commands:
  --verbose   debug-level logging
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "probe":
		handleProbe(os.Args[2:])
	case "plan":
		handlePlan(os.Args[2:])
	case "join":
		handleJoin(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// handleProbe runs the connection quality test and prints (or saves) the
// report, so players can check their standing before queueing.
func handleProbe(args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	id := fs.String("id", "local", "player id to stamp on the report")
	out := fs.String("out", "", "write the report as YAML instead of printing")
	verbose := fs.Bool("verbose", false, "debug logging")
	_ = fs.Parse(args)
	setupLogging(*verbose)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	servers := config.DefaultSTUNServers
	budget := time.Duration(config.DefaultProbeBudgetSec) * time.Second
	if cfg.Mesh != nil {
		if len(cfg.Mesh.STUNServers) > 0 {
			servers = cfg.Mesh.STUNServers
		}
		if cfg.Mesh.ProbeBudgetSec > 0 {
			budget = time.Duration(cfg.Mesh.ProbeBudgetSec) * time.Second
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	report, err := quality.NewProber(*id, servers).Run(ctx, budget)
	if err != nil {
		fatal(err)
	}

	if *out != "" {
		data, err := yaml.Marshal([]quality.Report{report})
		if err != nil {
			fatal(err)
		}
		if err := os.WriteFile(*out, data, 0o600); err != nil {
			fatal(err)
		}
		return
	}
	printReports([]quality.Report{report})
}

// handlePlan computes squads and anchors offline from a saved report set.
// Useful for checking what a given lobby would produce without connecting.
func handlePlan(args []string) {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	reportsPath := fs.String("reports", "", "YAML file with one report per player")
	partyFlag := fs.String("party", "", "semicolon-separated parties, comma-separated members")
	verbose := fs.Bool("verbose", false, "debug logging")
	_ = fs.Parse(args)
	setupLogging(*verbose)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Match == nil {
		fatal(errors.New("match config required"))
	}
	config.ApplyDefaults(&cfg)
	if *reportsPath == "" {
		fatal(errors.New("--reports is required"))
	}

	data, err := os.ReadFile(*reportsPath)
	if err != nil {
		fatal(err)
	}
	var reports []quality.Report
	if err := yaml.Unmarshal(data, &reports); err != nil {
		fatal(err)
	}
	if len(reports) == 0 {
		fatal(errors.New("no reports in file"))
	}

	roster := make([]string, 0, len(reports))
	for _, r := range reports {
		roster = append(roster, r.PeerID)
	}
	sort.Strings(roster)

	assignment := squad.Assign(roster, parseParties(*partyFlag), cfg.Match.SquadSize, cfg.Match.SquadCount)
	primary, _ := election.Primary(reports)

	fmt.Fprintf(os.Stdout, "primary anchor: %s\n\n", primary)
	fmt.Fprintf(os.Stdout, "%-6s  %-12s  %s\n", "SQUAD", "ANCHOR", "MEMBERS")
	for i, members := range assignment.Squads {
		anchor, _ := election.SquadAnchor(reports, members)
		fmt.Fprintf(os.Stdout, "%-6d  %-12s  %s\n", i, anchor, strings.Join(members, ", "))
	}
	if len(assignment.Unassigned) > 0 {
		fmt.Fprintf(os.Stdout, "\nunassigned: %s\n", strings.Join(assignment.Unassigned, ", "))
	}

	summary := quality.Summarize(reports)
	fmt.Fprintf(os.Stdout, "\nlobby quality: avg latency %.1fms, best %s (score %d)\n",
		summary.AvgLatencyMs, summary.BestPeer, summary.BestScore)
}

// handleJoin runs a full node: probe, signal, connect, and relay until
// interrupted.
func handleJoin(args []string) {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	id := fs.String("id", "", "local player id")
	rosterFlag := fs.String("roster", "", "comma-separated match roster")
	partyFlag := fs.String("party", "", "semicolon-separated parties, comma-separated members")
	verbose := fs.Bool("verbose", false, "debug logging")
	_ = fs.Parse(args)
	setupLogging(*verbose)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if *id == "" {
		fatal(errors.New("--id is required"))
	}
	roster := splitList(*rosterFlag)
	if len(roster) == 0 {
		fatal(errors.New("--roster is required"))
	}

	ctx, cancel := signalContext()
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx,
		time.Duration(cfg.Mesh.SignalingTimeoutSec)*time.Second)
	transport, err := sig.DialWS(dialCtx, cfg.Mesh.SignalingURL, cfg.Match.ID)
	dialCancel()
	if err != nil {
		fatal(err)
	}

	coord := mesh.New(mesh.Config{
		MatchID:           cfg.Match.ID,
		LocalID:           *id,
		Roster:            roster,
		Parties:           parseParties(*partyFlag),
		SquadSize:         cfg.Match.SquadSize,
		SquadCount:        cfg.Match.SquadCount,
		ProbeBudget:       time.Duration(cfg.Mesh.ProbeBudgetSec) * time.Second,
		ReportTimeout:     time.Duration(cfg.Mesh.ReportTimeoutSec) * time.Second,
		ConnectTimeout:    time.Duration(cfg.Mesh.ConnectTimeoutSec) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Match.HeartbeatSec) * time.Second,
		ResyncInterval:    time.Duration(cfg.Match.ResyncIntervalSec) * time.Second,
		PendingQueueCap:   cfg.Mesh.PendingQueueCap,
		STUNServers:       cfg.Mesh.STUNServers,
		ICEServers:        cfg.Mesh.ICEServers,
	}, transport)

	if err := coord.Bootstrap(ctx); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "joined match %s as %s (role %s, primary %s)\n",
		cfg.Match.ID, *id, coord.Role(), coord.Primary())

	go drainInbound(coord)
	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

// drainInbound logs received traffic; a game embeds the coordinator and
// consumes this channel itself.
func drainInbound(coord *mesh.Coordinator) {
	for in := range coord.InboundMessages() {
		logrus.WithFields(logrus.Fields{
			"scope":  in.Scope.String(),
			"sender": in.SenderID,
			"seq":    in.Sequence,
			"bytes":  len(in.Payload),
		}).Info("message")
	}
}

func printReports(reports []quality.Report) {
	fmt.Fprintf(os.Stdout, "%-12s  %-10s  %-10s  %-12s  %-8s  %-6s\n",
		"PLAYER", "LATENCY", "JITTER", "THROUGHPUT", "LOSS", "SCORE")
	for _, r := range reports {
		fmt.Fprintf(os.Stdout, "%-12s  %-10s  %-10s  %-12s  %-8s  %-6d\n",
			r.PeerID,
			fmt.Sprintf("%.1fms", r.LatencyMs),
			fmt.Sprintf("%.1fms", r.JitterMs),
			fmt.Sprintf("%.1fMbps", r.ThroughputMbps),
			fmt.Sprintf("%.1f%%", r.LossPct),
			r.Score)
	}
}

// parseParties turns "a,b;c,d,e" into two parties keyed by their first
// member.
func parseParties(raw string) map[string][]string {
	if raw == "" {
		return nil
	}
	parties := map[string][]string{}
	for _, group := range strings.Split(raw, ";") {
		members := splitList(group)
		if len(members) < 2 {
			continue
		}
		parties[members[0]] = members
	}
	return parties
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func setupLogging(verbose bool) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

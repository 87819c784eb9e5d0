// Command wgrouterd is the Router Core process: it serves the control
// operations over a local CLI surface, backed by the Control Facade
// (C7), and can run the Health Prober (C3) and Smart-Gateway Controller
// (C5) background loops via `wgrouterd serve`.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"wgrouter/internal/config"
	"wgrouter/internal/execx"
	"wgrouter/internal/facade"
	"wgrouter/internal/health"
	"wgrouter/internal/kernel"
	"wgrouter/internal/model"
	"wgrouter/internal/policystore"
	"wgrouter/internal/reconciler"
	"wgrouter/internal/registry"
	"wgrouter/internal/smartgw"
	"wgrouter/internal/telemetry"
)

const usage = `wgrouterd - WireGuard policy-based routing gateway

Usage:
  wgrouterd mode get --config <path>
  wgrouterd mode set --config <path> --mode host|router [--lan <cidr>[,<cidr>...]]
  wgrouterd exit get --config <path>
  wgrouterd exit set --config <path> --peer <id>
  wgrouterd exit clear --config <path>
  wgrouterd lan-access get --config <path>
  wgrouterd lan-access set --config <path> --peer <id> --allowed=true|false
  wgrouterd peer reconnect --config <path> --peer <id>
  wgrouterd peer stop --config <path> --peer <id>
  wgrouterd peer start --config <path> --peer <id>
  wgrouterd failover get --config <path>
  wgrouterd failover set --config <path> --enabled=true|false
  wgrouterd health --config <path> [--peer <id>] [--window 5m]
  wgrouterd reconcile --config <path>
  wgrouterd teardown --config <path>
  wgrouterd serve --config <path>
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "mode":
		handleMode(os.Args[2:])
	case "exit":
		handleExit(os.Args[2:])
	case "lan-access":
		handleLANAccess(os.Args[2:])
	case "peer":
		handlePeer(os.Args[2:])
	case "failover":
		handleFailover(os.Args[2:])
	case "health":
		handleHealth(os.Args[2:])
	case "reconcile":
		handleReconcile(os.Args[2:])
	case "teardown":
		handleTeardown(os.Args[2:])
	case "serve":
		handleServe(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// --- mode ---

func handleMode(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "mode subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "get":
		modeGet(args[1:])
	case "set":
		modeSet(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown mode subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func modeGet(args []string) {
	fs := flag.NewFlagSet("mode get", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	f, _ := newFacade(*configPath)
	view := f.GetMode()
	fmt.Printf("mode: %s\n", view.Mode)
	if len(view.LANCIDRs) > 0 {
		fmt.Printf("lan_cidrs: %s\n", joinCIDRs(view.LANCIDRs))
	}
	if view.ExitNode != nil {
		fmt.Printf("exit_node: %s\n", *view.ExitNode)
	}
}

func modeSet(args []string) {
	fs := flag.NewFlagSet("mode set", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	modeFlag := fs.String("mode", "", "host|router")
	lan := fs.String("lan", "", "comma-separated LAN CIDRs")
	_ = fs.Parse(args)

	f, _ := newFacade(*configPath)
	var cidrs []string
	if *lan != "" {
		cidrs = strings.Split(*lan, ",")
	}
	view, err := f.SetMode(context.Background(), model.Mode(*modeFlag), cidrs)
	fatal(err)
	fmt.Printf("mode: %s\n", view.Mode)
}

// --- exit ---

func handleExit(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "exit subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "get":
		exitGet(args[1:])
	case "set":
		exitSet(args[1:])
	case "clear":
		exitClear(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown exit subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func exitGet(args []string) {
	fs := flag.NewFlagSet("exit get", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	f, _ := newFacade(*configPath)
	active, preferred := f.ExitNodeInfo()
	fmt.Printf("active: %s\n", peerIDOrNone(active))
	fmt.Printf("preferred: %s\n", peerIDOrNone(preferred))
}

func exitSet(args []string) {
	fs := flag.NewFlagSet("exit set", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	peer := fs.String("peer", "", "peer id")
	_ = fs.Parse(args)
	if *peer == "" {
		fatal(errors.New("--peer is required"))
	}

	f, _ := newFacade(*configPath)
	id := model.PeerID(*peer)
	view, err := f.SetExitNode(context.Background(), &id)
	fatal(err)
	fmt.Printf("exit_node: %s\n", *view.ExitNode)
}

func exitClear(args []string) {
	fs := flag.NewFlagSet("exit clear", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	f, _ := newFacade(*configPath)
	_, err := f.SetExitNode(context.Background(), nil)
	fatal(err)
	fmt.Println("exit_node: none")
}

// --- lan-access ---

func handleLANAccess(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "lan-access subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "get":
		lanAccessGet(args[1:])
	case "set":
		lanAccessSet(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown lan-access subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func lanAccessGet(args []string) {
	fs := flag.NewFlagSet("lan-access get", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	f, _ := newFacade(*configPath)
	access := f.GetPeerLANAccess()
	ids := make([]string, 0, len(access))
	for id := range access {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("%s: %t\n", id, access[model.PeerID(id)])
	}
}

func lanAccessSet(args []string) {
	fs := flag.NewFlagSet("lan-access set", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	peer := fs.String("peer", "", "peer id")
	allowed := fs.Bool("allowed", true, "whether the peer may reach LAN CIDRs")
	_ = fs.Parse(args)
	if *peer == "" {
		fatal(errors.New("--peer is required"))
	}

	f, _ := newFacade(*configPath)
	_, err := f.SetPeerLANAccess(context.Background(), model.PeerID(*peer), *allowed)
	fatal(err)
	fmt.Printf("%s: %t\n", *peer, *allowed)
}

// --- peer ---

func handlePeer(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "peer subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "reconnect":
		peerControl(args[1:], facade.PeerReconnect)
	case "stop":
		peerControl(args[1:], facade.PeerStop)
	case "start":
		peerControl(args[1:], facade.PeerStart)
	default:
		fmt.Fprintf(os.Stderr, "unknown peer subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func peerControl(args []string, action facade.PeerAction) {
	fs := flag.NewFlagSet("peer "+string(action), flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	peer := fs.String("peer", "", "peer id")
	_ = fs.Parse(args)
	if *peer == "" {
		fatal(errors.New("--peer is required"))
	}

	f, _ := newFacade(*configPath)
	err := f.PeerControl(context.Background(), model.PeerID(*peer), action)
	fatal(err)
	fmt.Printf("%s: ok\n", action)
}

// --- failover ---

func handleFailover(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "failover subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "get":
		failoverGet(args[1:])
	case "set":
		failoverSet(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown failover subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func failoverGet(args []string) {
	fs := flag.NewFlagSet("failover get", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	f, _ := newFacade(*configPath)
	pol := f.PolicyState()
	fmt.Printf("auto_failover: %t\n", pol.AutoFailover)
}

func failoverSet(args []string) {
	fs := flag.NewFlagSet("failover set", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	enabled := fs.Bool("enabled", true, "whether automatic failover is active")
	_ = fs.Parse(args)

	f, _ := newFacade(*configPath)
	_, err := f.SetAutoFailover(context.Background(), *enabled)
	fatal(err)
	fmt.Printf("auto_failover: %t\n", *enabled)
}

// --- health ---

func handleHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	peer := fs.String("peer", "", "restrict the summary to one peer id")
	window := fs.Duration("window", 5*time.Minute, "summary window")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	fatal(err)

	records, err := telemetry.ReadAll(filepath.Join(cfg.StateDir, "health.csv"))
	fatal(err)

	since := time.Now().Add(-*window)
	if *peer != "" {
		s := telemetry.Summarize(records, model.PeerID(*peer), since)
		printSummary(*peer, s)
		return
	}

	seen := map[model.PeerID]bool{}
	for _, r := range records {
		seen[r.Sample.PeerID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		printSummary(id, telemetry.Summarize(records, model.PeerID(id), since))
	}
}

func printSummary(peer string, s telemetry.Summary) {
	fmt.Printf("%s: samples=%d avg_rtt_ms=%.2f p95_rtt_ms=%.2f avg_jitter_ms=%.2f avg_loss_pct=%.2f\n",
		peer, s.Count, s.AvgRTTMs, s.P95RTTMs, s.AvgJitter, s.AvgLossPct)
}

// --- reconcile / teardown ---

func handleReconcile(args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	f, _ := newFacade(*configPath)
	res, err := f.Reconcile(context.Background())
	fatal(err)
	fmt.Printf("ops: %d retried: %t\n", res.Ops, res.Retried)
}

func handleTeardown(args []string) {
	fs := flag.NewFlagSet("teardown", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	fatal(err)
	_, adapter := newKernel(cfg)
	recon := reconciler.New(adapter, reconcilerConfig(cfg), nil)
	fatal(recon.Teardown(context.Background()))
	fmt.Println("teardown: ok")
}

// --- serve ---

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	fatal(err)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	log := slog.Default()
	_, adapter := newKernel(cfg)

	reg, err := registry.NewStaticProvider(cfg.RegistryPath)
	fatal(err)

	store := policystore.New(filepath.Join(cfg.StateDir, "policy.json"))
	recon := reconciler.New(adapter, reconcilerConfig(cfg), log)
	prober := health.New(reg, adapter, health.Config{
		Iface:            cfg.WGInterface,
		ProbeTimeout:     time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond,
		WindowSize:       cfg.HealthWindowSize,
		OfflineThreshold: uint32(cfg.OfflineThreshold),
	})

	f, err := facade.New(store, reg, recon, prober, adapter, cfg.WGInterface, log)
	fatal(err)

	hist := telemetry.NewHistory(filepath.Join(cfg.StateDir, "health.csv"))

	sg := smartgw.New(
		f.PolicyState,
		f.Health,
		func() []model.PeerID { return f.Snapshot().DefaultRoutePeers() },
		func(ctx context.Context, id model.PeerID) error { return f.SetAutomaticExitNode(ctx, id) },
		time.Duration(cfg.StabilityWindowSec)*time.Second,
	)
	f.OnChange(func() { sg.ForceFailover("") })

	ctx, cancel := signalContext()
	defer cancel()

	pol := f.PolicyState()
	net := f.Snapshot()
	if _, err := recon.Bootstrap(ctx, pol, net); err != nil {
		log.Error("startup reconcile failed", "err", err)
	}

	go prober.Run(ctx, time.Duration(cfg.HealthTickSec)*time.Second)
	go sg.Run(ctx, time.Duration(cfg.FailoverTickSec)*time.Second)
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.HealthTickSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := hist.Append(prober.Snapshot(), time.Now()); err != nil {
					log.Warn("health history append failed", "err", err)
				}
			}
		}
	}()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reload:
				if err := reg.Refresh(); err != nil {
					log.Error("registry refresh failed", "err", err)
					continue
				}
				if _, err := f.Reconcile(ctx); err != nil {
					log.Error("reconcile on SIGHUP failed", "err", err)
				}
			}
		}
	}()

	log.Info("wgrouterd serving", "iface", cfg.WGInterface, "state_dir", cfg.StateDir)
	<-ctx.Done()
	log.Info("wgrouterd shutting down")
}

// --- shared helpers ---

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, errors.New("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newKernel(cfg config.Config) (execx.Runner, *kernel.Adapter) {
	runner := execx.NewOSRunner(nil, nil)
	adapter := kernel.New(runner, time.Duration(cfg.KernelTimeoutSec)*time.Second, cfg.FirewallTag)
	return runner, adapter
}

func reconcilerConfig(cfg config.Config) reconciler.Config {
	return reconciler.Config{
		WGInterface:        cfg.WGInterface,
		OutInterface:       cfg.OutInterface,
		LANPriorityBase:    uint32(cfg.LANPriorityBase),
		LANPriorityMax:     uint32(cfg.LANPriorityMax),
		SourcePriorityBase: uint32(cfg.SourcePriorityBase),
		SourcePriorityMax:  uint32(cfg.SourcePriorityMax),
		RouteTableBase:     cfg.RouteTableBase,
		BlackholeTable:     cfg.BlackholeTable,
		MaxPeers:           cfg.MaxPeers,
	}
}

// newFacade wires a Facade for a single one-shot CLI invocation: load
// config, open the registry and policy store, build the reconciler and
// prober, and return. There is no background loop here; that is what
// `serve` is for.
func newFacade(path string) (*facade.Facade, error) {
	cfg, err := loadConfig(path)
	fatal(err)

	_, adapter := newKernel(cfg)
	reg, err := registry.NewStaticProvider(cfg.RegistryPath)
	fatal(err)

	store := policystore.New(filepath.Join(cfg.StateDir, "policy.json"))
	recon := reconciler.New(adapter, reconcilerConfig(cfg), nil)
	prober := health.New(reg, adapter, health.Config{
		Iface:            cfg.WGInterface,
		ProbeTimeout:     time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond,
		WindowSize:       cfg.HealthWindowSize,
		OfflineThreshold: uint32(cfg.OfflineThreshold),
	})

	f, err := facade.New(store, reg, recon, prober, adapter, cfg.WGInterface, nil)
	fatal(err)
	return f, nil
}

func joinCIDRs(cidrs []model.CIDR) string {
	parts := make([]string, len(cidrs))
	for i, c := range cidrs {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

func peerIDOrNone(id *model.PeerID) string {
	if id == nil {
		return "none"
	}
	return string(*id)
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

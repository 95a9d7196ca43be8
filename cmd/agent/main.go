// Command agent runs the offline sync engine on a documenting device and
// exposes the documentation operations as subcommands.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/xelth-com/seedtrackgo/internal/buildinfo"
	"github.com/xelth-com/seedtrackgo/internal/bundle"
	"github.com/xelth-com/seedtrackgo/internal/clocksync"
	"github.com/xelth-com/seedtrackgo/internal/config"
	"github.com/xelth-com/seedtrackgo/internal/database"
	"github.com/xelth-com/seedtrackgo/internal/erp"
	"github.com/xelth-com/seedtrackgo/internal/logger"
	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/netstatus"
	"github.com/xelth-com/seedtrackgo/internal/offline"
	"github.com/xelth-com/seedtrackgo/internal/security"
	"github.com/xelth-com/seedtrackgo/internal/store"
	"github.com/xelth-com/seedtrackgo/internal/sync"
	"github.com/xelth-com/seedtrackgo/internal/utils"
	"github.com/xelth-com/seedtrackgo/internal/validation"
	"go.uber.org/zap"
)

const usage = `usage: agent [flags] <command> [args]

commands:
  run                                  probe the network and drain the queue until interrupted
  pair [name]                          register this device with the sync server
  download <treatment>                 fetch a treatment bundle for offline use
  scan <treatment> <serial>            check an applicator against the bundle
  status <treatment> <serial> <STATUS> record a status change
  comment <serial> <text>              attach a comment to an applicator
  sync                                 drain the queue once
  conflicts                            list unresolved conflicts
  resolve <id> <strategy>              resolve a conflict (-admin-token for admin-only conflicts)
  finalize <treatment>                 complete a treatment (online only)
  cleanup                              remove expired bundles
`

type agent struct {
	cfg      *config.Config
	syncCfg  *config.SyncConfig
	log      *zap.Logger
	db       *database.DB
	identity *utils.DeviceIdentity
	monitor  *netstatus.Monitor
	clock    *clocksync.Service
	remote   *offline.Remote
	engine   *sync.Engine
	bundles  *bundle.Manager
	svc      *offline.Service
}

func main() {
	actor := flag.String("actor", os.Getenv("USER"), "user recorded in the audit trail")
	reason := flag.String("reason", "", "reason for the status change")
	confirm := flag.Bool("confirm", false, "confirm a transition that needs explicit confirmation")
	enrollment := flag.String("enrollment-secret", os.Getenv("ENROLLMENT_SECRET"), "ward enrollment secret used by pair")
	adminToken := flag.String("admin-token", os.Getenv("AGENT_ADMIN_TOKEN"), "administrator token used by resolve")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()
	if flag.NArg() == 0 || flag.NArg() < minArgs[flag.Arg(0)] {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	syncCfg, err := config.LoadSyncConfig()
	if err != nil {
		log.Fatalf("Failed to load sync configuration: %v", err)
	}
	zlog, err := logger.New(cfg.NodeEnv)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlog.Sync()

	a, err := newAgent(cfg, syncCfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to start agent", zap.Error(err))
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	switch args[0] {
	case "run":
		err = a.run(ctx)
	case "pair":
		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		err = a.pair(ctx, name, *enrollment)
	case "download":
		err = a.download(ctx, arg(args, 1))
	case "scan":
		var res validation.Result
		res, _, err = a.svc.ScanApplicator(ctx, arg(args, 1), arg(args, 2))
		if err == nil {
			printJSON(res)
		}
	case "status":
		to, ok := validation.ParseStatus(arg(args, 3))
		if !ok {
			zlog.Error("Unknown status", zap.String("status", arg(args, 3)))
			a.close()
			os.Exit(2)
		}
		var v offline.Verdict
		v, err = a.svc.ApplyStatusChange(ctx, offline.StatusChangeRequest{
			TreatmentID: arg(args, 1),
			Serial:      arg(args, 2),
			To:          to,
			Actor:       *actor,
			Reason:      *reason,
			Confirmed:   *confirm,
		})
		printJSON(v)
	case "comment":
		var res validation.Result
		res, err = a.svc.AddComment(ctx, arg(args, 1), *actor, arg(args, 2))
		printJSON(res)
	case "sync":
		a.monitor.CheckNetwork(ctx)
		var report sync.DrainReport
		report, err = a.svc.TriggerSync(ctx)
		printJSON(report)
	case "conflicts":
		var list []models.SyncConflict
		if list, err = a.svc.PendingConflicts(ctx); err == nil {
			printJSON(list)
		}
	case "resolve":
		var id uint64
		if id, err = strconv.ParseUint(arg(args, 1), 10, 64); err == nil {
			a.monitor.CheckNetwork(ctx)
			var resolver sync.Resolver
			if resolver, err = a.resolver(ctx, *actor, *adminToken); err == nil {
				err = a.svc.ResolveConflict(ctx, uint(id), sync.Resolution{
					Strategy: arg(args, 2),
					Resolver: resolver,
					Notes:    *reason,
				})
			}
		}
	case "finalize":
		a.monitor.CheckNetwork(ctx)
		err = a.svc.Finalize(ctx, arg(args, 1), *actor)
	case "cleanup":
		var report bundle.CleanupReport
		if report, err = a.bundles.CleanupExpired(ctx); err == nil {
			printJSON(report)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		zlog.Error("Command failed", zap.String("command", args[0]), zap.Error(err))
		a.close()
		os.Exit(1)
	}
}

func newAgent(cfg *config.Config, syncCfg *config.SyncConfig, zlog *zap.Logger) (*agent, error) {
	key, err := storeKey(cfg.Device)
	if err != nil {
		return nil, err
	}
	cipher, err := security.NewFieldCipher(key)
	if err != nil {
		return nil, err
	}

	// 1. Encrypted local store
	db, err := database.OpenSQLite(cfg.Database.Path, cfg.Database.Silent, zlog)
	if err != nil {
		return nil, err
	}
	st, err := store.New(db.DB, cipher, zlog)
	if err != nil {
		db.Close()
		return nil, err
	}

	identity, err := utils.LoadOrGenerateDeviceIdentity(cfg.Device.IdentityPath, cfg.Device.ID)
	if err != nil {
		db.Close()
		return nil, err
	}

	// 2. Connectivity and clock
	prober := netstatus.NewRouteProber(routes(cfg, syncCfg), zlog)
	adjusted := &clocksync.Deferred{}
	monitor := netstatus.NewMonitor(prober, netstatus.Options{Now: adjusted.Now}, zlog)
	clock := clocksync.NewService(clocksync.NewHTTPTimeSource(prober.CurrentRoute), monitor, clocksync.Options{
		Interval:      syncCfg.ClockInterval(),
		SkewThreshold: syncCfg.SkewThreshold(),
	}, zlog)
	adjusted.Bind(clock)
	clock.Attach(monitor)

	// 3. Queue, conflicts and the drain engine
	remote := offline.NewRemote(prober.CurrentRoute, cfg.Device.APIToken, identity, clock.Now)
	submitter := sync.NewHTTPSubmitter(prober.CurrentRoute, cfg.Device.APIToken, syncCfg.SubmitTimeoutDuration())
	queue := sync.NewQueue(nil, clock.Now)
	resolver := sync.NewConflictResolver(st, queue, identity.DeviceID, syncCfg.AutoResolveNonCritical, clock.Now, zlog)
	engine := sync.NewEngine(st, submitter, resolver, monitor, sync.Options{
		DeviceID:      identity.DeviceID,
		MaxAttempts:   syncCfg.MaxAttempts,
		RetryBase:     syncCfg.RetryBase(),
		RetryMaxDelay: syncCfg.RetryMaxDelay(),
		JitterPercent: uint64(syncCfg.RetryJitterPercent),
		Workers:       syncCfg.DrainWorkers,
		SubmitTimeout: syncCfg.SubmitTimeoutDuration(),
		Now:           clock.Now,
	}, zlog)

	// 4. Inventory lookup and bundles
	var lots erp.LotSource
	if cfg.ERP.URL != "" {
		lots = erp.NewClient(cfg.ERP.URL, cfg.ERP.Database, cfg.ERP.Username, cfg.ERP.Password)
	}
	lookup := erp.NewLookup(lots, st, monitor, clock, syncCfg.ERPCacheTTLDuration(), zlog)
	bundles := bundle.NewManager(st, clock, syncCfg.BundleTTL(), syncCfg.BundleWarningWindow(), zlog)

	svc := offline.NewService(offline.Deps{
		Store:     st,
		Network:   monitor,
		Clock:     clock,
		Bundles:   bundles,
		ERP:       lookup,
		Queue:     queue,
		Engine:    engine,
		Resolver:  resolver,
		Finalizer: remote,
		DeviceID:  identity.DeviceID,
	}, zlog)

	return &agent{
		cfg:      cfg,
		syncCfg:  syncCfg,
		log:      zlog,
		db:       db,
		identity: identity,
		monitor:  monitor,
		clock:    clock,
		remote:   remote,
		engine:   engine,
		bundles:  bundles,
		svc:      svc,
	}, nil
}

func (a *agent) close() {
	a.engine.Stop()
	a.monitor.Stop()
	if err := a.db.Close(); err != nil {
		a.log.Error("Database close error", zap.Error(err))
	}
}

// run keeps the device in sync until ctx is cancelled
func (a *agent) run(ctx context.Context) error {
	a.monitor.Subscribe(func(ev netstatus.Event) {
		if ev.Online {
			a.log.Info("Network restored", zap.Duration("offline_for", ev.OfflineFor))
		} else {
			a.log.Warn("Network lost")
		}
	})
	a.monitor.Start(a.syncCfg.ProbeIntervalDuration())
	a.engine.Start()
	a.log.Info("Agent running", zap.String("device_id", a.identity.DeviceID), zap.String("version", buildinfo.Version))

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.log.Info("Agent stopping")
			return nil
		case <-ticker.C:
			report, err := a.bundles.CleanupExpired(ctx)
			if err != nil {
				a.log.Warn("Bundle cleanup failed", zap.Error(err))
				continue
			}
			if len(report.Removed) > 0 || len(report.Retained) > 0 {
				a.log.Info("Expired bundles cleaned up", zap.Strings("removed", report.Removed), zap.Strings("retained", report.Retained))
			}
		}
	}
}

func (a *agent) pair(ctx context.Context, name, secret string) error {
	if !a.monitor.CheckNetwork(ctx) {
		return sync.ErrOffline
	}
	token, err := a.remote.Pair(ctx, name, secret)
	if err != nil {
		return err
	}
	fmt.Printf("Device %s paired. Set SYNC_API_TOKEN=%s\n", a.identity.DeviceID, token)
	return nil
}

func (a *agent) download(ctx context.Context, treatmentID string) error {
	if !a.monitor.CheckNetwork(ctx) {
		return sync.ErrOffline
	}
	a.clock.Sync(ctx)
	b, err := a.remote.FetchBundle(ctx, treatmentID)
	if err != nil {
		return err
	}
	check, err := a.svc.DownloadBundle(ctx, b)
	if err != nil {
		return err
	}
	printJSON(check)
	return nil
}

// resolver identifies who resolves a conflict. The administrator role is
// granted only after the server accepts adminToken.
func (a *agent) resolver(ctx context.Context, actor, adminToken string) (sync.Resolver, error) {
	if adminToken == "" {
		return sync.Resolver{ID: actor}, nil
	}
	if !a.monitor.IsOnline() {
		return sync.Resolver{}, fmt.Errorf("verify admin token: %w", sync.ErrOffline)
	}
	return a.remote.VerifyAdmin(ctx, adminToken)
}

// storeKey returns the hex key when set, otherwise derives one from the passphrase
func storeKey(d config.DeviceConfig) ([]byte, error) {
	if d.StoreKey != "" {
		return security.KeyFromHex(d.StoreKey)
	}
	if d.StorePass == "" {
		return nil, fmt.Errorf("DEVICE_STORE_KEY or DEVICE_STORE_PASSPHRASE is required")
	}
	return security.DeriveKey(d.StorePass, d.StoreSalt), nil
}

func routes(cfg *config.Config, syncCfg *config.SyncConfig) []netstatus.Route {
	var out []netstatus.Route
	for _, r := range syncCfg.Routes {
		out = append(out, netstatus.Route{
			URL:      r.URL,
			Type:     r.Type,
			Timeout:  time.Duration(r.Timeout) * time.Second,
			Priority: r.Priority,
		})
	}
	if len(out) == 0 && cfg.Device.ServerURL != "" {
		out = append(out, netstatus.Route{URL: cfg.Device.ServerURL, Type: "primary", Timeout: 10 * time.Second, Priority: 1})
	}
	return out
}

// minArgs is the argument count of each command, its name included
var minArgs = map[string]int{
	"download": 2,
	"scan":     3,
	"status":   4,
	"comment":  3,
	"resolve":  3,
	"finalize": 2,
}

func arg(args []string, i int) string {
	if i >= len(args) {
		return ""
	}
	return args[i]
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

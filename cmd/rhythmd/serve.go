package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/rhythm/pkg/clock"
	"github.com/cuemby/rhythm/pkg/config"
	"github.com/cuemby/rhythm/pkg/coordinator"
	"github.com/cuemby/rhythm/pkg/degradation"
	"github.com/cuemby/rhythm/pkg/eventbus"
	"github.com/cuemby/rhythm/pkg/lock"
	"github.com/cuemby/rhythm/pkg/log"
	"github.com/cuemby/rhythm/pkg/metrics"
	"github.com/cuemby/rhythm/pkg/migration"
	"github.com/cuemby/rhythm/pkg/opqueue"
	"github.com/cuemby/rhythm/pkg/quota"
	"github.com/cuemby/rhythm/pkg/security"
	"github.com/cuemby/rhythm/pkg/session"
	"github.com/cuemby/rhythm/pkg/storage"
	"github.com/cuemby/rhythm/pkg/txn"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a single rhythm node",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("tab-id", "", "Stable identifier for this tab (random if unset)")
}

// node bundles every component a single rhythm process wires together.
// Returned so demo.go can reuse the same construction for a simulated
// multi-tab cluster.
type node struct {
	id          string
	bus         *eventbus.Bus
	clock       *clock.Clock
	signer      *security.Signer
	store       *storage.Store
	primary     storage.Backend
	fallback    storage.Backend
	quota       *quota.Manager
	txnMgr      *txn.Manager
	degradation *degradation.Controller
	lockMgr     *lock.Manager
	queue       *opqueue.Queue
	coordinator *coordinator.Coordinator
	session     *session.Manager
}

// buildNode wires one tab's full component stack from cfg. transport
// is supplied by the caller and the coordinator is built only when it
// is non-nil: serve passes nil (no coordinator), while demo.go passes a
// transport on a hub shared across simulated tabs.
func buildNode(cfg *config.Config, id string, transport coordinator.Transport) (*node, error) {
	bus := eventbus.New()
	clk := clock.New(id)

	var signer *security.Signer
	var err error
	if cfg.Security.FixedKeyHex != "" {
		signer, err = security.NewSignerFromHex(cfg.Security.FixedKeyHex, cfg.Security.NonceCacheCapacity)
	} else {
		signer, err = security.NewSigner(cfg.Security.NonceCacheCapacity)
	}
	if err != nil {
		return nil, fmt.Errorf("rhythmd: build signer: %w", err)
	}

	primary, err := storage.NewBoltBackend(cfg.Storage.BoltPath, nil)
	if err != nil {
		return nil, fmt.Errorf("rhythmd: open primary backend: %w", err)
	}
	fallback, err := storage.NewMemoryBackend(cfg.Storage.FallbackFilePath)
	if err != nil {
		return nil, fmt.Errorf("rhythmd: open fallback backend: %w", err)
	}
	store := storage.New(primary, fallback, cfg.Storage.ConnectionRetries)

	qbounds := quota.Boundaries{Warning: cfg.Quota.WarningPercent, Critical: cfg.Quota.CriticalPercent, Exceeded: cfg.Quota.ExceededPercent}
	quotaMgr := quota.New(bus, cfg.Quota.TotalBytes, qbounds)

	txnMgr := txn.New(store, primary, fallback, bus, cfg.Txn.MemoryCompensationLogCap)
	degradationCtl := degradation.New(bus, store, txnMgr, cfg.Degradation)

	lockMgr := lock.New()
	queue := opqueue.New(lockMgr, bus, cfg.Queue)
	queue.Start()

	var coord *coordinator.Coordinator
	if transport != nil {
		coord = coordinator.New(transport, clk, signer, bus, cfg.Coordinator, id)
		if err := coord.Connect(); err != nil {
			return nil, fmt.Errorf("rhythmd: coordinator connect: %w", err)
		}
	}

	mig := migration.New(primary, fallback, cfg.Migration.LegacyKeys)
	if needs, err := mig.NeedsMigration(); err == nil && needs {
		results, err := mig.Migrate()
		if err != nil {
			log.WithComponent("rhythmd").Warn().Err(err).Msg("legacy migration reported an error")
		}
		for _, r := range results {
			if r.Err != nil {
				log.WithComponent("rhythmd").Warn().Str("key", r.Key).Err(r.Err).Msg("legacy key migration failed")
			}
		}
	}

	sessionMgr := session.New(store, fallback, txnMgr, lockMgr, cfg.Session)
	if _, err := sessionMgr.RecoverEmergencyBackup(); err != nil {
		log.WithComponent("rhythmd").Warn().Err(err).Msg("emergency backup recovery failed")
	}

	return &node{
		id: id, bus: bus, clock: clk, signer: signer,
		store: store, primary: primary, fallback: fallback,
		quota: quotaMgr, txnMgr: txnMgr, degradation: degradationCtl,
		lockMgr: lockMgr, queue: queue, coordinator: coord, session: sessionMgr,
	}, nil
}

func (n *node) close() {
	n.queue.Stop()
	if n.coordinator != nil {
		_ = n.coordinator.Disconnect()
	}
	_ = n.primary.Close()
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg := config.MustLoad(configPath)

	tabID, _ := cmd.Flags().GetString("tab-id")
	if tabID == "" {
		tabID = uuid.NewString()
	}

	n, err := buildNode(cfg, tabID, nil)
	if err != nil {
		return err
	}
	defer n.close()

	metrics.ReportComponent("storage", true, "ready")
	metrics.ReportComponent("session", true, "ready")

	mux := metrics.Handler()
	go func() {
		fmt.Printf("rhythmd: metrics and health at http://%s/metrics and /healthz\n", cfg.Metrics.ListenAddr)
		if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
			log.WithComponent("rhythmd").Error().Err(err).Msg("metrics server stopped")
		}
	}()

	fmt.Printf("rhythmd: node %s running. Press Ctrl+C to stop.\n", tabID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("rhythmd: shutting down...")
	if n.session != nil {
		n.session.FlushPendingSave()
	}
	return nil
}

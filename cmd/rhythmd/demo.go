package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/rhythm/pkg/config"
	"github.com/cuemby/rhythm/pkg/coordinator"
)

// demoKeyHex is a fixed HMAC key shared by every simulated tab, since a
// real deployment would share a process-derived key per tab-group but
// this demo runs all tabs in one process.
const demoKeyHex = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Simulate a multi-tab cluster in-process and print its leader election and quota behavior",
	RunE:  runDemo,
}

func init() {
	demoCmd.Flags().Int("tabs", 3, "Number of simulated tabs")
	demoCmd.Flags().String("data-dir", "", "Directory for simulated tabs' storage files (temp dir if unset)")
}

func runDemo(cmd *cobra.Command, args []string) error {
	tabCount, _ := cmd.Flags().GetInt("tabs")
	if tabCount < 1 {
		tabCount = 1
	}
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if dataDir == "" {
		var err error
		dataDir, err = os.MkdirTemp("", "rhythmd-demo-")
		if err != nil {
			return fmt.Errorf("rhythmd: demo temp dir: %w", err)
		}
		defer os.RemoveAll(dataDir)
	}

	cfg := config.Config{}
	cfg.ApplyDefaults()
	cfg.Security.FixedKeyHex = demoKeyHex
	cfg.Coordinator.HeartbeatInterval = 200 * time.Millisecond
	cfg.Coordinator.StaleThreshold = 800 * time.Millisecond
	cfg.Coordinator.ClaimTimeout = 500 * time.Millisecond

	wireHub := coordinator.NewDirectHub()

	nodes := make([]*node, tabCount)
	for i := 0; i < tabCount; i++ {
		id := fmt.Sprintf("tab-%d", i+1)
		c := cfg
		c.Storage.BoltPath = filepath.Join(dataDir, id+".db")
		c.Storage.FallbackFilePath = ""

		transport := coordinator.NewDirectTransport(wireHub, id)
		n, err := buildNode(&c, id, transport)
		if err != nil {
			return fmt.Errorf("rhythmd: build tab %s: %w", id, err)
		}
		nodes[i] = n
		fmt.Printf("demo: %s connected\n", id)
	}
	defer func() {
		for _, n := range nodes {
			n.close()
		}
	}()

	time.Sleep(300 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	result, err := nodes[0].coordinator.ClaimPrimary(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("rhythmd: demo claim: %w", err)
	}
	fmt.Printf("demo: %s claimed leadership: granted=%v leader=%s\n", nodes[0].id, result.Granted, result.LeaderID)

	for i := 1; i < len(nodes); i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		r, err := nodes[i].coordinator.ClaimPrimary(ctx)
		cancel()
		if err != nil {
			fmt.Printf("demo: %s claim error: %v\n", nodes[i].id, err)
			continue
		}
		fmt.Printf("demo: %s claim result: granted=%v leader=%s reason=%s\n", nodes[i].id, r.Granted, r.LeaderID, r.Reason)
	}

	time.Sleep(300 * time.Millisecond)
	for _, n := range nodes {
		fmt.Printf("demo: %s sees %d tab(s), leader=%s\n", n.id, len(n.coordinator.Tabs()), n.coordinator.LeaderID())
	}

	demoQuotaWalk(nodes[0])

	rec, err := nodes[0].session.Create()
	if err == nil {
		_, _ = nodes[0].session.Append("user", "hello from "+nodes[0].id)
		nodes[0].session.FlushPendingSave()
		fmt.Printf("demo: %s created session record %s\n", nodes[0].id, rec.ID)
	}

	fmt.Println("demo: running. Press Ctrl+C to stop.")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-time.After(10 * time.Second):
	}
	fmt.Println("demo: shutting down...")
	return nil
}

// demoQuotaWalk replays the usage walk used elsewhere to illustrate
// tier transitions: climbing through warning, critical, and emergency,
// then recovering to normal.
func demoQuotaWalk(n *node) {
	total := n.quota.Status().QuotaBytes
	if total == 0 {
		return
	}
	steps := []float64{0.50, 0.80, 0.92, 1.01, 0.60}
	for _, pct := range steps {
		n.quota.SetUsed(int64(float64(total) * pct))
		tier, err := n.quota.Evaluate()
		if err != nil {
			continue
		}
		fmt.Printf("demo: %s usage %.0f%% -> tier %s (read-only=%v emergency=%v)\n",
			n.id, pct*100, tier, n.degradation.ReadOnly(), n.degradation.Emergency())
		time.Sleep(50 * time.Millisecond)
	}
}

// Package coordinator implements rhythm's tab coordinator (C12): the
// leader-election and liveness layer over a pluggable Transport, using
// the Lamport clock (C2) and message signing (C4) on every frame.
//
// Grounded on cuemby-warren/pkg/manager.Manager's lifecycle shape
// (state held behind a struct, explicit Bootstrap/Join/Shutdown calls)
// and pkg/worker/health_monitor.go's ticker-driven heartbeat loop,
// repurposed from cluster membership to same-origin tab membership.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/rhythm/pkg/clock"
	"github.com/cuemby/rhythm/pkg/config"
	"github.com/cuemby/rhythm/pkg/eventbus"
	"github.com/cuemby/rhythm/pkg/log"
	"github.com/cuemby/rhythm/pkg/metrics"
	"github.com/cuemby/rhythm/pkg/security"
	"github.com/cuemby/rhythm/pkg/types"
)

// State is this tab's position in the leader-claim state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateRegistered   State = "registered"
	StateClaiming     State = "claiming"
	StateLeader       State = "leader"
	StateFollower     State = "follower"
)

// Message types exchanged over Transport.
const (
	msgRegister      = "register"
	msgHeartbeat     = "heartbeat"
	msgClaimPrimary  = "claim_primary"
	msgLeaderGranted = "leader_granted"
	msgClaimRejected = "claim_rejected"
	msgReleasePrimary = "release_primary"
)

// ClaimResult is returned by ClaimPrimary.
type ClaimResult struct {
	Granted  bool
	LeaderID string
	Reason   string
}

type pendingClaim struct {
	resultCh chan ClaimResult
	timer    *time.Timer
}

// Coordinator is one tab's membership/leadership agent.
type Coordinator struct {
	selfID    string
	transport Transport
	clock     *clock.Clock
	signer    *security.Signer
	bus       *eventbus.Bus
	cfg       config.CoordinatorConfig

	mu            sync.Mutex
	state         State
	tabs          map[string]*types.TabRecord
	leaderID      string
	pendingClaims map[string]*pendingClaim

	unsubscribe func()
	stopCh      chan struct{}
}

// New builds a Coordinator. selfID should be stable for this process's
// lifetime (e.g. a uuid generated once at startup).
func New(transport Transport, clk *clock.Clock, signer *security.Signer, bus *eventbus.Bus, cfg config.CoordinatorConfig, selfID string) *Coordinator {
	return &Coordinator{
		selfID:        selfID,
		transport:     transport,
		clock:         clk,
		signer:        signer,
		bus:           bus,
		cfg:           cfg,
		state:         StateDisconnected,
		tabs:          make(map[string]*types.TabRecord),
		pendingClaims: make(map[string]*pendingClaim),
		stopCh:        make(chan struct{}),
	}
}

// State reports the coordinator's current state-machine position.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect transitions DISCONNECTED -> CONNECTING -> REGISTERED,
// registers the inbound message handler, and starts the heartbeat and
// liveness loops.
func (c *Coordinator) Connect() error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	c.unsubscribe = c.transport.Subscribe(c.handleMessage)

	c.mu.Lock()
	c.tabs[c.selfID] = &types.TabRecord{ID: c.selfID, Role: types.RoleFollower, Connected: true, LastHeartbeat: time.Now()}
	c.state = StateRegistered
	c.mu.Unlock()

	if err := c.send(msgRegister, nil); err != nil {
		return fmt.Errorf("coordinator: register: %w", err)
	}

	go c.heartbeatLoop()
	go c.livenessLoop()
	return nil
}

// Disconnect stops background loops and releases the transport.
func (c *Coordinator) Disconnect() error {
	close(c.stopCh)
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	return c.transport.Close()
}

func (c *Coordinator) send(msgType string, payload map[string]any) error {
	stamp := c.clock.StampNow()
	msg := types.Message{
		Type:             msgType,
		LogicalTimestamp: stamp.LogicalTimestamp,
		SenderID:         stamp.SenderID,
		Nonce:            uuid.NewString(),
		Payload:          payload,
	}
	if err := c.signer.Sign(&msg); err != nil {
		return err
	}
	c.signer.MarkNonceUsed(msg.Nonce)
	return c.transport.Send(msg)
}

// handleMessage implements the inbound framing: verify,
// freshness, nonce, clock update, then dispatch. Any failed step drops
// the message with a log entry and no state change.
func (c *Coordinator) handleMessage(msg types.Message) {
	logger := log.WithComponent("coordinator")

	if !c.signer.Verify(msg) {
		logger.Warn().Str("sender", msg.SenderID).Msg("dropping message with invalid signature")
		return
	}
	if !security.ValidateTimestamp(msg, 5*time.Second) {
		logger.Warn().Str("sender", msg.SenderID).Msg("dropping stale message")
		return
	}
	if c.signer.IsNonceUsed(msg.Nonce) {
		logger.Warn().Str("sender", msg.SenderID).Msg("dropping replayed nonce")
		return
	}
	c.signer.MarkNonceUsed(msg.Nonce)
	c.clock.Update(msg.LogicalTimestamp)

	switch msg.Type {
	case msgRegister:
		c.onRegister(msg)
	case msgHeartbeat:
		c.onHeartbeat(msg)
	case msgClaimPrimary:
		c.onClaimPrimary(msg)
	case msgLeaderGranted:
		c.onLeaderGranted(msg)
	case msgClaimRejected:
		c.onClaimRejected(msg)
	case msgReleasePrimary:
		c.onReleasePrimary(msg)
	}
}

func (c *Coordinator) onRegister(msg types.Message) {
	c.mu.Lock()
	c.tabs[msg.SenderID] = &types.TabRecord{ID: msg.SenderID, Role: types.RoleFollower, Connected: true, LastHeartbeat: time.Now()}
	c.mu.Unlock()
}

func (c *Coordinator) onHeartbeat(msg types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tab, ok := c.tabs[msg.SenderID]
	if !ok {
		tab = &types.TabRecord{ID: msg.SenderID, Role: types.RoleFollower}
		c.tabs[msg.SenderID] = tab
	}
	tab.Connected = true
	tab.LastHeartbeat = time.Now()
}

// onClaimPrimary is handled by whichever tab currently believes itself
// leader (the authority) and, when no tab holds that role yet, by any
// other registered tab acting as a provisional arbiter — standing in
// for the shared-worker authority a real browser deployment would use
// to bootstrap the very first election. Without this bootstrap branch
// no tab could ever become the first leader: a tab's own messages are
// never delivered back to itself (see Transport), so a lone claimant
// would have nobody to grant its own claim. A tab mid-claim itself
// does not arbitrate, to avoid two simultaneous grants for the same
// bootstrap race.
func (c *Coordinator) onClaimPrimary(msg types.Message) {
	c.mu.Lock()
	isAuthority := c.state == StateLeader || (c.leaderID == "" && c.state != StateClaiming)
	c.mu.Unlock()
	if !isAuthority {
		return
	}

	claimID, _ := msg.Payload["claimId"].(string)

	c.mu.Lock()
	currentLeader := c.leaderID
	c.mu.Unlock()

	if currentLeader != "" && currentLeader != msg.SenderID {
		_ = c.send(msgClaimRejected, map[string]any{
			"claimId":       claimID,
			"reason":        "leader_exists",
			"currentLeader": currentLeader,
		})
		return
	}

	c.mu.Lock()
	c.leaderID = msg.SenderID
	if tab, ok := c.tabs[msg.SenderID]; ok {
		tab.Role = types.RoleLeader
	}
	c.mu.Unlock()

	_ = c.send(msgLeaderGranted, map[string]any{"claimId": claimID, "leaderId": msg.SenderID})
}

func (c *Coordinator) onLeaderGranted(msg types.Message) {
	claimID, _ := msg.Payload["claimId"].(string)
	leaderID, _ := msg.Payload["leaderId"].(string)

	c.mu.Lock()
	pending, ok := c.pendingClaims[claimID]
	if ok {
		delete(c.pendingClaims, claimID)
	}
	c.leaderID = leaderID
	if leaderID == c.selfID {
		c.state = StateLeader
	} else {
		c.state = StateFollower
	}
	c.mu.Unlock()

	if leaderID == c.selfID {
		metrics.IsLeader.Set(1)
	}

	if ok {
		pending.timer.Stop()
		pending.resultCh <- ClaimResult{Granted: leaderID == c.selfID, LeaderID: leaderID}
	}
}

func (c *Coordinator) onClaimRejected(msg types.Message) {
	claimID, _ := msg.Payload["claimId"].(string)
	reason, _ := msg.Payload["reason"].(string)
	currentLeader, _ := msg.Payload["currentLeader"].(string)

	c.mu.Lock()
	pending, ok := c.pendingClaims[claimID]
	if ok {
		delete(c.pendingClaims, claimID)
	}
	c.state = StateFollower
	c.leaderID = currentLeader
	c.mu.Unlock()

	if ok {
		pending.timer.Stop()
		pending.resultCh <- ClaimResult{Granted: false, LeaderID: currentLeader, Reason: reason}
	}
}

func (c *Coordinator) onReleasePrimary(msg types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaderID == msg.SenderID {
		c.leaderID = ""
	}
	if tab, ok := c.tabs[msg.SenderID]; ok {
		tab.Role = types.RoleFollower
	}
}

// ErrClaimTimeout is not returned by ClaimPrimary: a claim with no ACK
// before the configured claim timeout yields a nil error and a
// ClaimResult with Granted false and Reason "timeout".
var ErrClaimTimeout = errors.New("coordinator: claim timed out")

// ClaimPrimary requests leadership. It blocks until granted, rejected,
// or timed out.
func (c *Coordinator) ClaimPrimary(ctx context.Context) (ClaimResult, error) {
	claimID := uuid.NewString()
	resultCh := make(chan ClaimResult, 1)

	timeout := c.cfg.ClaimTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	c.mu.Lock()
	c.state = StateClaiming
	pc := &pendingClaim{resultCh: resultCh}
	pc.timer = time.AfterFunc(timeout, func() { c.expireClaim(claimID) })
	c.pendingClaims[claimID] = pc
	c.mu.Unlock()

	if err := c.send(msgClaimPrimary, map[string]any{"claimId": claimID, "tabId": c.selfID}); err != nil {
		c.mu.Lock()
		delete(c.pendingClaims, claimID)
		c.mu.Unlock()
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		return ClaimResult{}, err
	}

	select {
	case result := <-resultCh:
		if result.Granted {
			metrics.ClaimsTotal.WithLabelValues("granted").Inc()
		} else {
			metrics.ClaimsTotal.WithLabelValues("rejected").Inc()
		}
		return result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pendingClaims, claimID)
		c.mu.Unlock()
		metrics.ClaimsTotal.WithLabelValues("cancelled").Inc()
		return ClaimResult{}, ctx.Err()
	}
}

func (c *Coordinator) expireClaim(claimID string) {
	c.mu.Lock()
	pending, ok := c.pendingClaims[claimID]
	if ok {
		delete(c.pendingClaims, claimID)
	}
	if c.state == StateClaiming {
		c.state = StateRegistered
	}
	c.mu.Unlock()

	if ok {
		metrics.ClaimsTotal.WithLabelValues("timeout").Inc()
		pending.resultCh <- ClaimResult{Granted: false, Reason: "timeout"}
	}
}

// ReleasePrimary is a best-effort post with no ACK.
func (c *Coordinator) ReleasePrimary() {
	c.mu.Lock()
	wasLeader := c.state == StateLeader
	if wasLeader {
		c.state = StateFollower
		c.leaderID = ""
	}
	c.mu.Unlock()

	if wasLeader {
		metrics.IsLeader.Set(0)
	}
	_ = c.send(msgReleasePrimary, nil)
}

func (c *Coordinator) heartbeatLoop() {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.send(msgHeartbeat, nil); err != nil {
				log.WithComponent("coordinator").Error().Err(err).Msg("heartbeat send failed")
				continue
			}
			metrics.HeartbeatsSent.Inc()
		case <-c.stopCh:
			return
		}
	}
}

// livenessLoop evicts tabs whose heartbeat has gone stale. Only the
// current leader demotes itself implicitly by
// having its own record evicted elsewhere's view; a follower observing
// its own leader go stale is free to attempt a fresh claim.
func (c *Coordinator) livenessLoop() {
	interval := c.cfg.StaleThreshold / 3
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictStaleTabs()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) evictStaleTabs() {
	staleThreshold := c.cfg.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 15 * time.Second
	}
	now := time.Now()

	c.mu.Lock()
	var evicted []string
	for id, tab := range c.tabs {
		if id == c.selfID {
			continue
		}
		if now.Sub(tab.LastHeartbeat) > staleThreshold {
			evicted = append(evicted, id)
			delete(c.tabs, id)
			if c.leaderID == id {
				c.leaderID = ""
			}
		}
	}
	c.mu.Unlock()

	for _, id := range evicted {
		metrics.TabsEvictedTotal.Inc()
		if c.bus != nil {
			_ = c.bus.Publish("coordinator:tab_evicted", map[string]any{"tabId": id})
		}
	}
}

// Reconnect attempts to re-establish the transport connection up to
// ReconnectAttempts times with a fixed backoff, clearing all pending
// claims (rejecting them) first.
func (c *Coordinator) Reconnect(connect func() error) error {
	c.mu.Lock()
	c.state = StateDisconnected
	pending := c.pendingClaims
	c.pendingClaims = make(map[string]*pendingClaim)
	c.mu.Unlock()

	for _, pc := range pending {
		pc.timer.Stop()
		pc.resultCh <- ClaimResult{Granted: false, Reason: "transport_error"}
	}

	attempts := c.cfg.ReconnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	backoff := c.cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		metrics.ReconnectAttempts.Inc()
		if err := connect(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(backoff)
	}
	return fmt.Errorf("coordinator: reconnect failed after %d attempts: %w", attempts, lastErr)
}

// Tabs returns a snapshot of the current membership view.
func (c *Coordinator) Tabs() []types.TabRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.TabRecord, 0, len(c.tabs))
	for _, tab := range c.tabs {
		out = append(out, *tab)
	}
	return out
}

// LeaderID returns the current believed leader, or "" if none.
func (c *Coordinator) LeaderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID
}

// IsLeader reports whether this tab currently holds leadership.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateLeader
}

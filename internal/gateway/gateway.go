// Package gateway exposes the client-facing request surface and owns the
// lifecycle of every subsystem: skills, roles, identity, backends, quotas,
// capabilities, and the audit trail.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/capability"
	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/identity"
	"github.com/haasonsaas/warden/internal/mcp"
	"github.com/haasonsaas/warden/internal/memory"
	"github.com/haasonsaas/warden/internal/metrics"
	"github.com/haasonsaas/warden/internal/openapi"
	"github.com/haasonsaas/warden/internal/ratelimit"
	"github.com/haasonsaas/warden/internal/registry"
	"github.com/haasonsaas/warden/internal/skills"
)

// ledgerCleanupInterval paces dropped-token reclamation.
const ledgerCleanupInterval = time.Hour

// Gateway wires the subsystems together behind the request handlers.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	manager  *mcp.Manager
	engine   *registry.Engine
	resolver *identity.Resolver
	verifier *identity.TokenVerifier
	ledger   *capability.Ledger
	limiter  *ratelimit.Limiter
	auditLog *audit.Log
	store    memory.Store
	metrics  *metrics.Metrics
	promReg  *prometheus.Registry

	// mu serializes role, manifest, and thinking-slot mutations; it is
	// never held across upstream I/O.
	mu              sync.Mutex
	table           *skills.Table
	sessionID       string
	pendingThinking *audit.Thinking

	onToolsChanged func(added, removed []string)
	notifyUpward   func(mcp.RoutedNotification)
	watcher        *skills.Watcher
	cancel         context.CancelFunc
}

// New assembles a gateway from configuration. Nothing is started yet.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	ledger, err := capability.NewLedger(config.CapabilitySecret(), cfg.Identity.Strict, logger)
	if err != nil {
		return nil, fmt.Errorf("capability ledger: %w", err)
	}

	promReg := prometheus.NewRegistry()

	g := &Gateway{
		cfg:       cfg,
		logger:    logger,
		manager:   mcp.NewManager(logger),
		engine:    registry.NewEngine(logger, cfg.Identity.AssignedIdentity),
		resolver:  identity.NewResolver(identity.Config{
			DefaultRole:   cfg.Identity.DefaultRole,
			RejectUnknown: cfg.Identity.RejectUnknown,
			Strict:        cfg.Identity.Strict,
		}, logger),
		verifier:  identity.NewTokenVerifier(config.CapabilitySecret()),
		ledger:    ledger,
		limiter:   ratelimit.NewLimiter(cfg.Quotas),
		auditLog:  audit.NewLog(cfg.Audit.Capacity, logger),
		store:     memory.NewInMemoryStore(),
		metrics:   metrics.New(promReg),
		promReg:   promReg,
		sessionID: uuid.NewString(),
	}

	g.manager.OnRestart(func(serverID string) {
		g.metrics.BackendRestarts.WithLabelValues(serverID).Inc()
	})
	g.limiter.OnWarning(func(w ratelimit.Warning) {
		g.logger.Warn("quota nearly exhausted",
			"role", w.Role,
			"window", w.Window,
			"count", w.Count,
			"limit", w.Limit)
	})

	return g, nil
}

// SessionID returns this gateway instance's session id.
func (g *Gateway) SessionID() string { return g.sessionID }

// AuditLog exposes the audit ring for queries and exports.
func (g *Gateway) AuditLog() *audit.Log { return g.auditLog }

// Ledger exposes the capability ledger.
func (g *Gateway) Ledger() *capability.Ledger { return g.ledger }

// Manager exposes backend health for CLI status output.
func (g *Gateway) Manager() *mcp.Manager { return g.manager }

// Metrics exposes the gateway's Prometheus gatherer.
func (g *Gateway) Metrics() *prometheus.Registry { return g.promReg }

// OnToolsChanged registers the outgoing tools-changed notification
// callback.
func (g *Gateway) OnToolsChanged(fn func(added, removed []string)) {
	g.onToolsChanged = fn
}

// SetThinking fills the single-slot reasoning signature attached to the
// next audited call.
func (g *Gateway) SetThinking(t *audit.Thinking) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pendingThinking = t
}

// takeThinking empties the slot.
func (g *Gateway) takeThinking() *audit.Thinking {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.pendingThinking
	g.pendingThinking = nil
	return t
}

// Start runs the initialization order: skills, roles, identity rules,
// backends, default role.
func (g *Gateway) Start(ctx context.Context) error {
	manifest, err := g.loadManifest()
	if err != nil {
		return err
	}
	if err := g.applyManifest(manifest); err != nil {
		return err
	}

	if err := g.manager.Configure(g.cfg.Servers); err != nil {
		return err
	}
	for i := range g.cfg.Virtual {
		adapter := openapi.NewAdapter(g.cfg.Virtual[i], http.DefaultClient, g.logger)
		if err := adapter.Load(ctx); err != nil {
			g.logger.Error("failed to load virtual server", "server", g.cfg.Virtual[i].Name, "error", err)
			continue
		}
		if err := g.manager.RegisterDispatcher(adapter); err != nil {
			return err
		}
	}

	defaultRole := g.defaultRole()
	if g.cfg.StartAll {
		g.manager.StartAll(ctx)
	} else if defaultRole != "" {
		g.startServersForRole(ctx, defaultRole)
	}

	g.refreshTools(ctx)

	if defaultRole != "" {
		if _, err := g.switchRole(ctx, defaultRole); err != nil {
			return fmt.Errorf("apply default role: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go g.relayLoop(runCtx)
	go g.cleanupLoop(runCtx)

	if g.cfg.WatchSkills && g.cfg.SkillsDir != "" {
		g.watcher = skills.NewWatcher(g.cfg.SkillsDir, func() { g.Reload(context.Background()) }, g.logger)
		if err := g.watcher.Start(); err != nil {
			g.logger.Warn("skills watcher failed to start", "error", err)
		}
	}

	g.logger.Info("gateway started",
		"session", g.sessionID,
		"roles", len(g.tableSnapshot().RoleIDs()),
		"servers", len(g.cfg.Servers),
		"defaultRole", defaultRole)
	return nil
}

// Stop terminates backends and background loops.
func (g *Gateway) Stop() {
	if g.watcher != nil {
		g.watcher.Stop()
	}
	if g.cancel != nil {
		g.cancel()
	}
	g.manager.StopAll()
}

func (g *Gateway) loadManifest() (*skills.Manifest, error) {
	if g.cfg.SkillsDir != "" {
		return skills.LoadManifestDir(g.cfg.SkillsDir)
	}
	return skills.LoadManifestFile(g.cfg.SkillsFile)
}

// applyManifest compiles the role table and reloads identity rules.
func (g *Gateway) applyManifest(manifest *skills.Manifest) error {
	table := skills.Compile(manifest, g.logger)
	if err := g.resolver.LoadFromSkills(manifest); err != nil {
		return err
	}

	g.mu.Lock()
	g.table = table
	g.mu.Unlock()

	added, removed := g.engine.SetTable(table)
	g.notifyToolsChanged(added, removed)
	return nil
}

// Reload re-reads the skill manifest and pushes the recompiled role table
// through the same delta path as a role switch.
func (g *Gateway) Reload(ctx context.Context) {
	manifest, err := g.loadManifest()
	if err != nil {
		g.logger.Error("skill reload failed", "error", err)
		return
	}
	if err := g.applyManifest(manifest); err != nil {
		g.logger.Error("skill reload failed", "error", err)
		return
	}
	g.refreshTools(ctx)
	g.logger.Info("skills reloaded", "skills", len(manifest.Skills))
}

func (g *Gateway) tableSnapshot() *skills.Table {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.table
}

func (g *Gateway) defaultRole() string {
	if g.cfg.Identity.DefaultRole != "" {
		return g.cfg.Identity.DefaultRole
	}
	return g.tableSnapshot().DefaultRole()
}

// startServersForRole lazily starts the backends the role's effective
// server set needs; a wildcard starts everything.
func (g *Gateway) startServersForRole(ctx context.Context, roleID string) {
	servers := g.tableSnapshot().EffectiveServers(roleID)
	for _, s := range servers {
		if s == skills.WildcardPattern {
			g.manager.StartAll(ctx)
			return
		}
	}
	for _, s := range servers {
		if _, ok := g.manager.Backend(s); !ok {
			continue // virtual servers need no process
		}
		if err := g.manager.EnsureStarted(ctx, s); err != nil {
			g.logger.Error("failed to start backend", "server", s, "error", err)
		}
	}
}

// refreshTools re-aggregates the tool table from every ready source.
func (g *Gateway) refreshTools(ctx context.Context) {
	tools := g.manager.AggregateTools(ctx)
	added, removed := g.engine.UpdateTools(tools)
	g.notifyToolsChanged(added, removed)
}

// switchRole starts any newly needed backends, switches the engine, and
// fires the notification when the visible set changed.
func (g *Gateway) switchRole(ctx context.Context, roleID string) (added []string, err error) {
	g.startServersForRole(ctx, roleID)
	g.refreshTools(ctx)

	added, removed, err := g.engine.SetRole(roleID)
	if err != nil {
		return nil, err
	}
	g.notifyToolsChanged(added, removed)
	g.metrics.VisibleTools.Set(float64(len(g.engine.VisibleTools())))
	return added, nil
}

func (g *Gateway) notifyToolsChanged(added, removed []string) {
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	if g.onToolsChanged != nil {
		g.onToolsChanged(added, removed)
	}
}

// ResolveIdentity resolves a declared identity, preferring a verified
// identity proof when one is presented, and applies the resolved role.
func (g *Gateway) ResolveIdentity(ctx context.Context, id identity.Identity) (*identity.Resolution, error) {
	proven := false
	if id.Token != "" && g.verifier.Enabled() {
		verified, err := g.verifier.Verify(id.Token)
		if err != nil {
			return nil, err
		}
		id.Name = verified.Name
		id.Skills = verified.Skills
		proven = true
	}

	res, err := g.resolver.Resolve(id)
	if err != nil {
		return nil, err
	}
	if proven {
		res.Trusted = true
	}

	if res.Role != "" {
		if _, err := g.switchRole(ctx, res.Role); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// relayLoop forwards backend notifications upward and refreshes the tool
// table when a backend announces a tool-list change.
func (g *Gateway) relayLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-g.manager.Notifications():
			if notif.Method == "notifications/tools/list_changed" {
				g.refreshTools(ctx)
				continue
			}
			g.relayNotification(notif)
		}
	}
}

func (g *Gateway) relayNotification(notif mcp.RoutedNotification) {
	g.mu.Lock()
	fn := g.notifyUpward
	g.mu.Unlock()
	if fn != nil {
		fn(notif)
		return
	}
	g.logger.Debug("dropping backend notification without client", "method", notif.Method)
}

// setNotifyUpward is used by the serve loop to push backend notifications
// to the connected client.
func (g *Gateway) setNotifyUpward(fn func(mcp.RoutedNotification)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifyUpward = fn
}

func (g *Gateway) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(ledgerCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := g.ledger.Cleanup(); removed > 0 {
				g.logger.Debug("cleaned up capability tokens", "removed", removed)
			}
		}
	}
}

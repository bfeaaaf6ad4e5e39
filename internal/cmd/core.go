package cmd

import (
	"context"
	"fmt"

	"github.com/carepilot-io/carepilot/internal/agent"
	"github.com/carepilot-io/carepilot/internal/agent/tools"
	"github.com/carepilot-io/carepilot/internal/clinical"
	"github.com/carepilot-io/carepilot/internal/config"
	"github.com/carepilot-io/carepilot/internal/consent"
	"github.com/carepilot-io/carepilot/internal/evidence"
	"github.com/carepilot-io/carepilot/internal/lifecycle"
	"github.com/carepilot-io/carepilot/internal/policy"
)

// core bundles the wired execution stack shared by serve and the
// one-shot commands.
type core struct {
	cfg      *config.Config
	policy   *policy.CarePolicy
	engine   *policy.Engine
	registry *tools.Registry
	actions  *lifecycle.Store
	consents *consent.Store
	clinical *clinical.Store
	audit    *evidence.Store
	executor *agent.Executor

	closers []func() error
}

// buildCore loads config and policy and wires every store, the policy
// engine, the built-in hooks, and the executor.
func buildCore(ctx context.Context) (*core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	policyBaseDir := "."
	safePath, err := policy.ResolvePathUnderBase(policyBaseDir, cfg.DefaultPolicy)
	if err != nil {
		return nil, fmt.Errorf("policy path: %w", err)
	}
	pol, err := policy.LoadPolicy(ctx, safePath, false, policyBaseDir)
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}
	engine, err := policy.NewEngine(ctx, pol)
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	c := &core{cfg: cfg, policy: pol, engine: engine}

	c.actions, err = lifecycle.NewStore(cfg.ActionsDBPath(), cfg.SealingKey, cfg.ReplayWindow)
	if err != nil {
		return nil, fmt.Errorf("initializing action ledger: %w", err)
	}
	c.closers = append(c.closers, c.actions.Close)

	// Consent tokens share the ledger's physical store.
	c.consents, err = consent.NewStore(cfg.ActionsDBPath())
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing consent store: %w", err)
	}
	c.closers = append(c.closers, c.consents.Close)

	c.clinical, err = clinical.NewStore(cfg.ClinicalDBPath(), clinical.Thresholds{
		ReconfirmAfter:   cfg.ReconfirmAfter,
		AutoResolveAfter: cfg.AutoResolveAfter,
		InferenceTTL:     cfg.InferenceTTL,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing clinical store: %w", err)
	}
	c.closers = append(c.closers, c.clinical.Close)

	c.audit, err = evidence.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing audit store: %w", err)
	}
	c.closers = append(c.closers, c.audit.Close)

	c.registry = tools.NewRegistry()
	if err := registerDemoTools(c.registry, c.clinical); err != nil {
		c.Close()
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	hooks := agent.NewHookRunner()
	hooks.AddBefore(agent.AuditBeforeHook(c.audit))
	hooks.AddBefore(agent.ConsentBeforeHook(c.consents))
	hooks.AddAfter(agent.ConsentAfterHook(c.consents))
	hooks.AddAfter(agent.AuditAfterHook(c.audit))

	c.executor = agent.NewExecutor(agent.ExecutorConfig{
		Registry: c.registry,
		Engine:   engine,
		Hooks:    hooks,
		Store:    c.actions,
	})

	return c, nil
}

// Close closes every store in reverse open order.
func (c *core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i]()
	}
	c.closers = nil
}

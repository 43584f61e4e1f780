package execution

import (
	"context"
	"fmt"

	"finance-feedback-engine/config"
	"finance-feedback-engine/internal/advisory"
	"finance-feedback-engine/internal/logging"
)

// Executor turns actionable consensus decisions into orders on a single
// platform. Sizing is fixed per order from configuration; confidence
// gating happens upstream in the pipeline.
type Executor struct {
	platform  Platform
	quoteSize float64
	log       *logging.Logger
}

func NewExecutor(platform Platform, cfg config.ExecutionConfig, log *logging.Logger) *Executor {
	if log == nil {
		log = logging.Default()
	}
	size := cfg.OrderQuoteSize
	if size <= 0 {
		size = 100
	}
	return &Executor{
		platform:  platform,
		quoteSize: size,
		log:       log.WithComponent("executor"),
	}
}

func (e *Executor) Platform() string { return e.platform.Name() }

// Execute places one order for d. HOLD decisions are a no-op.
func (e *Executor) Execute(ctx context.Context, d *advisory.ConsensusDecision) error {
	if d == nil {
		return fmt.Errorf("nil decision")
	}
	if d.Action == advisory.ActionHold {
		return nil
	}

	order := &Order{
		Asset:     d.Asset,
		Side:      d.Action,
		QuoteSize: e.quoteSize,
	}
	if err := e.platform.PlaceOrder(ctx, order); err != nil {
		return fmt.Errorf("place %s order for %s: %w", d.Action, d.Asset, err)
	}

	e.log.Info("order placed",
		"order_id", order.ID, "decision_id", d.ID, "asset", order.Asset,
		"side", string(order.Side), "quote_size", order.QuoteSize,
		"platform", e.platform.Name())
	return nil
}

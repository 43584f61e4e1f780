// Package noop provides a deterministic hold advisor. It is wired into
// environments without model credentials so the pipeline always has at
// least one healthy source to exercise.
package noop

import (
	"context"
	"fmt"
	"time"

	"finance-feedback-engine/internal/advisory"
)

// Advisor always recommends holding the asset.
type Advisor struct {
	id string
}

func NewAdvisor(id string) *Advisor {
	return &Advisor{id: id}
}

func (a *Advisor) Name() string { return a.id }

func (a *Advisor) IsLocal() bool { return false }

func (a *Advisor) Timeout() time.Duration { return 0 }

func (a *Advisor) Advise(_ context.Context, q advisory.Query) (*advisory.Recommendation, error) {
	return &advisory.Recommendation{
		Action:     advisory.ActionHold,
		Confidence: 50,
		Reasoning:  fmt.Sprintf("no-op advisor holds %s by default", q.Asset),
		RawMetadata: map[string]interface{}{
			"provider": a.id,
		},
	}, nil
}

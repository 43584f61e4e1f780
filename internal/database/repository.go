package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"finance-feedback-engine/internal/advisory"
)

// ErrNotFound is returned when a lookup matches no decision.
var ErrNotFound = errors.New("decision not found")

// Repository provides data access for decisions.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck pings the underlying database.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// SaveDecision inserts one finished decision. The full metadata block is
// kept as JSONB next to the indexed columns.
func (r *Repository) SaveDecision(ctx context.Context, d *advisory.ConsensusDecision) error {
	metadataJSON, err := json.Marshal(d.Metadata)
	if err != nil {
		metadataJSON = []byte("{}")
	}

	query := `
		INSERT INTO decisions (
			id, asset, action, confidence, reasoning, strategy, fallback_tier,
			providers_used, providers_failed, agreement_score, confidence_variance,
			metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.db.Pool.Exec(ctx, query,
		d.ID,
		d.Asset,
		string(d.Action),
		d.Confidence,
		d.Reasoning,
		string(d.Metadata.Strategy),
		string(d.Metadata.FallbackTier),
		d.Metadata.ProvidersUsed,
		d.Metadata.ProvidersFailed,
		d.Metadata.AgreementScore,
		d.Metadata.ConfidenceVariance,
		metadataJSON,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert decision %s: %w", d.ID, err)
	}
	return nil
}

// GetDecisions returns decisions newest first with optional asset and
// action filters. Empty filter values match everything.
func (r *Repository) GetDecisions(ctx context.Context, limit, offset int, asset, action string) ([]*advisory.ConsensusDecision, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, asset, action, confidence, reasoning, metadata, created_at
		FROM decisions
		WHERE ($1 = '' OR asset = $1)
		AND ($2 = '' OR action = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := r.db.Pool.Query(ctx, query, asset, action, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*advisory.ConsensusDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// GetDecisionByID returns one decision or ErrNotFound.
func (r *Repository) GetDecisionByID(ctx context.Context, id string) (*advisory.ConsensusDecision, error) {
	query := `
		SELECT id, asset, action, confidence, reasoning, metadata, created_at
		FROM decisions WHERE id = $1`

	d, err := scanDecision(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// GetLatestDecision returns the most recent decision for an asset, or
// ErrNotFound when the asset has never been decided.
func (r *Repository) GetLatestDecision(ctx context.Context, asset string) (*advisory.ConsensusDecision, error) {
	query := `
		SELECT id, asset, action, confidence, reasoning, metadata, created_at
		FROM decisions WHERE asset = $1
		ORDER BY created_at DESC LIMIT 1`

	d, err := scanDecision(r.db.Pool.QueryRow(ctx, query, asset))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*advisory.ConsensusDecision, error) {
	var d advisory.ConsensusDecision
	var action string
	var metadataJSON []byte

	err := row.Scan(&d.ID, &d.Asset, &action, &d.Confidence, &d.Reasoning, &metadataJSON, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Action = advisory.Action(action)
	if len(metadataJSON) > 0 {
		json.Unmarshal(metadataJSON, &d.Metadata)
	}
	return &d, nil
}

// GetDecisionStats summarizes decisions made since the cutoff.
func (r *Repository) GetDecisionStats(ctx context.Context, since time.Time) (map[string]interface{}, error) {
	query := `
		SELECT
			COUNT(*) as total,
			COUNT(CASE WHEN action = 'BUY' THEN 1 END) as buy_decisions,
			COUNT(CASE WHEN action = 'SELL' THEN 1 END) as sell_decisions,
			COUNT(CASE WHEN action = 'HOLD' THEN 1 END) as hold_decisions,
			COUNT(CASE WHEN fallback_tier = 'all_failed' THEN 1 END) as all_failed,
			COUNT(CASE WHEN fallback_tier <> strategy AND fallback_tier <> 'all_failed' THEN 1 END) as degraded,
			AVG(confidence) as avg_confidence,
			AVG(agreement_score) as avg_agreement
		FROM decisions
		WHERE created_at >= $1`

	var total, buy, sell, hold, allFailed, degraded int
	var avgConfidence, avgAgreement *float64

	err := r.db.Pool.QueryRow(ctx, query, since).Scan(
		&total, &buy, &sell, &hold, &allFailed, &degraded, &avgConfidence, &avgAgreement,
	)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total":          total,
		"buy_decisions":  buy,
		"sell_decisions": sell,
		"hold_decisions": hold,
		"all_failed":     allFailed,
		"degraded":       degraded,
		"avg_confidence": avgConfidence,
		"avg_agreement":  avgAgreement,
	}, nil
}

// TierStats is one strategy/tier bucket in the fallback breakdown.
type TierStats struct {
	Strategy      string  `json:"strategy"`
	FallbackTier  string  `json:"fallback_tier"`
	Count         int     `json:"count"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgAgreement  float64 `json:"avg_agreement"`
}

// GetTierBreakdown groups decisions since the cutoff by requested
// strategy and the tier that actually produced the verdict.
func (r *Repository) GetTierBreakdown(ctx context.Context, since time.Time) ([]TierStats, error) {
	query := `
		SELECT strategy, fallback_tier, COUNT(*),
			COALESCE(AVG(confidence), 0), COALESCE(AVG(agreement_score), 0)
		FROM decisions
		WHERE created_at >= $1
		GROUP BY strategy, fallback_tier
		ORDER BY strategy, COUNT(*) DESC`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []TierStats
	for rows.Next() {
		var s TierStats
		if err := rows.Scan(&s.Strategy, &s.FallbackTier, &s.Count, &s.AvgConfidence, &s.AvgAgreement); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// ProviderStats is one provider's participation summary.
type ProviderStats struct {
	ProviderID string `json:"provider_id"`
	Used       int    `json:"used"`
	Failed     int    `json:"failed"`
}

// GetProviderBreakdown counts, per provider, how often it contributed to
// or failed out of decisions since the cutoff.
func (r *Repository) GetProviderBreakdown(ctx context.Context, since time.Time) ([]ProviderStats, error) {
	query := `
		SELECT provider_id,
			COUNT(*) FILTER (WHERE kind = 'used') as used,
			COUNT(*) FILTER (WHERE kind = 'failed') as failed
		FROM (
			SELECT unnest(providers_used) as provider_id, 'used' as kind
			FROM decisions WHERE created_at >= $1
			UNION ALL
			SELECT unnest(providers_failed) as provider_id, 'failed' as kind
			FROM decisions WHERE created_at >= $1
		) p
		GROUP BY provider_id
		ORDER BY provider_id`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []ProviderStats
	for rows.Next() {
		var s ProviderStats
		if err := rows.Scan(&s.ProviderID, &s.Used, &s.Failed); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// CleanupOldDecisions removes decisions older than the retention window
// and returns how many rows were deleted.
func (r *Repository) CleanupOldDecisions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := r.db.Pool.Exec(ctx, "DELETE FROM decisions WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

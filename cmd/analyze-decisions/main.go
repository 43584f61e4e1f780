package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"finance-feedback-engine/config"
	"finance-feedback-engine/internal/database"
	"finance-feedback-engine/internal/logging"
)

// Operator report over persisted decisions: action mix, fallback tier
// usage and per-provider reliability. Reads the same tables the engine
// writes, so it can run against a live database.
func main() {
	godotenv.Load()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		fmt.Println("❌ DATABASE_URL is required")
		os.Exit(1)
	}

	hours := getEnvInt("ANALYSIS_WINDOW_HOURS", 168)
	retentionDays := getEnvInt("DECISION_RETENTION_DAYS", 0)

	logger := logging.New(&logging.Config{Level: "warn", Output: "stderr", Component: "analyze-decisions"})

	ctx := context.Background()
	db, err := database.NewDB(config.DatabaseConfig{Enabled: true, URL: url}, logger)
	if err != nil {
		fmt.Printf("❌ Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := database.NewRepository(db)
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	line := "================================================================================"
	fmt.Println(line)
	fmt.Println("📊 ADVISORY DECISION ANALYSIS")
	fmt.Println(line)
	fmt.Printf("   Window: last %d hours (since %s)\n", hours, since.Format("2006-01-02 15:04"))

	stats, err := repo.GetDecisionStats(ctx, since)
	if err != nil {
		fmt.Printf("❌ Stats query failed: %v\n", err)
		os.Exit(1)
	}

	total := asInt(stats["total"])
	if total == 0 {
		fmt.Println("\n❌ No decisions recorded in this window.")
		fmt.Println("   Check that the engine runs with database persistence enabled.")
		return
	}

	buy := asInt(stats["buy_decisions"])
	sell := asInt(stats["sell_decisions"])
	hold := asInt(stats["hold_decisions"])
	allFailed := asInt(stats["all_failed"])
	degraded := asInt(stats["degraded"])

	fmt.Printf("\n   Decisions: %d  (BUY %d / SELL %d / HOLD %d)\n", total, buy, sell, hold)
	fmt.Printf("   Average confidence: %s  Average agreement: %s\n",
		fmtAvg(stats["avg_confidence"], "%.1f"), fmtAvg(stats["avg_agreement"], "%.3f"))
	fmt.Printf("   Fallback decisions: %d (%.1f%%)  All-providers-failed: %d (%.1f%%)\n",
		degraded, pct(degraded, total), allFailed, pct(allFailed, total))

	tiers, err := repo.GetTierBreakdown(ctx, since)
	if err != nil {
		fmt.Printf("❌ Tier breakdown query failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\n" + line)
	fmt.Println("🪜 FALLBACK TIER USAGE")
	fmt.Println(line)
	fmt.Println("┌────────────┬──────────────────┬────────┬───────────┬───────────┐")
	fmt.Println("│ Strategy   │ Resolved by      │ Count  │ Avg Conf  │ Agreement │")
	fmt.Println("├────────────┼──────────────────┼────────┼───────────┼───────────┤")
	for _, t := range tiers {
		marker := " "
		if t.FallbackTier != t.Strategy && t.FallbackTier != "all_failed" {
			marker = "↓"
		}
		if t.FallbackTier == "all_failed" {
			marker = "✗"
		}
		fmt.Printf("│ %-10s │ %s %-14s │ %6d │ %9.1f │ %9.3f │\n",
			truncate(t.Strategy, 10), marker, truncate(t.FallbackTier, 14),
			t.Count, t.AvgConfidence, t.AvgAgreement)
	}
	fmt.Println("└────────────┴──────────────────┴────────┴───────────┴───────────┘")

	providers, err := repo.GetProviderBreakdown(ctx, since)
	if err != nil {
		fmt.Printf("❌ Provider breakdown query failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\n" + line)
	fmt.Println("🔌 PROVIDER RELIABILITY")
	fmt.Println(line)
	fmt.Println("┌──────────────────────┬────────┬────────┬───────────┐")
	fmt.Println("│ Provider             │ Used   │ Failed │ Fail Rate │")
	fmt.Println("├──────────────────────┼────────┼────────┼───────────┤")
	for _, p := range providers {
		calls := p.Used + p.Failed
		failRate := pct(p.Failed, calls)
		emoji := "🟢"
		if failRate >= 50 {
			emoji = "🔴"
		} else if failRate >= 20 {
			emoji = "🟡"
		}
		fmt.Printf("│ %s %-18s │ %6d │ %6d │ %8.1f%% │\n",
			emoji, truncate(p.ProviderID, 18), p.Used, p.Failed, failRate)
	}
	fmt.Println("└──────────────────────┴────────┴────────┴───────────┘")

	fmt.Println("\n" + line)
	fmt.Println("💡 INSIGHTS")
	fmt.Println(line)

	flagged := 0
	if pct(allFailed, total) > 10 {
		fmt.Printf("\n   ⚠️  %.1f%% of decisions had every provider fail.\n", pct(allFailed, total))
		fmt.Println("   → Check provider credentials and circuit breaker states.")
		flagged++
	}
	if pct(degraded, total) > 25 {
		fmt.Printf("\n   ⚠️  %.1f%% of decisions fell back below the requested strategy.\n", pct(degraded, total))
		fmt.Println("   → Provider set may be too small or too flaky for the configured strategy.")
		flagged++
	}
	for _, p := range providers {
		calls := p.Used + p.Failed
		if calls >= 5 && pct(p.Failed, calls) >= 50 {
			fmt.Printf("\n   🔴 Provider %q failed %.1f%% of its calls (%d of %d).\n",
				p.ProviderID, pct(p.Failed, calls), p.Failed, calls)
			fmt.Println("   → Consider lowering its weight or disabling it until fixed.")
			flagged++
		}
	}
	if flagged == 0 {
		fmt.Println("\n   ✅ No reliability problems detected in this window.")
	}

	if retentionDays > 0 {
		removed, err := repo.CleanupOldDecisions(ctx, time.Duration(retentionDays)*24*time.Hour)
		if err != nil {
			fmt.Printf("\n❌ Cleanup failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\n🧹 Removed %d decisions older than %d days.\n", removed, retentionDays)
	}
}

func asInt(v interface{}) int {
	if n, ok := v.(int); ok {
		return n
	}
	return 0
}

func fmtAvg(v interface{}, format string) string {
	f, ok := v.(*float64)
	if !ok || f == nil {
		return "n/a"
	}
	return fmt.Sprintf(format, *f)
}

func pct(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

package llm

import (
	"encoding/json"
	"fmt"

	"finance-feedback-engine/internal/advisory"
)

// SystemPromptAdvisory instructs the model to answer with a strict JSON
// verdict the parser can extract.
const SystemPromptAdvisory = `You are a financial advisory engine. Based on the market context provided, recommend whether to buy, sell or hold the asset.

Your response must be valid JSON with exactly this structure:
{
  "action": "BUY" | "SELL" | "HOLD",
  "confidence": 0-100,
  "reasoning": "brief explanation"
}

Confidence is an integer percentage. Be conservative: only report confidence above 80 when multiple pieces of evidence align. Respond with the JSON object only, no surrounding text.`

// BuildUserPrompt renders one advisory query for the model. The caller's
// market context is passed through verbatim as JSON.
func BuildUserPrompt(q advisory.Query) string {
	prompt := fmt.Sprintf("Asset: %s\n", q.Asset)
	if q.Horizon != "" {
		prompt += fmt.Sprintf("Horizon: %s\n", q.Horizon)
	}
	if len(q.Context) > 0 {
		if ctx, err := json.MarshalIndent(q.Context, "", "  "); err == nil {
			prompt += fmt.Sprintf("Market context:\n%s\n", ctx)
		}
	}
	prompt += "\nProvide your recommendation as JSON."
	return prompt
}

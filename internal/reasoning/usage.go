package reasoning

import "strings"

// Usage is the estimated size and cost of one call. Providers do not all
// report token counts through Genkit, so both sides are estimated locally.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// EstimateTokens returns max(words*1.33, bytes/4). The byte floor keeps
// code and non-English text from being undercounted.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// modelPrice holds per-million-token costs in USD.
type modelPrice struct {
	prompt     float64
	completion float64
}

var modelPrices = map[string]modelPrice{
	"gemini-2.5-flash":  {0.30, 2.50},
	"gemini-2.5-pro":    {1.25, 10.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	"gpt-4o":            {2.50, 10.00},
	"gpt-4o-mini":       {0.15, 0.60},
}

// EstimateCost returns the USD cost for the given token counts, or 0 for
// models without a known price.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := modelPrices[strings.ToLower(strings.TrimSpace(model))]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1e6*p.prompt + float64(completionTokens)/1e6*p.completion
}

func estimateUsage(model string, req Request, raw string) Usage {
	u := Usage{
		PromptTokens:     EstimateTokens(req.System) + EstimateTokens(req.Prompt),
		CompletionTokens: EstimateTokens(raw),
	}
	u.CostUSD = EstimateCost(model, u.PromptTokens, u.CompletionTokens)
	return u
}

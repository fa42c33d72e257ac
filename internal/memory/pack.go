package memory

import (
	"fmt"
	"strings"
)

// ContextPack is a ranked set of records that fits a token budget.
type ContextPack struct {
	QueryID            string `json:"query_id"`
	LatencyMS          int64  `json:"latency_ms"`
	TokenBudget        int    `json:"token_budget"`
	UsedTokens         int    `json:"used_tokens"`
	DroppedDueToBudget int    `json:"dropped_due_to_budget"`
	Items              []Item `json:"items"`
	// Rendered is Format() of the packed items, ready for prompt injection.
	Rendered string `json:"rendered"`
}

// packItems accepts ranked items in order until the next one would overflow
// budget. Items are never truncated; everything from the first overflow on
// is dropped.
func packItems(ranked []Item, budget int) (packed []Item, used, dropped int) {
	for i, it := range ranked {
		if used+it.EstimatedTokens > budget {
			return packed, used, len(ranked) - i
		}
		used += it.EstimatedTokens
		packed = append(packed, it)
	}
	return packed, used, 0
}

// Remaining is the unused part of the budget.
func (p *ContextPack) Remaining() int { return p.TokenBudget - p.UsedTokens }

// Percentage returns the percentage of the budget used.
func (p *ContextPack) Percentage() float64 {
	if p.TokenBudget == 0 {
		return 0
	}
	return float64(p.UsedTokens) / float64(p.TokenBudget) * 100
}

// Format renders the pack as a text block for prompt injection. An empty pack
// renders as the empty string.
// Example output:
//
//	<context_pack>
//	[decision] Retry policy: use exponential backoff (retry, queue)
//	</context_pack>
func (p *ContextPack) Format() string {
	if len(p.Items) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<context_pack>\n")
	for _, it := range p.Items {
		sb.WriteString(fmt.Sprintf("[%s] ", it.Kind))
		if it.Title != "" {
			sb.WriteString(it.Title + ": ")
		}
		sb.WriteString(it.Summary)
		if len(it.Tags) > 0 {
			sb.WriteString(" (" + strings.Join(it.Tags, ", ") + ")")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("</context_pack>")
	return sb.String()
}

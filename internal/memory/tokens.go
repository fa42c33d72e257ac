package memory

import "strings"

// recordOverhead is the per-item framing cost of a packed record.
const recordOverhead = 16

// EstimateTokens returns an approximate token count for a string.
// Uses the ~4 characters per token heuristic (accurate within ~10% for English).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4 // round up
}

// RecordTokens estimates what a record costs once packed: its title, summary
// and tags plus a fixed framing overhead.
func RecordTokens(title, summary string, tags []string) int {
	return EstimateTokens(title+summary+strings.Join(tags, "")) + recordOverhead
}

package memory

import "testing"

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		minToken int
		maxToken int
	}{
		{"empty string", "", 0, 1},
		{"short text", "hi", 0, 2},
		{"medium text", "The quick brown fox", 3, 6},
		{"long text", "abbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", 25, 27},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokens(tt.text)
			if got < tt.minToken || got > tt.maxToken {
				t.Errorf("EstimateTokens(%q) = %d, want between %d and %d", tt.text, got, tt.minToken, tt.maxToken)
			}
		})
	}
}

func TestRecordTokens(t *testing.T) {
	if got := RecordTokens("", "", nil); got != recordOverhead {
		t.Fatalf("empty record = %d, want overhead %d", got, recordOverhead)
	}
	// 4 + 8 + 4 bytes = 16 bytes = 4 tokens.
	if got := RecordTokens("abcd", "abcdefgh", []string{"ab", "cd"}); got != 4+recordOverhead {
		t.Fatalf("RecordTokens = %d, want %d", got, 4+recordOverhead)
	}
}

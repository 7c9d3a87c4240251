package orchestrator

import (
	"regexp"
	"strings"

	"github.com/sentire-labs/trustgate/pkg/schema"
)

// verdictPattern matches "VERDICT: PASS" / "VERDICT: FAIL", case
// insensitive, tolerating markdown bold around either side.
var verdictPattern = regexp.MustCompile(`(?i)\*{0,2}verdict\*{0,2}\s*[:\-]\s*\*{0,2}\s*(pass|fail)\*{0,2}`)

// Phrase allowlist for reviewers that answer in prose. Negative phrases
// are checked first so "NOT APPROVED FOR DISTRIBUTION" reads as FAIL.
var (
	failPhrases = []string{
		"not approved for distribution",
		"rejected for distribution",
		"do not distribute",
		"changes requested",
	}
	passPhrases = []string{
		"approved for distribution",
		"approved for publication",
		"ready to ship",
	}
)

// ParseVerdict extracts the reviewer verdict from free text. The explicit
// VERDICT marker wins; the phrase allowlist is the fallback. No signal
// returns ("", false) and the caller fails closed.
func ParseVerdict(text string) (schema.Verdict, bool) {
	if m := verdictPattern.FindStringSubmatch(text); m != nil {
		if strings.EqualFold(m[1], "pass") {
			return schema.VerdictPass, true
		}
		return schema.VerdictFail, true
	}

	lower := strings.ToLower(text)
	for _, p := range failPhrases {
		if strings.Contains(lower, p) {
			return schema.VerdictFail, true
		}
	}
	for _, p := range passPhrases {
		if strings.Contains(lower, p) {
			return schema.VerdictPass, true
		}
	}
	return "", false
}

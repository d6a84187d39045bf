package stream

import (
	"regexp"
	"strings"
)

// Noise patterns cover the diagnostic chatter line-oriented agent CLIs mix
// into their real output: runtime deprecation warnings, dependency-injection
// banners, credential/telemetry notices and tool self-reporting.
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\(node:\d+\)`), // (node:1234) [DEP0040] DeprecationWarning
	regexp.MustCompile(`(?i)deprecat(ion|ed)\s*warning`),
	regexp.MustCompile(`(?i)^experimentalwarning`),
	regexp.MustCompile(`^\[dotenv[@\]]`), // [dotenv@17.x] injecting env
	regexp.MustCompile(`(?i)injecting env \(\d+\)`),
	regexp.MustCompile(`(?i)^loaded cached .*credentials`),
	regexp.MustCompile(`(?i)^data collection is (dis|en)abled`),
	regexp.MustCompile(`(?i)^telemetry`),
	regexp.MustCompile(`(?i)^\[?mcp\b.*(stderr|starting|ready)`), // MCP server chatter
	regexp.MustCompile(`(?i)^flushing log events`),
	regexp.MustCompile(`(?i)^checking for updates`),
	regexp.MustCompile(`(?i)^a new version .* is available`),
	regexp.MustCompile(`^npm warn `),
	regexp.MustCompile(`(?i)^debugger (listening|attached)`),
}

var noisePrefixes = []string{
	"warning:",
	"warn:",
	"info:",
	"debug:",
}

// IsNoise reports whether a raw output line is tool diagnostics rather than
// genuine agent output. Blank lines count as noise. Noise lines are dropped,
// never forwarded as assistant messages.
func IsNoise(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, p := range noisePrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	for _, re := range noisePatterns {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return false
}

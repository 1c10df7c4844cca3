package combiner

import "embed"

// Patterns embeds the built-in pattern scripts so the engine has a working
// combiner without needing a filesystem path at runtime; callers that want
// to add machine-specific patterns can still call LoadPatterns again against
// their own fs.FS.
//
//go:embed patterns/*.lua
var Patterns embed.FS

// LoadBuiltinPatterns registers every pattern shipped under
// combiner/patterns into m.
func LoadBuiltinPatterns(m *Matcher) error {
	return LoadPatterns(m, Patterns, "patterns")
}

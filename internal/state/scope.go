package state

import "strings"

// Scope names a partition of the store's key space. Every read and write
// names its scope explicitly; there is no default.
type Scope string

// GlobalScope is shared by every narrative run that opts into it.
const GlobalScope Scope = "global"

// SessionScope returns the scope for a single session or campaign.
func SessionScope(id string) Scope {
	return Scope("session:" + id)
}

// fileName maps a scope to a stable on-disk record name.
func (s Scope) fileName() string {
	var b strings.Builder
	for _, r := range string(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String() + ".json"
}

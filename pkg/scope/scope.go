// Package scope identifies the configuration scope a governance decision
// applies to. Settings resolve from the global scope down to a single
// guild, with guild values layered over global defaults.
package scope

import (
	"fmt"
	"strings"
)

// Kind distinguishes the two scope levels.
type Kind string

const (
	KindGlobal Kind = "global"
	KindGuild  Kind = "guild"
)

// Scope is an immutable reference to a configuration scope. The zero
// value is the global scope.
type Scope struct {
	kind    Kind
	guildID string
}

// Global returns the global scope.
func Global() Scope {
	return Scope{kind: KindGlobal}
}

// Guild returns the scope for a single guild.
func Guild(guildID string) Scope {
	return Scope{kind: KindGuild, guildID: guildID}
}

// Kind returns the scope level.
func (s Scope) Kind() Kind {
	if s.kind == "" {
		return KindGlobal
	}
	return s.kind
}

// GuildID returns the guild identifier, or "" for the global scope.
func (s Scope) GuildID() string {
	return s.guildID
}

// IsGlobal reports whether s is the global scope.
func (s Scope) IsGlobal() bool {
	return s.Kind() == KindGlobal
}

// Key returns the canonical storage key for the scope: "global" or
// "guild:<id>".
func (s Scope) Key() string {
	if s.IsGlobal() {
		return string(KindGlobal)
	}
	return fmt.Sprintf("%s:%s", KindGuild, s.guildID)
}

// String implements fmt.Stringer.
func (s Scope) String() string {
	return s.Key()
}

// Parse converts a storage key produced by Key back into a Scope.
func Parse(key string) (Scope, error) {
	if key == string(KindGlobal) {
		return Global(), nil
	}
	if id, ok := strings.CutPrefix(key, string(KindGuild)+":"); ok && id != "" {
		return Guild(id), nil
	}
	return Scope{}, fmt.Errorf("invalid scope key %q", key)
}

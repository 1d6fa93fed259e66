// Package identity defines the principal and module handle primitives shared
// by every kernel component.
package identity

import "strings"

const modulePrefix = "module:"

// Principal identifies an actor: an external account or a module issuing a
// nested call. Module principals are minted only by the kernel.
type Principal string

// ModulePrincipal returns the principal a module acts as when it issues a
// nested dispatch.
func ModulePrincipal(moduleID string) Principal {
	return Principal(modulePrefix + strings.TrimSpace(moduleID))
}

// IsModule reports whether p is a kernel-minted module principal.
func (p Principal) IsModule() bool {
	return strings.HasPrefix(string(p), modulePrefix)
}

// Valid reports whether p is non-empty and carries no surrounding whitespace.
func (p Principal) Valid() bool {
	s := string(p)
	return s != "" && strings.TrimSpace(s) == s
}

// String returns the principal identifier.
func (p Principal) String() string {
	return string(p)
}

// Handle is an opaque reference to a module implementation. Only the binder
// that resolves it interprets its contents.
type Handle string

// Scheme returns the prefix before the first ':' in h, or "".
func (h Handle) Scheme() string {
	scheme, _, ok := strings.Cut(string(h), ":")
	if !ok {
		return ""
	}
	return scheme
}

// Valid reports whether h is non-empty and carries no surrounding whitespace.
func (h Handle) Valid() bool {
	s := string(h)
	return s != "" && strings.TrimSpace(s) == s
}

// String returns the handle text.
func (h Handle) String() string {
	return string(h)
}

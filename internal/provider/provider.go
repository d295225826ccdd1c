// Package provider implements the provider tree: the combinators
// (multiplexer, timeout, keyword filter, stealth) and the deterministic leaf
// providers (wiki_fruit, fixed, debug, null), plus the builder that
// materializes a tree from declarative configuration.
//
// The Remote Settings leaf lives in the remotesettings sub-package; the cache
// combinators live in internal/cache. All nodes implement suggest.Provider.
package provider

import (
	"errors"

	"github.com/mozilla-services/merino/internal/suggest"
)

// Availability controls whether a root provider is queried when the client
// does not name providers explicitly, and how it is listed on the providers
// endpoint.
type Availability string

const (
	EnabledByDefault  Availability = "enabled_by_default"
	DisabledByDefault Availability = "disabled_by_default"
	Hidden            Availability = "hidden"
)

// Root is one entry of the configured provider forest.
type Root struct {
	Provider     suggest.Provider
	Availability Availability
}

// Forest is the set of root providers available to clients, in configured
// order. It is immutable once built; reconfiguration builds a new Forest and
// swaps it atomically.
type Forest struct {
	Roots map[string]Root
	Order []string
}

// errorKind maps an error to its taxonomy label for metrics and logs.
func errorKind(err error) string {
	switch {
	case errors.Is(err, suggest.ErrTimeout):
		return "timeout"
	case errors.Is(err, suggest.ErrUpstream):
		return "upstream"
	case errors.Is(err, suggest.ErrSetup):
		return "setup"
	default:
		return "internal"
	}
}

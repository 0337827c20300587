// Package neutralizer tears down the protected site's persistent background
// controllers (service workers) and instruments registrations made afterwards.
//
// Teardown removes registrations that already exist. Interception wraps the
// page's registration entry point so later registrations still succeed but
// every lifecycle transition is reported back to the Go side. Neither path
// prevents the site from registering again.
package neutralizer

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/defundx-go/internal/metrics"
	"github.com/Rorqualx/defundx-go/internal/types"
)

// State is a controller lifecycle state as reported by the browser.
type State string

// Lifecycle states in the order a healthy registration moves through them.
const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateInstalling, StateInstalled, StateActivating, StateActivated, StateRedundant:
		return true
	}
	return false
}

// Registration is one persistent controller registration visible to a page.
type Registration struct {
	Scope     string
	ScriptURL string
	State     State
}

// Registry enumerates and destroys controller registrations.
// Implementations return types.ErrCapabilityUnavailable when the execution
// context has no controller support at all.
type Registry interface {
	Registrations(ctx context.Context) ([]Registration, error)
	Unregister(ctx context.Context, reg Registration) error
}

// ScopeMatches reports whether a registration scope lies under origin.
func ScopeMatches(scope, origin string) bool {
	return origin != "" && strings.HasPrefix(scope, origin)
}

// Result summarizes a teardown pass.
type Result struct {
	Found   int
	Matched int
	Removed int
}

// Teardown unregisters every registration whose scope lies under origin.
//
// Failures never abort the pass: an enumeration failure returns immediately
// with a *types.NeutralizeError, unregister failures are logged and joined
// into the returned error while the remaining registrations are still
// processed. Registrations outside origin are left alone.
func Teardown(ctx context.Context, registry Registry, origin string) (Result, error) {
	var res Result

	regs, err := registry.Registrations(ctx)
	if err != nil {
		if errors.Is(err, types.ErrCapabilityUnavailable) {
			log.Debug().Msg("Controller support unavailable, skipping teardown")
			return res, err
		}
		log.Error().Err(err).Msg("Failed to enumerate controller registrations")
		return res, types.NewEnumerateError(err)
	}

	res.Found = len(regs)
	log.Debug().Int("count", res.Found).Msg("Found controller registrations")

	var errs []error
	for _, reg := range regs {
		log.Debug().Str("scope", reg.Scope).Str("state", string(reg.State)).Msg("Found controller registration")
		if !ScopeMatches(reg.Scope, origin) {
			continue
		}
		res.Matched++

		if err := registry.Unregister(ctx, reg); err != nil {
			log.Error().Err(err).Str("scope", reg.Scope).Msg("Failed to unregister controller")
			errs = append(errs, types.NewUnregisterError(reg.Scope, err))
			continue
		}
		res.Removed++
		metrics.RecordRegistrationRemoved()
		log.Info().Str("scope", reg.Scope).Msg("Unregistered controller")
	}

	return res, errors.Join(errs...)
}

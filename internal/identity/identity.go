// Package identity decides who is performing an operation and whether
// the operation is admissible under the configured trust mode.
package identity

import (
	"errors"
	"strings"

	"loom/internal/domain"
)

// ErrNoActor is returned when no candidate source yields an actor name.
// Fatal to the calling operation, not retryable.
var ErrNoActor = errors.New("no actor could be resolved")

// ResolveOptions carries the candidate actor names in precedence order.
type ResolveOptions struct {
	// Explicit is a per-call override and always wins.
	Explicit string
	// CLIFlag is the value supplied on the command line or API call.
	CLIFlag string
	// ConfigDefault comes from the workspace config.
	ConfigDefault string
	// RelatedCreatedBy is the createdBy of an element related to the
	// operation, the weakest candidate.
	RelatedCreatedBy string
}

// ResolveActor picks the first non-empty candidate and tags the result
// with its source. Resolution never consults the store; callers verify
// separately.
func ResolveActor(opts ResolveOptions) (domain.ActorContext, error) {
	candidates := []struct {
		value  string
		source domain.ActorSource
	}{
		{opts.Explicit, domain.SourceExplicit},
		{opts.CLIFlag, domain.SourceCLIFlag},
		{opts.ConfigDefault, domain.SourceConfig},
		{opts.RelatedCreatedBy, domain.SourceElement},
	}
	for _, c := range candidates {
		if strings.TrimSpace(c.value) != "" {
			return domain.ActorContext{Actor: strings.TrimSpace(c.value), Source: c.source}, nil
		}
	}
	return domain.ActorContext{}, ErrNoActor
}

// SystemActor identifies internal housekeeping operations (migrations,
// cache rebuilds) that no external principal initiated.
func SystemActor() domain.ActorContext {
	return domain.ActorContext{Actor: "system", Source: domain.SourceSystem, Verified: true}
}

// ShouldAllowRequest gates a request from its trust mode and
// verification outcome. Pure and total: every mode/status pair has a
// defined answer.
func ShouldAllowRequest(mode domain.TrustMode, result domain.VerificationResult) bool {
	switch mode {
	case domain.TrustSoft:
		// Verification is advisory only.
		return true
	case domain.TrustCryptographic:
		return result.Status == domain.VerifyValid
	case domain.TrustHybrid:
		// Unsigned requests pass; signed-but-failed requests do not.
		return result.Status == domain.VerifyValid || result.Status == domain.VerifyNotSigned
	}
	return false
}

// ValidateSoftActor checks an unsigned actor name: non-empty and not
// all whitespace. Registration requirements are layered on by callers
// via RequireRegistered.
func ValidateSoftActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return domain.ValidationError{Field: "actor", Reason: "must be a non-empty, non-whitespace string"}
	}
	return nil
}

// EntityLookup resolves an actor name to its entity element. found is
// false when no live entity matches.
type EntityLookup func(actor string) (domain.Element, bool, error)

// RequireRegistered ensures the actor resolves to an existing entity
// record. Existence alone suffices; no key is required.
func RequireRegistered(actor string, lookup EntityLookup) error {
	if err := ValidateSoftActor(actor); err != nil {
		return err
	}
	_, found, err := lookup(actor)
	if err != nil {
		return err
	}
	if !found {
		return domain.ValidationError{Field: "actor", Reason: "unknown actor " + actor}
	}
	return nil
}

package hybridauth

import (
	"fmt"
	"strings"
)

// AuthMode is the session establishment path requested for a login.
type AuthMode string

const (
	// ModeClassical never calls the PQC service.
	ModeClassical AuthMode = "classical"
	// ModePQC always attempts a PQC session.
	ModePQC AuthMode = "pqc"
	// ModeHybrid uses PQC when the user opted in, or the request overrides,
	// and the rollout flag is on for the user.
	ModeHybrid AuthMode = "hybrid"
)

// ParseAuthMode maps a wire value to an AuthMode. Empty input yields def.
func ParseAuthMode(s string, def AuthMode) (AuthMode, error) {
	switch AuthMode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return def, nil
	case ModeClassical:
		return ModeClassical, nil
	case ModePQC:
		return ModePQC, nil
	case ModeHybrid:
		return ModeHybrid, nil
	}
	return "", fmt.Errorf("%w: unknown auth mode %q", ErrValidation, s)
}

// SelectPQC decides whether a login attempts PQC session establishment.
// It has no side effects: the flag result is evaluated by the caller.
func SelectPQC(requested AuthMode, usePQC, override, flagEnabled bool) bool {
	switch requested {
	case ModePQC:
		return true
	case ModeHybrid:
		return (usePQC || override) && flagEnabled
	default:
		return false
	}
}

package jwt

import (
	"fmt"

	"github.com/vyrodovalexey/edgegw/internal/util"
)

// StringClaim returns claims[name] when it is a non-empty string.
func StringClaim(claims map[string]any, name string) (string, bool) {
	s, ok := claims[name].(string)
	return s, ok && s != ""
}

// MatchClaims checks that every required claim equals the expected value,
// or contains it when the claim is an array. A mismatch is a forbidden
// *util.AuthError.
func MatchClaims(claims map[string]any, required map[string]string) error {
	for name, want := range required {
		if !claimHas(claims[name], want) {
			return util.NewForbiddenError(fmt.Sprintf("claim %q does not match", name))
		}
	}
	return nil
}

func claimHas(value any, want string) bool {
	switch v := value.(type) {
	case string:
		return v == want
	case []string:
		for _, s := range v {
			if s == want {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == want {
				return true
			}
		}
	case bool:
		return fmt.Sprint(v) == want
	case float64:
		return fmt.Sprint(v) == want
	}
	return false
}

package broker

import (
	"strings"

	"github.com/google/uuid"
)

// userNamespace is the fixed namespace for deriving canonical user ids.
// Changing it remaps every externally supplied identifier.
var userNamespace = uuid.MustParse("8f4a1c6e-02d7-45b9-a1e3-5b9c7d20f14a")

// NormalizeUserID maps an externally supplied user identifier of
// arbitrary shape onto one canonical UUID. Identifiers that already are
// UUIDs pass through in canonical lowercase form, so the function is
// idempotent; everything else is derived deterministically inside
// userNamespace. It is total and never fails.
func NormalizeUserID(rawID string) string {
	trimmed := strings.TrimSpace(rawID)
	if id, err := uuid.Parse(trimmed); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(userNamespace, []byte(trimmed)).String()
}

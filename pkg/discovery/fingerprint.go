package discovery

import (
	"encoding/hex"

	"github.com/proper-automation/proper-go/pkg/keys"
)

// FingerprintID renders a master secret fingerprint as the hex ID used in
// instance names and TXT records.
func FingerprintID(master keys.MasterSecret) string {
	return hex.EncodeToString(master.Fingerprint())
}

// ValidateID checks whether an ID string is a valid 64-bit fingerprint
// (16 hex chars).
func ValidateID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	return isHexString(id)
}

func isHexString(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

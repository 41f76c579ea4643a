package discovery

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/proper-automation/proper-go/pkg/keys"
)

// EncodeQR builds the QR payload carrying a master secret:
// PROPER:<version>:<master-hex>.
func EncodeQR(master keys.MasterSecret) (string, error) {
	if err := master.Validate(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d:%s", QRPrefix, QRVersion, hex.EncodeToString(master)), nil
}

// ParseQR parses a QR payload back into the master secret.
func ParseQR(payload string) (keys.MasterSecret, error) {
	body, ok := strings.CutPrefix(payload, QRPrefix)
	if !ok {
		return nil, ErrInvalidPrefix
	}

	verStr, masterHex, ok := strings.Cut(body, ":")
	if !ok {
		return nil, ErrInvalidQRCode
	}
	ver, err := strconv.ParseUint(verStr, 10, 8)
	if err != nil || ver != QRVersion {
		return nil, ErrInvalidVersion
	}

	raw, err := hex.DecodeString(masterHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQRCode, err)
	}
	master := keys.MasterSecret(raw)
	if err := master.Validate(); err != nil {
		return nil, err
	}
	return master, nil
}

package keys

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key material constants.
const (
	// MinMasterSecretSize is the minimum master secret length in bytes.
	MinMasterSecretSize = 16

	// NetworkIDSize is the derived network identifier length.
	NetworkIDSize = 16

	// EncryptionKeySize is the derived pre-shared encryption key length.
	EncryptionKeySize = 32

	// ThreadNetworkKeySize is the derived Thread network key length.
	ThreadNetworkKeySize = 16

	// wifiRawSize is the raw derivation length for Wifi credentials,
	// before rendering.
	wifiRawSize = 32
)

// hkdfSalt separates Proper derivations from any other use of the same
// secret. Fixed for version 1 of the protocol.
var hkdfSalt = []byte("prpr-derive-v1")

// Key derivation errors.
var (
	ErrMasterSecretTooShort = errors.New("master secret too short")
	ErrUnknownPurpose       = errors.New("unknown derivation purpose")
)

// MasterSecret is the opaque shared secret all key material derives from.
// It is owned by the provisioning channel and must never be transmitted
// after the initial provisioning handshake.
type MasterSecret []byte

// Validate checks the master secret. An invalid secret is a configuration
// error: a node must never send a frame with undefined key material.
func (m MasterSecret) Validate() error {
	if len(m) < MinMasterSecretSize {
		return fmt.Errorf("%w: %d bytes, need at least %d",
			ErrMasterSecretTooShort, len(m), MinMasterSecretSize)
	}
	return nil
}

// Fingerprint returns a short non-reversible digest of the master secret,
// suitable for detecting secret rotation in persisted state.
func (m MasterSecret) Fingerprint() []byte {
	sum := sha256.Sum256(m)
	return sum[:8]
}

// Purpose labels a derivation. Two distinct purposes never produce the same
// output for the same master secret.
type Purpose string

const (
	// PurposeNetworkID derives the network identifier.
	PurposeNetworkID Purpose = "network-id"

	// PurposeEncryptionKey derives the shared pre-encryption key used by
	// all nodes before approval.
	PurposeEncryptionKey Purpose = "pre-shared-encryption-key"

	// PurposeThreadNetworkKey derives the Thread network key.
	PurposeThreadNetworkKey Purpose = "thread-network-key"

	// PurposeWifiSSID derives the raw material for the Wifi SSID.
	PurposeWifiSSID Purpose = "wifi-ssid"

	// PurposeWifiPassword derives the raw material for the Wifi password.
	PurposeWifiPassword Purpose = "wifi-password"
)

// purposeSizes maps each purpose to its raw output length.
var purposeSizes = map[Purpose]int{
	PurposeNetworkID:        NetworkIDSize,
	PurposeEncryptionKey:    EncryptionKeySize,
	PurposeThreadNetworkKey: ThreadNetworkKeySize,
	PurposeWifiSSID:         wifiRawSize,
	PurposeWifiPassword:     wifiRawSize,
}

// Derive expands the master secret into the raw key material for one
// purpose. The output is deterministic and independent across purposes.
func Derive(master MasterSecret, purpose Purpose) ([]byte, error) {
	if err := master.Validate(); err != nil {
		return nil, err
	}
	size, ok := purposeSizes[purpose]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPurpose, purpose)
	}

	r := hkdf.New(sha256.New, master, hkdfSalt, []byte(purpose))
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to derive %q: %w", purpose, err)
	}
	return out, nil
}

// KeySet is the complete set of derived keys and identifiers.
type KeySet struct {
	// NetworkID identifies the Proper network.
	NetworkID []byte

	// EncryptionKey is the shared pre-encryption key (epoch 0 PSK).
	EncryptionKey []byte

	// ThreadNetworkKey keys the Thread join procedure.
	ThreadNetworkKey []byte

	// WifiSSID is the rendered, human-presentable network name.
	WifiSSID string

	// WifiPassword is the rendered Wifi password.
	WifiPassword string
}

// DeriveAll derives the complete key set from the master secret.
func DeriveAll(master MasterSecret) (*KeySet, error) {
	networkID, err := Derive(master, PurposeNetworkID)
	if err != nil {
		return nil, err
	}
	encKey, err := Derive(master, PurposeEncryptionKey)
	if err != nil {
		return nil, err
	}
	threadKey, err := Derive(master, PurposeThreadNetworkKey)
	if err != nil {
		return nil, err
	}
	ssidRaw, err := Derive(master, PurposeWifiSSID)
	if err != nil {
		return nil, err
	}
	passwordRaw, err := Derive(master, PurposeWifiPassword)
	if err != nil {
		return nil, err
	}

	return &KeySet{
		NetworkID:        networkID,
		EncryptionKey:    encKey,
		ThreadNetworkKey: threadKey,
		WifiSSID:         RenderSSID(ssidRaw),
		WifiPassword:     RenderPassword(passwordRaw),
	}, nil
}

package keys

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testMaster() MasterSecret {
	return MasterSecret(bytes.Repeat([]byte{0x42}, 32))
}

func TestMasterSecretValidate(t *testing.T) {
	if err := testMaster().Validate(); err != nil {
		t.Errorf("32-byte secret rejected: %v", err)
	}
	if err := MasterSecret(make([]byte, 16)).Validate(); err != nil {
		t.Errorf("16-byte secret rejected: %v", err)
	}

	err := MasterSecret(make([]byte, 15)).Validate()
	if !errors.Is(err, ErrMasterSecretTooShort) {
		t.Errorf("short secret error = %v, want ErrMasterSecretTooShort", err)
	}
	if err := MasterSecret(nil).Validate(); err == nil {
		t.Error("nil secret accepted")
	}
}

func TestDerive(t *testing.T) {
	master := testMaster()

	t.Run("Deterministic", func(t *testing.T) {
		a, err := Derive(master, PurposeEncryptionKey)
		if err != nil {
			t.Fatalf("Derive: %v", err)
		}
		b, err := Derive(master, PurposeEncryptionKey)
		if err != nil {
			t.Fatalf("Derive: %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Error("same master and purpose produced different keys")
		}
	})

	t.Run("PurposeIndependence", func(t *testing.T) {
		purposes := []Purpose{
			PurposeNetworkID, PurposeEncryptionKey, PurposeThreadNetworkKey,
			PurposeWifiSSID, PurposeWifiPassword,
		}
		seen := make(map[string]Purpose)
		for _, p := range purposes {
			out, err := Derive(master, p)
			if err != nil {
				t.Fatalf("Derive(%q): %v", p, err)
			}
			// Compare common prefixes; output lengths differ.
			prefix := string(out[:16])
			if prev, ok := seen[prefix]; ok {
				t.Errorf("purposes %q and %q derived the same material", prev, p)
			}
			seen[prefix] = p
		}
	})

	t.Run("MasterIndependence", func(t *testing.T) {
		other := MasterSecret(bytes.Repeat([]byte{0x43}, 32))
		a, _ := Derive(master, PurposeEncryptionKey)
		b, _ := Derive(other, PurposeEncryptionKey)
		if bytes.Equal(a, b) {
			t.Error("different masters derived the same key")
		}
	})

	t.Run("Sizes", func(t *testing.T) {
		for purpose, want := range purposeSizes {
			out, err := Derive(master, purpose)
			if err != nil {
				t.Fatalf("Derive(%q): %v", purpose, err)
			}
			if len(out) != want {
				t.Errorf("Derive(%q) length = %d, want %d", purpose, len(out), want)
			}
		}
	})

	t.Run("UnknownPurpose", func(t *testing.T) {
		if _, err := Derive(master, Purpose("nope")); !errors.Is(err, ErrUnknownPurpose) {
			t.Errorf("error = %v, want ErrUnknownPurpose", err)
		}
	})

	t.Run("ShortMaster", func(t *testing.T) {
		if _, err := Derive(MasterSecret("short"), PurposeEncryptionKey); !errors.Is(err, ErrMasterSecretTooShort) {
			t.Errorf("error = %v, want ErrMasterSecretTooShort", err)
		}
	})
}

func TestFingerprint(t *testing.T) {
	a := testMaster().Fingerprint()
	if len(a) != 8 {
		t.Fatalf("fingerprint length = %d, want 8", len(a))
	}
	b := MasterSecret(bytes.Repeat([]byte{0x43}, 32)).Fingerprint()
	if bytes.Equal(a, b) {
		t.Error("different masters share a fingerprint")
	}
	if !bytes.Equal(a, testMaster().Fingerprint()) {
		t.Error("fingerprint is not stable")
	}
}

func TestDeriveAll(t *testing.T) {
	ks, err := DeriveAll(testMaster())
	if err != nil {
		t.Fatalf("DeriveAll: %v", err)
	}

	if len(ks.NetworkID) != NetworkIDSize {
		t.Errorf("NetworkID length = %d", len(ks.NetworkID))
	}
	if len(ks.EncryptionKey) != EncryptionKeySize {
		t.Errorf("EncryptionKey length = %d", len(ks.EncryptionKey))
	}
	if len(ks.ThreadNetworkKey) != ThreadNetworkKeySize {
		t.Errorf("ThreadNetworkKey length = %d", len(ks.ThreadNetworkKey))
	}

	if !strings.HasPrefix(ks.WifiSSID, "prpr-") {
		t.Errorf("SSID = %q, want prpr- prefix", ks.WifiSSID)
	}
	if len(ks.WifiSSID) != len("prpr-")+8 {
		t.Errorf("SSID length = %d", len(ks.WifiSSID))
	}
	if len(ks.WifiPassword) != PasswordLength {
		t.Errorf("password length = %d", len(ks.WifiPassword))
	}
	for _, r := range ks.WifiPassword {
		if strings.ContainsRune("0O1lI", r) {
			t.Errorf("password %q contains ambiguous character %q", ks.WifiPassword, r)
		}
	}
}

func TestRenderStability(t *testing.T) {
	// Rendered credentials are shown to users and typed into devices; the
	// mapping from raw bytes must never drift between releases.
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i * 7)
	}
	if got, again := RenderSSID(raw), RenderSSID(raw); got != again {
		t.Errorf("RenderSSID unstable: %q vs %q", got, again)
	}
	if got, again := RenderPassword(raw), RenderPassword(raw); got != again {
		t.Errorf("RenderPassword unstable: %q vs %q", got, again)
	}
}

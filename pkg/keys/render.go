package keys

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Rendering constants.
const (
	// ssidSuffixLength is the number of characters after the "prpr-" prefix.
	ssidSuffixLength = 8

	// PasswordLength is the rendered Wifi password length.
	PasswordLength = 16
)

// ssidPrefix marks Proper networks so they are recognizable in a network
// list.
const ssidPrefix = "prpr-"

// passwordCharset avoids visually ambiguous characters (0/O, 1/l/I).
const passwordCharset = "abcdefghijkmnpqrstuvwxyzACDEFGHJKLMNPQRSTUVWXYZ23456789"

// ssidCharset is lowercase alphanumeric without ambiguous characters.
const ssidCharset = "abcdefghjkmnpqrstuvwxyz23456789"

// RenderSSID turns raw derived bytes into a human-presentable network name
// of the form "prpr-XXXXXXXX". This is a post-processing step, separate
// from the derivation itself.
func RenderSSID(raw []byte) string {
	return ssidPrefix + renderCharset(raw, ssidCharset, ssidSuffixLength)
}

// RenderPassword turns raw derived bytes into a Wifi password using a
// restricted, unambiguous character set.
func RenderPassword(raw []byte) string {
	return renderCharset(raw, passwordCharset, PasswordLength)
}

// renderCharset maps raw bytes onto a character set. Each output character
// consumes 16 bits of input to keep the modulo bias negligible.
func renderCharset(raw []byte, charset string, length int) string {
	if len(raw) < 2*length {
		panic(fmt.Sprintf("renderCharset: need %d raw bytes, got %d", 2*length, len(raw)))
	}
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		v := binary.BigEndian.Uint16(raw[2*i:])
		b.WriteByte(charset[int(v)%len(charset)])
	}
	return b.String()
}

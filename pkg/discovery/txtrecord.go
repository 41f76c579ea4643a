package discovery

import (
	"fmt"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeServerTXT creates TXT records for server discovery.
func EncodeServerTXT(info *ServerInfo) TXTRecordMap {
	txt := make(TXTRecordMap)

	txt[TXTKeyFingerprint] = info.Fingerprint
	txt[TXTKeyVersion] = info.Version

	if info.Name != "" {
		txt[TXTKeyName] = info.Name
	}

	return txt
}

// DecodeServerTXT parses TXT records from server discovery.
func DecodeServerTXT(txt TXTRecordMap) (*ServerInfo, error) {
	info := &ServerInfo{}

	fp, ok := txt[TXTKeyFingerprint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyFingerprint)
	}
	if !ValidateID(fp) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFingerprint, fp)
	}
	info.Fingerprint = fp

	ver, ok := txt[TXTKeyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVersion)
	}
	info.Version = ver

	info.Name = txt[TXTKeyName]
	return info, nil
}

// TXTRecordsToStrings converts a TXT record map to "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	strs := make([]string, 0, len(txt))
	for k, v := range txt {
		strs = append(strs, k+"="+v)
	}
	return strs
}

// StringsToTXTRecords parses "key=value" strings into a TXT record map.
// Malformed entries are skipped.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap, len(strs))
	for _, s := range strs {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			continue
		}
		txt[k] = v
	}
	return txt
}

// Package keys derives the Proper network key material from a master secret.
//
// A single master secret, delivered to the node over an external
// provisioning channel (QR code, Bluetooth, serial, light), is expanded into
// a fixed set of independent, purpose-labeled keys and identifiers:
// the network identifier, the shared pre-encryption key used before node
// approval, the Thread network key, and the Wifi SSID and password.
//
// Derivation is a deterministic one-way expansion (HKDF-SHA256) keyed by a
// purpose label. Distinct labels yield computationally independent outputs;
// repeated calls yield identical results. Human-presentable outputs (SSID,
// password) are produced by an explicit rendering step after the hash, not
// by the hash itself.
package keys

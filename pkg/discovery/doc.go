// Package discovery implements mDNS/DNS-SD discovery for Proper servers.
//
// A server advertises one service instance of type _prpr._tcp, as in
// hasrv._prpr._tcp.local. The TXT records carry the fingerprint of the
// network master secret, so a node holding the secret can pick its own
// server out of several Proper networks on the same link without
// connecting to any of them.
//
// Instance name format: hasrv-<fingerprint>. TXT records include:
// fp (master fingerprint, 16 hex chars), ver (protocol version), and
// optionally nn (server name).
//
// # QR payload
//
// The master secret reaches nodes out of band. The canonical carrier is
// a QR code with the payload PROPER:<version>:<master-hex>. EncodeQR and
// ParseQR convert between the payload string and the secret.
package discovery

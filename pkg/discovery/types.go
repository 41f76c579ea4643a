package discovery

import (
	"errors"
	"time"
)

// Service constants for mDNS.
const (
	// ServiceType is the DNS-SD service type advertised by Proper servers,
	// as in hasrv._prpr._tcp.local.
	ServiceType = "_prpr._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is the default Proper server port.
	DefaultPort = 47808

	// InstancePrefix prefixes every advertised instance name. The master
	// fingerprint is appended to keep instances apart on shared networks.
	InstancePrefix = "hasrv-"
)

// TXT record keys.
const (
	// TXTKeyFingerprint carries the master secret fingerprint (16 hex
	// chars). Required; nodes match on it.
	TXTKeyFingerprint = "fp"

	// TXTKeyVersion carries the protocol version, e.g. "1.0". Required.
	TXTKeyVersion = "ver"

	// TXTKeyName carries a user-facing server name. Optional.
	TXTKeyName = "nn"
)

// Timing constants.
const (
	// BrowseTimeout is the default timeout for mDNS browsing.
	BrowseTimeout = 10 * time.Second
)

// Limits.
const (
	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// IDLength is the length of a fingerprint ID (16 hex chars = 64 bits).
	IDLength = 16
)

// QR payload constants.
const (
	// QRPrefix is the prefix for Proper QR payloads.
	QRPrefix = "PROPER:"

	// QRVersion is the current QR payload version.
	QRVersion = 1
)

// Discovery errors.
var (
	ErrInvalidQRCode      = errors.New("invalid QR payload format")
	ErrInvalidPrefix      = errors.New("invalid QR payload prefix")
	ErrInvalidVersion     = errors.New("invalid QR payload version")
	ErrInvalidTXTRecord   = errors.New("invalid TXT record format")
	ErrMissingRequired    = errors.New("missing required field")
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
	ErrNotFound           = errors.New("service not found")
)

// ServerInfo describes the service a server advertises.
type ServerInfo struct {
	// Fingerprint is the master secret fingerprint ID (16 hex chars).
	Fingerprint string

	// Version is the protocol version string, e.g. "1.0".
	Version string

	// Name is an optional user-facing server name.
	Name string

	// Port is the server's listen port. Zero means DefaultPort.
	Port uint16
}

// ServerService is a Proper server found via mDNS.
type ServerService struct {
	InstanceName string
	Host         string
	Port         uint16
	Addresses    []string

	Fingerprint string
	Version     string
	Name        string
}

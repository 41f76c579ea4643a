// Package proper is the root of the Proper Home Automation protocol
// implementation. The protocol engine lives in pkg/: wire (frames and
// codecs), keys (derivation), security (key epochs), node and server
// (the two endpoints), transport (secured channels), persistence,
// storage, log (protocol traces), and discovery (mDNS + pairing
// payload). Reference binaries live under cmd/.
package proper

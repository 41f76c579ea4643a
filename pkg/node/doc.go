// Package node implements the Proper node side of the protocol: the
// registration state machine, polling with backoff, telemetry pushes and
// the key epoch transition after approval.
//
// A Node owns a single secured channel to its server. All server-initiated
// traffic arrives as answers to the node's own Polls; the node never has to
// keep the channel open to receive.
package node

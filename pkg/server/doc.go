// Package server implements the Proper server side of the protocol: per-node
// sessions, the outbox, and the registration/approval lifecycle.
//
// Nodes drive the communication and the server responds. Anything the server
// needs to deliver to a node (the approval result, commands, configuration)
// is queued in that node's outbox and handed out on the node's next Poll, in
// creation order. Transmission is not delivery: an entry leaves the outbox
// only when a later frame from the node acknowledges its message id, and
// unacknowledged entries are retransmitted on subsequent Polls.
//
// Each node's session is an independently locked unit. Handling for one
// node never blocks handling for another, while operations within a single
// session are serialized.
//
// Approval is asynchronous. Registration immediately answers with a Good
// delivery acknowledgement; the decision arrives later through Approve or
// Deny, which only queue an outbox message. The session state flips to
// Operating - and the key epoch advances - when the node acknowledges its
// RegisterAllowed message, never before.
package server

// Package security selects the pre-shared key material for a node's secured
// channel.
//
// Every node starts in epoch 0, secured by the network-wide shared
// pre-encryption key. Once the server approves the node and the node
// acknowledges its RegisterAllowed message, both sides promote the node to
// epoch 1, secured by the node-specific session key. The secured transport
// must be re-established on an epoch change; two epochs are never
// multiplexed over one open channel.
//
// Node and server each hold their own Selector and reach the same epoch
// decision from the same protocol event, without an epoch field on the wire.
package security

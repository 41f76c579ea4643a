// Package wire defines the Proper Home Automation message model and codecs.
//
// Every exchange is wrapped in a Frame carrying source and destination node
// identifiers, a message identifier, the pending flag and a list of
// acknowledged message identifiers. The typed payload is one of the messages
// defined in messages.go. Nodes drive the communication and servers respond:
// a server that needs to reach a node queues the message in its outbox and
// delivers it on the node's next Poll.
//
// Frames serialize to either MessagePack (compact, for datagram channels) or
// JSON (textual, for stream channels). Both codecs round-trip the same
// logical fields; the protocol core does not care which one carried a frame.
package wire

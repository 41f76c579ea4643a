// Package transport defines the secured channel the protocol core consumes.
//
// The production channels are external collaborators: DTLS-PSK datagram
// channels for low-power nodes (carrying MessagePack frames) and TLS-PSK
// stream channels for high-power nodes (carrying JSON frames). This package
// only specifies the interfaces those implementations satisfy, plus two
// in-repo implementations used for development:
//
//   - Pipe: an in-process channel pair for tests and simulations.
//   - TCP dialer/listener: a plain stream transport with length-prefixed
//     framing and a PSK-fingerprint hello. It carries no encryption and is
//     a development stand-in only; production deployments use TLS-PSK.
//
// The key material for a channel comes from the security package: shared
// pre-encryption key before approval, node session key after. A channel is
// bound to one key epoch for its whole lifetime; epoch changes require a
// new channel.
package transport

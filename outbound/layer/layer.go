// Package layer implements the two degenerate "layer" stages of the
// outbound chain: TLSClient (a uTLS client handshake) and Fragment (a TLS
// ClientHello byte-splitter). Both wrap whatever connection the rest of
// the chain produces rather than dialing anything themselves, so each
// only needs a Wrap method plus an HTTPPassthrough flag telling the
// adapter in package outbound whether HTTPProxy should tunnel through the
// layer or skip straight to the next hop.
package layer

// Package protocol defines the opaque boundary to the messaging network:
// the Conn and Factory interfaces, the closed union of events a connection
// can emit, and a loopback driver used for development and tests. The real
// wire protocol (cryptography, framing, negotiation) lives behind this
// boundary and is not implemented here.
package protocol

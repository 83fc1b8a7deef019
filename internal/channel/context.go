package channel

import "net"

// AnonymousPrincipal is the principal attached to unauthenticated
// connections.
const AnonymousPrincipal = "User:ANONYMOUS"

// MakePrincipal creates a principal string from a username. Per Kafka
// convention, principals are prefixed with "User:".
func MakePrincipal(username string) string {
	if username == "" {
		return AnonymousPrincipal
	}
	return "User:" + username
}

// SendFunc is the opaque transmission capability supplied by the network
// layer. It is invoked at most once per completed request, with the fully
// encoded, unframed response payload.
type SendFunc func(connectionID string, payload []byte) error

// RequestContext is the immutable per-connection-request identity created by
// the network layer. It is read-only after construction and owned by the
// Request that references it.
type RequestContext struct {
	// ConnectionID identifies the connection the request arrived on.
	ConnectionID string
	// ClientAddr is the peer address.
	ClientAddr string
	// Principal is the authenticated principal, AnonymousPrincipal when the
	// connection is unauthenticated.
	Principal string
	// ListenerName is the name of the listener that accepted the connection.
	ListenerName string
	// SecurityProtocol is the negotiated security protocol (PLAINTEXT, SSL,
	// SASL_PLAINTEXT, SASL_SSL).
	SecurityProtocol string
	// ClientID is the client-supplied name from the request header.
	ClientID string
	// FromPrivilegedListener marks connections accepted on the
	// controller-only forwarding listener. Only such connections may carry
	// envelope requests.
	FromPrivilegedListener bool
}

// ExtractHostFromAddr extracts the host portion from a net.Addr.
func ExtractHostFromAddr(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

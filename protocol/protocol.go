// Package protocol holds the connection-level constants shared by both ends of
// a peer link: the WebSocket sub-protocol token and the close codes the engine
// uses. None of these travel inside a message; they live in the WebSocket
// handshake and close frames.
//
//	client ── Upgrade, Sec-WebSocket-Protocol: protoo ──→ server
//	client ←── text frames, one JSON message per frame ──→ server
//	client ←── close frame {code, reason} ──────────────── server
package protocol

import "github.com/gorilla/websocket"

// Subprotocol must be offered by the client and selected by the server.
// Connections that lack it are refused before any message traffic.
const Subprotocol = "protoo"

// IdentityParam is the upgrade URL query parameter naming the connecting peer.
const IdentityParam = "peerId"

// Close codes.
const (
	CloseNormal          = websocket.CloseNormalClosure // 1000
	CloseShuttingDown    = websocket.CloseGoingAway     // 1001, server-initiated bulk close
	CloseAbnormal        = websocket.CloseAbnormalClosure
	CloseByRemotePolicy  = 4000 // the remote does not want us back
	CloseOnlineElsewhere = 4001 // the same identity connected again
)

// Reasons sent alongside the close codes above.
const (
	ReasonNormal          = "normal closure"
	ReasonShuttingDown    = "shutting down"
	ReasonByRemotePolicy  = "closed by remote policy"
	ReasonOnlineElsewhere = "online elsewhere"
)

// IsDefinitiveClose reports whether a close received from the remote forbids
// reconnecting. Anything else (network loss, server restart) is retried.
func IsDefinitiveClose(code int) bool {
	return code == CloseByRemotePolicy || code == CloseOnlineElsewhere
}

// HasSubprotocol reports whether offered contains the sub-protocol token.
func HasSubprotocol(offered []string) bool {
	for _, p := range offered {
		if p == Subprotocol {
			return true
		}
	}
	return false
}

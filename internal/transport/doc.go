// Package transport keeps one workspace document in sync with every other
// peer in the same room.
//
// Peers meet on a rendezvous relay topic derived from the workspace id (and
// from the room secret when one is set). The relay only forwards messages;
// every payload a peer publishes there is sealed with the workspace key when
// encryption is enabled, so the relay sees session ids and ciphertext only.
//
// For each discovered peer the session with the lexicographically smaller id
// initiates a link. With direct links enabled that is a WebRTC data channel
// negotiated with vanilla ICE over the relay; when negotiation fails or times
// out, or direct links are disabled, frames are carried through the relay
// instead. Both link kinds carry the same sealed CBOR frames:
//
//   - sync-step1 / sync-step2: state vector exchange and the resulting diff
//   - update: incremental document updates, re-broadcast to other links when
//     they contained operations this peer had not seen
//   - awareness: presence states
//   - ping / pong: keepalive and latency samples
//   - moderation: moderation notices, deduplicated by digest
//
// All provider state is owned by a single event loop goroutine. Relay
// readers, WebRTC callbacks, timers and API calls post closures into it.
package transport

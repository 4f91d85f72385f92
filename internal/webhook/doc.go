// Package webhook authenticates and classifies incoming push notifications.
//
// It holds the pure parts of the webhook pipeline:
//   - HMAC-SHA256 signature verification with constant-time comparison
//   - Payload parsing (repository name, ref, head commit)
//   - The event/branch filter that decides whether a delivery deploys
//
// Nothing here touches the network, the filesystem or the registry; the
// server package wires these pieces into the request state machine.
package webhook

// Package server implements the HTTP side of hookrelay.
//
// It provides:
//   - POST /webhook: the push-to-deploy pipeline (parse, resolve the
//     repository, verify the signature, filter, deploy, notify)
//   - GET /health and GET /status/{owner}/{name} for monitoring
//   - Per-IP rate limiting and structured request logging
//
// Deliveries for the same repository never deploy concurrently; a second
// delivery while one is running is rejected with 429. Deployments run on a
// context detached from the request, so a disconnecting caller cannot
// cancel them.
package server

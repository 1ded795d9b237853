// Package gateway wires the coven-dispatch server together.
//
// # Architecture
//
// The Gateway owns one agent.Registry, one dispatch.Dispatcher (with the
// transfer engine registered for upload, download and screenshot) and an
// optional audit store. It serves:
//
//   - The agent listener (raw TCP or a tailscale tsnet node). Every accepted
//     connection becomes an agent.Session that is registered immediately and
//     served until it disconnects.
//   - The operator HTTP API.
//   - A gRPC health service reporting whether the agent listener is accepting.
//
// # HTTP API
//
//	GET  /health                 liveness
//	GET  /health/ready           503 until an agent is READY
//	GET  /api/agents             connected sessions
//	POST /api/dispatch           run a command and wait for its Result
//	GET  /api/dispatches         audit log (?limit, ?verb, ?agent, ?since)
//	GET  /api/dispatches/{id}    one audit entry
//
// A dispatch request looks like:
//
//	{"verb": "shell", "args": ["whoami"], "targets": {"ids": ["A", "B"]}, "timeout": "10s"}
//
// Uploads carry the file in "attachment" (base64); the gateway never reads
// upload sources from its own disk on behalf of the API.
//
// Invalid selectors and commands are rejected with 400. Everything else,
// including per-agent failures and timeouts, is reported inside a 200 response.
//
// When auth.jwt_secret is configured every /api/ route requires an operator
// bearer token.
//
// # Shutdown
//
// Cancelling Run's context closes the accept socket and sends exit to every
// live agent. Sessions still open after that are disconnected, then the HTTP
// and gRPC servers drain and the store closes.
package gateway

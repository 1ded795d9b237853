// Package auth authenticates operators calling the HTTP API.
//
// Operators present an HS256 JWT in the Authorization header:
//
//	Authorization: Bearer <token>
//
// Tokens must carry the coven-dispatch issuer, an expiry, and the operator
// name in "sub". HTTPAuthMiddleware rejects anything else with 401 and a JSON
// error body; accepted requests carry the operator in their context:
//
//	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, logger)(api))
//
// Agents are not authenticated; the agent listener is expected to sit on a
// trusted network or tailnet.
package auth

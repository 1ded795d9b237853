// Package agent manages connections to remote agents.
//
// # Overview
//
// The agent package owns the lifecycle of every connected agent: the
// handshake, the read loop that routes incoming frames, and the bookkeeping
// that lets the dispatcher run exactly one command per agent at a time.
//
// # Session
//
// A Session wraps one accepted net.Conn:
//
//	s := agent.NewSession(agent.SessionParams{Conn: conn, Logger: logger})
//	go s.Serve(ctx, handshakeTimeout)
//
// Serve waits for the agent's hello, answers with a welcome carrying the
// assigned session id, and then reads frames until the connection ends.
//
// States:
//
//	CONNECTING -> READY -> BUSY -> READY -> ... -> DISCONNECTED
//
// DISCONNECTED is terminal and is reached on I/O errors, protocol errors,
// an explicit Close, or an inactivity sweep.
//
// # Command Correlation
//
// A command holds a session between Acquire and Release:
//
//  1. Acquire(ctx, id) takes the session's single work slot (BUSY)
//  2. Send writes the command's frames
//  3. NextFrame yields frames whose command id matches
//  4. Release(id) frees the slot (READY) and remembers id as finished
//
// Frames for any other command id are discarded by the read loop. Frames for
// a recently finished command are logged at debug level; anything else is
// logged as a warning.
//
// # Registry
//
// The Registry tracks every session and drops it when it disconnects:
//
//	reg := agent.NewRegistry(agent.RegistryConfig{InactivityTimeout: 5 * time.Minute})
//	go reg.RunSweeper(ctx, time.Minute)
//
// Live returns a copy of the READY and BUSY sessions; the dispatcher resolves
// target selectors against that snapshot once per command.
//
// # Thread Safety
//
// Session and Registry are safe for concurrent use. Writes to a connection
// are serialized by a per-session write mutex.
package agent

// Package dedupe remembers recently seen keys for a bounded time window.
//
// The dispatch engine uses it to remember command ids that have already been
// finalized, so a late frame from an agent can be recognised and dropped quietly
// instead of being reported as an unknown command.
package dedupe

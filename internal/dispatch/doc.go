// Package dispatch fans operator commands out to connected agents.
//
// A Command names a verb, its arguments and a Selector. Dispatch resolves the
// selector once against the registry's live sessions, runs the verb's Handler
// on every target concurrently, and returns a Result with one Outcome per
// target:
//
//	res, err := d.Dispatch(ctx, dispatch.Command{
//	    Verb:    dispatch.VerbShell,
//	    Args:    []string{"uname", "-a"},
//	    Targets: dispatch.All(),
//	}, 10*time.Second)
//
// Shell and exit are handled here. With an OutputDir configured, each shell
// fan-out is also saved as <dir>/<command-id>/output.csv. Upload, download and screenshot are
// registered by the transfer package.
package dispatch

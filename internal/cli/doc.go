// Package cli implements the vpsinit command-line interface.
//
// Commands are Cobra commands built by NewRootCmd around an App, which holds
// the output streams and the factory that opens SSH sessions. Execute wires
// the App to the real process; tests build their own App around a FakeHost.
//
//	vpsinit provision [--yes] [--json] [--report FILE]
//	vpsinit check [--json] [--report FILE]
//	vpsinit steps [--json]
//	vpsinit version [--short]
//
// # Flow
//
// provision and check share one path:
//
//  1. Load configuration (flags, environment, .env, defaults) and validate
//     it. Any missing or malformed value stops here, before a connection.
//  2. Load the local key pair and build the step plan.
//  3. Confirm (provision only, on a terminal, without --yes).
//  4. Hand the plan to a runner.Runner, observed by a ui.StepDisplay and a
//     report.Recorder.
//
// # Output
//
// Step lines go to stdout and logs to stderr. With --json, stdout carries a
// single JSONEnvelope whose data is the run report, and errors are not
// printed a second time.
package cli

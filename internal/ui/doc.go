// Package ui renders provisioning progress for the terminal.
//
// StepDisplay is a runner.Observer that prints one line per step:
//
//	✓ create-user          Create the admin user               0.4s
//	⊘ apt-refresh          Refresh the apt package index       already in place
//	○ firewall             Enable ufw                          pending
//	✗ harden-sshd          Disable root and password login     1.2s
//
// On a terminal the running step is shown with SymbolProgress and replaced
// in place when it finishes. Colors use ANSI codes through Lip Gloss; call
// SetColorEnabled(false) for --no-color.
package ui

// Package cli provides the interactive hwidauth command-line client.
//
// It wires configuration, the HTTP API client and a REPL. The machine's
// hardware identifier is sent with every login so the server can bind the
// account, and license keys activated from the REPL are bound to the same
// machine.
//
// The REPL is started via App.Root(ctx), which blocks until the user exits.
package cli

package cli

import "context"

// Root greets the user and runs the REPL on stdin until exit.
func (a *App) Root(ctx context.Context) {
	a.say("Welcome to hwidauth CLI (type 'help' for commands)")
	runREPL(ctx, a, a.getStatus, a.reader)
}

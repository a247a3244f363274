package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output.
var printlnFn = fmt.Println

// execIface is the command surface the REPL drives. App satisfies it.
type execIface interface {
	isLoggedIn() bool
	Register(ctx context.Context) error
	Login(ctx context.Context) error
	Verify(ctx context.Context) error
	Activate(ctx context.Context) error
	RequestReset(ctx context.Context) error
	CompleteReset(ctx context.Context) error
	Logout(ctx context.Context) error
}

// runREPL reads commands from reader until EOF, "exit" or "quit". Command
// handlers prompt on the same reader, so piped input stays in order.
//
//	Not logged in: help, register, login, reset-request, reset, exit
//	Logged in:     help, activate, verify, logout, exit
//
// Handlers report their own errors, so the loop ignores them.
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader) {
	for {
		printlnFn(fmt.Sprintf("hwidauth %s> ", statusFn()))
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd := parts[0]

		switch cmd {
		case "help":
			if a.isLoggedIn() {
				printlnFn("Available commands: activate, verify, logout, exit")
			} else {
				printlnFn("Available commands: register, login, reset-request, reset, exit")
			}

		case "register":
			_ = a.Register(ctx)

		case "login":
			_ = a.Login(ctx)

		case "reset-request":
			_ = a.RequestReset(ctx)

		case "reset":
			_ = a.CompleteReset(ctx)

		case "activate", "verify", "logout":
			if !a.isLoggedIn() {
				printlnFn("Please login first")
				continue
			}
			switch cmd {
			case "activate":
				_ = a.Activate(ctx)
			case "verify":
				_ = a.Verify(ctx)
			default:
				_ = a.Logout(ctx)
			}

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}

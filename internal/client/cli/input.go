package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var errEmptyInput = errors.New("value required")

// Prompt seams, replaced in tests.
var (
	readPassword = term.ReadPassword
	promptLine   = readLine
	promptSecret = readSecret
)

// readLine writes "label: " to w and returns the next line of r without
// its line ending. An unterminated last line is accepted.
func readLine(r *bufio.Reader, w io.Writer, label string) (string, error) {
	if _, err := fmt.Fprintf(w, "%s: ", label); err != nil {
		return "", err
	}
	line, err := r.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readSecret reads one line from the terminal with echo off. The caller
// owns the returned bytes and should wipe them.
func readSecret(w io.Writer, label string) ([]byte, error) {
	if _, err := fmt.Fprintf(w, "%s: ", label); err != nil {
		return nil, err
	}
	secret, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	return secret, err
}

// ask prompts for a value that must not be blank. Surrounding blanks are
// dropped.
func (a *App) ask(label string) (string, error) {
	v, err := promptLine(a.reader, a.out, label)
	if err != nil {
		return "", err
	}
	if v = strings.TrimSpace(v); v == "" {
		return "", fmt.Errorf("%s: %w", strings.ToLower(label), errEmptyInput)
	}
	return v, nil
}

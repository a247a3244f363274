package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/hwidauth/internal/client/client"
	"github.com/dmitrijs2005/hwidauth/internal/client/config"
	"github.com/dmitrijs2005/hwidauth/internal/client/machine"
)

// machineID is a test seam for machine.ID.
var machineID = machine.ID

type App struct {
	config   *config.Config
	api      client.Client
	hwid     string
	userName string
	reader   *bufio.Reader
	out      io.Writer
}

// NewApp builds the CLI. When c.Hwid is empty the identifier is derived
// from the machine.
func NewApp(c *config.Config) (*App, error) {
	hwid := c.Hwid
	if hwid == "" {
		id, err := machineID()
		if err != nil {
			return nil, fmt.Errorf("derive hwid: %w", err)
		}
		hwid = id
	}

	api := client.NewHTTPClient(c.ServerURL, c.RequestTimeout)
	return &App{
		config: c,
		api:    api,
		hwid:   hwid,
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}, nil
}

func (a *App) Run(ctx context.Context) {
	defer a.api.Logout()
	a.Root(ctx)
}

func (a *App) isLoggedIn() bool {
	return a.userName != ""
}

func (a *App) getStatus() string {
	if a.userName == "" {
		return "(offline)"
	}
	return fmt.Sprintf("(%s)", a.userName)
}

func (a *App) say(args ...any) {
	fmt.Fprintln(a.out, args...)
}

package cli

import (
	"context"
	"strings"
	"time"
)

// Activate binds a license key to the logged-in account and this machine.
func (a *App) Activate(ctx context.Context) error {
	code, err := a.ask("License key")
	if err != nil {
		return err
	}
	key, err := a.api.Activate(ctx, strings.ToUpper(code))
	if err != nil {
		a.say("Activation failed:", describe(err))
		return err
	}
	until := "lifetime"
	if key.ExpiresAt != nil {
		until = "until " + key.ExpiresAt.UTC().Format(time.RFC3339)
	}
	a.say("Activated", key.Product, "key", key.Code, until)
	return nil
}

// Package cli implements the operator command-line client for the sync
// server's control API.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/opsdesk/vaultsync/internal/common"
)

type App struct {
	client *Client
	reader *bufio.Reader
	out    io.Writer
}

func NewApp(client *Client, in io.Reader, out io.Writer) *App {
	return &App{client: client, reader: bufio.NewReader(in), out: out}
}

const usage = `usage:
  accounts list
  accounts add
  run <account-id>
  conflicts list <account-id>
  conflicts resolve <conflict-id> <use_local|use_remote>
  conflicts ignore <conflict-id>`

// Run dispatches one subcommand.
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(a.out, usage)
		return nil
	}

	switch args[0] {
	case "accounts":
		if len(args) < 2 {
			break
		}
		switch args[1] {
		case "list":
			return a.listAccounts(ctx)
		case "add":
			return a.addAccount(ctx)
		}
	case "run":
		if len(args) == 2 {
			return a.runAccount(ctx, args[1])
		}
	case "conflicts":
		if len(args) < 2 {
			break
		}
		switch {
		case args[1] == "list" && len(args) == 3:
			return a.listConflicts(ctx, args[2])
		case args[1] == "resolve" && len(args) == 4:
			return a.resolveConflict(ctx, args[2], args[3])
		case args[1] == "ignore" && len(args) == 3:
			return a.client.IgnoreConflict(ctx, args[2])
		}
	}

	fmt.Fprintln(a.out, usage)
	return fmt.Errorf("unknown command: %s", strings.Join(args, " "))
}

func (a *App) listAccounts(ctx context.Context) error {
	accounts, err := a.client.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Fprintln(a.out, "no accounts configured")
		return nil
	}
	for _, acc := range accounts {
		fmt.Fprintf(a.out, "%s  %s  %s  direction=%s policy=%s status=%s\n",
			acc.ID, acc.Name, acc.ServerURL, acc.Direction, acc.ConflictPolicy, acc.LastSyncStatus)
	}
	return nil
}

// addAccount interactively collects the account settings. The client secret
// is read without terminal echo and wiped after the request is sent.
func (a *App) addAccount(ctx context.Context) error {
	name, err := GetSimpleText(a.reader, "Account name", a.out)
	if err != nil {
		return err
	}
	serverURL, err := GetSimpleText(a.reader, "Server URL (https://...)", a.out)
	if err != nil {
		return err
	}
	orgID, err := GetSimpleText(a.reader, "Organization ID (optional)", a.out)
	if err != nil {
		return err
	}
	clientID, err := GetSimpleText(a.reader, "API client ID", a.out)
	if err != nil {
		return err
	}
	secret, err := GetSecret("API client secret", a.out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(secret)

	direction, err := GetSimpleText(a.reader, "Direction (pull/push/bidirectional, empty for bidirectional)", a.out)
	if err != nil {
		return err
	}
	policy, err := GetSimpleText(a.reader, "Conflict policy (manual/local_wins/remote_wins/newer_wins, empty for manual)", a.out)
	if err != nil {
		return err
	}
	intervalText, err := GetSimpleText(a.reader, "Sync interval, hours (0 disables scheduling)", a.out)
	if err != nil {
		return err
	}
	interval := 0
	if intervalText != "" {
		interval, err = strconv.Atoi(intervalText)
		if err != nil {
			return fmt.Errorf("invalid interval: %w", err)
		}
	}

	acc, err := a.client.CreateAccount(ctx, AccountDraft{
		Name:              name,
		ServerURL:         serverURL,
		OrganizationID:    orgID,
		ClientID:          clientID,
		ClientSecret:      string(secret),
		Direction:         direction,
		ConflictPolicy:    policy,
		SyncIntervalHours: interval,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "account created: %s\n", acc.ID)
	return nil
}

func (a *App) runAccount(ctx context.Context, accountID string) error {
	run, err := a.client.RunAccount(ctx, accountID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "run %s: %s (processed=%d succeeded=%d failed=%d skipped=%d conflicts=%d)\n",
		run.ID, run.State, run.ItemsProcessed, run.Succeeded, run.Failed, run.Skipped, run.Conflicts)
	if run.Error != "" {
		fmt.Fprintf(a.out, "error: %s\n", run.Error)
	}
	return nil
}

func (a *App) listConflicts(ctx context.Context, accountID string) error {
	conflicts, err := a.client.ListConflicts(ctx, accountID)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		fmt.Fprintln(a.out, "no pending conflicts")
		return nil
	}
	for _, c := range conflicts {
		fmt.Fprintf(a.out, "%s  item=%s external=%s  %s  local=%s remote=%s\n",
			c.ID, c.LocalItemID, c.ExternalID, c.Classification,
			strings.Join(c.LocalChangedFields, ","), strings.Join(c.RemoteChangedFields, ","))
	}
	return nil
}

func (a *App) resolveConflict(ctx context.Context, conflictID, choice string) error {
	c, err := a.client.ResolveConflict(ctx, conflictID, choice)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "conflict %s: %s (%s)\n", c.ID, c.Status, c.Resolution)
	return nil
}

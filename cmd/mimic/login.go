// ABOUTME: The login command: password login against a homeserver, saved as a credential file.
// ABOUTME: The saved name becomes the agent id; the configured monitor name makes it the monitor.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/2389/mimic/internal/config"
	"github.com/2389/mimic/internal/credential"
	"github.com/2389/mimic/internal/transport/matrix"
)

func runLogin(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "name", "homeserver", "user", "password-file")
	if err != nil {
		return err
	}
	name, homeserver, user := flags["name"], flags["homeserver"], flags["user"]
	if name == "" || homeserver == "" || user == "" {
		return fmt.Errorf("usage: mimic login --name NAME --homeserver URL --user USER [--password-file PATH]")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	creds, err := credential.NewFileStore(cfg.Sessions.Dir, cfg.Sessions.MonitorName)
	if err != nil {
		return fmt.Errorf("opening sessions: %w", err)
	}

	password, err := readPassword(flags["password-file"])
	if err != nil {
		return err
	}

	cred, err := matrix.Login(ctx, homeserver, user, password)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	if err := creds.Save(name, cred); err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Saved credential %s for %s\n", name, cred.UserID)
	if name == creds.MonitorName() {
		fmt.Println("  This account is the monitor.")
	}
	return nil
}

// readPassword reads from path, or prompts on the terminal when path is empty or "-".
func readPassword(path string) (string, error) {
	if path != "" && path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal available for password prompt (use --password-file)")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(password), nil
}

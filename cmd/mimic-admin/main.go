// ABOUTME: Admin CLI for a running mimic service
// ABOUTME: Calls the JSON control API with a bearer token and prints tables

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
)

const banner = `
           _           _                   _           _
 _ __ ___ (_)_ __ ___ (_) ___     __ _  __| |_ __ ___ (_)_ __
| '_ ' _ \| | '_ ' _ \| |/ __|___/ _' |/ _' | '_ ' _ \| | '_ \
| | | | | | | | | | | | | (_|___| (_| | (_| | | | | | | | | | |
|_| |_| |_|_|_| |_| |_|_|\___|   \__,_|\__,_|_| |_| |_|_|_| |_|
`

// requestTimeout bounds one control call. Bulk logins can take a while.
const requestTimeout = 5 * time.Minute

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	c := newClient(getEnv("MIMIC_URL", "http://127.0.0.1:8090"), getToken())
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "health":
		err = cmdHealth(ctx, c)
	case "status", "agents":
		err = cmdStatus(ctx, c)
	case "login":
		err = cmdReport(ctx, c, "/api/agents/login", "Login")
	case "logout":
		err = cmdReport(ctx, c, "/api/agents/logout", "Logout")
	case "join":
		err = cmdReport(ctx, c, "/api/agents/join", "Join target")
	case "clear-avatars":
		err = cmdClearAvatars(ctx, c)
	case "monitor":
		err = cmdMonitor(ctx, c, args)
	case "reload":
		err = cmdReload(ctx, c)
	case "assignments":
		err = cmdAssignments(ctx, c, args)
	case "logs":
		err = cmdLogs(ctx, c, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: mimic-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  health                  Check the service is up")
	fmt.Println("  status                  Reload credentials and list every agent")
	fmt.Println("  login                   Log in every logged-out agent")
	fmt.Println("  logout                  Log out every cloning agent")
	fmt.Println("  join                    Make every cloning agent join the target room")
	fmt.Println("  clear-avatars           Remove every cloning agent's avatar")
	fmt.Println("  monitor login           Log the monitor in")
	fmt.Println("  monitor start           Start monitoring the source rooms")
	fmt.Println("  monitor stop            Stop monitoring and log the monitor out")
	fmt.Println("  reload                  Reload blacklist, replacements and rooms")
	fmt.Println("  assignments [N]         Show the last N identity assignments (default 50)")
	fmt.Println("  logs [N]                Show the last N log lines (default 100)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  MIMIC_URL               Control API URL (default: http://127.0.0.1:8090)")
	fmt.Println("  MIMIC_TOKEN             JWT token (default: read from ~/.config/mimic/token)")
	fmt.Println()
}

func cmdMonitor(ctx context.Context, c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: monitor login|start|stop")
	}
	switch args[0] {
	case "login":
		return cmdReport(ctx, c, "/api/monitor/login", "Monitor login")
	case "start":
		var resp statusResponse
		if err := c.post(ctx, "/api/monitor/start", &resp); err != nil {
			return err
		}
		color.New(color.FgGreen).Println("✓ Monitoring started")
		return nil
	case "stop":
		return cmdReport(ctx, c, "/api/monitor/stop", "Monitor stop")
	default:
		return fmt.Errorf("unknown monitor subcommand: %s (use login, start, stop)", args[0])
	}
}

func cmdReload(ctx context.Context, c *client) error {
	var resp statusResponse
	if err := c.post(ctx, "/api/config/reload", &resp); err != nil {
		return err
	}
	color.New(color.FgGreen).Println("✓ Configuration reloaded")
	return nil
}

func cmdClearAvatars(ctx context.Context, c *client) error {
	var resp struct {
		Cleared int `json:"cleared"`
	}
	if err := c.post(ctx, "/api/agents/avatars/clear", &resp); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("✓ Cleared %d avatar(s)\n", resp.Cleared)
	return nil
}

func countArg(args []string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid count %q", args[0])
	}
	return n, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getToken returns the JWT token from MIMIC_TOKEN env var or the token file
// written by `mimic token`.
func getToken() string {
	if token := os.Getenv("MIMIC_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "mimic", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ABOUTME: Entry point for mimic, the source-to-target room cloning service
// ABOUTME: Dispatches serve, init, token, login and version subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _           _
 _ __ ___ (_)_ __ ___ (_) ___
| '_ ' _ \| | '_ ' _ \| |/ __|
| | | | | | | | | | | | | (__
|_| |_| |_|_|_| |_| |_|_|\___|
`

// getConfigPath returns the path to the config file.
// Priority: MIMIC_CONFIG env var > XDG_CONFIG_HOME/mimic/config.yaml > ~/.config/mimic/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MIMIC_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mimic", "config.yaml")
}

// getDataPath returns the path to the mimic data directory.
// Priority: XDG_DATA_HOME/mimic > ~/.local/share/mimic
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "mimic")
}

// getTokenPath is where `mimic token` saves the control API token.
func getTokenPath() string {
	return filepath.Join(filepath.Dir(getConfigPath()), "token")
}

func printUsage() {
	fmt.Println("Usage: mimic <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the service and control API")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  token [--operator NAME] [--ttl DURATION]")
	fmt.Println("                                 Mint a control API token")
	fmt.Println("  login --name NAME --homeserver URL --user USER [--password-file PATH]")
	fmt.Println("                                 Log an account in and save its credential")
	fmt.Println("  version                        Print the version")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "login":
		err = runLogin(ctx, os.Args[2:])
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags reads "--key value" and "--key=value" pairs. Only names listed
// in allowed are accepted.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	known := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		known[name] = true
	}

	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		out[name] = value
	}
	return out, nil
}

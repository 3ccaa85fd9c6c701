// ABOUTME: The serve command: wires store, credentials, Matrix dialer, service and control API.
// ABOUTME: Runs until SIGINT/SIGTERM, then shuts everything down in order.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/mimic/internal/auth"
	"github.com/2389/mimic/internal/config"
	"github.com/2389/mimic/internal/control"
	"github.com/2389/mimic/internal/credential"
	"github.com/2389/mimic/internal/logging"
	"github.com/2389/mimic/internal/service"
	"github.com/2389/mimic/internal/store"
	"github.com/2389/mimic/internal/transport/matrix"
)

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging)
	defer logger.Close()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Sessions:  %s\n", cfg.Sessions.Dir)
	green.Print("    ▶ ")
	fmt.Printf("Target:    %s\n", cfg.Rooms.Target)
	green.Print("    ▶ ")
	fmt.Printf("Queue:     %s\n", cfg.Queue.Backend)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! control API has no authentication")
	}
	fmt.Println()

	for _, dir := range []string{cfg.Sessions.Dir, cfg.Forward.MediaDir, cfg.Forward.ProfileDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	creds, err := credential.NewFileStore(cfg.Sessions.Dir, cfg.Sessions.MonitorName)
	if err != nil {
		return fmt.Errorf("opening sessions: %w", err)
	}

	dialer, err := matrix.NewDialer(creds, matrix.DialerConfig{
		Proxy:            cfg.Transport.Proxy,
		RequestTimeout:   cfg.Transport.RequestTimeout,
		StatusDecoration: cfg.Transport.StatusDecoration,
	}, logger.Logger)
	if err != nil {
		return fmt.Errorf("creating matrix dialer: %w", err)
	}

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	svc, err := service.New(service.Options{
		Config:      cfg,
		ConfigPath:  configPath,
		Credentials: creds,
		Dialer:      dialer,
		Store:       db,
		Logger:      logger.Logger,
	})
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	defer svc.Close()

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	}
	srv := control.New(cfg, svc, verifier, logger.Logger)

	logger.Info("starting mimic",
		"config", configPath,
		"sources", len(cfg.Rooms.Sources),
		"target", cfg.Rooms.Target,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		infos, err := svc.LoadAgents(gctx)
		if err != nil {
			if gctx.Err() == nil {
				logger.Error("loading agents", "error", err)
			}
			return nil
		}
		logger.Info("agents loaded", "count", len(infos))
		return nil
	})
	return g.Wait()
}

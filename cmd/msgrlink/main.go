package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"msgrlink/cmd/internal/app"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "msgrlink:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("msgrlink", pflag.ContinueOnError)
	envFiles := fs.StringSlice("env-file", nil, "dotenv files to load before reading MSGRLINK_* variables (default ./.env)")
	addr := fs.String("addr", "", "health/metrics listen address (MSGRLINK_HTTP_ADDR)")
	logLevel := fs.String("log-level", "", "debug, info, warn or error (MSGRLINK_LOG_LEVEL)")
	logFormat := fs.String("log-format", "", "json, text or pretty (MSGRLINK_LOG_FORMAT)")
	sessionPath := fs.String("session", "", "session file path (MSGRLINK_SESSION_PATH)")
	appState := fs.String("appstate", "", "cookie JSON to import on start (MSGRLINK_APPSTATE_PATH)")
	ultraSafe := fs.Bool("ultra-safe", false, "stricter pacing and stealth limits (MSGRLINK_ULTRA_SAFE)")
	checkOnly := fs.Bool("check-config", false, "validate configuration and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := app.LoadConfig(*envFiles...)
	if err != nil {
		return err
	}

	// Flags win over the environment only when given.
	if fs.Changed("addr") {
		cfg.HTTPAddr = *addr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = *logFormat
	}
	if fs.Changed("session") {
		cfg.SessionPath = *sessionPath
	}
	if fs.Changed("appstate") {
		cfg.AppStatePath = *appState
	}
	if fs.Changed("ultra-safe") {
		cfg.UltraSafe = *ultraSafe
	}

	if *checkOnly {
		if err := app.ValidateSecurityConfig(cfg); err != nil {
			return err
		}
		fmt.Println("config ok")
		return nil
	}
	return app.Run(cfg)
}

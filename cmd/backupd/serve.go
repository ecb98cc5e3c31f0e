package main

import (
	"context"
	"fmt"
	"os"

	"github.com/loykin/backupd"
)

// Serve runs the server until ctx is cancelled. A config file is optional;
// environment variables and defaults fill the rest.
func (c command) Serve(ctx context.Context, configPath string, f ServeFlags, args []string) error {
	conf, err := backupd.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if f.Daemonize && !isDaemonChild() {
		pid, err := daemonize(args, f.PidFile, f.LogFile)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "Daemon started with PID %d\n", pid)
		return nil
	}

	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	svc, err := backupd.New(conf)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()
	return svc.Serve(ctx)
}

package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags select and authenticate against a running server.
type APIFlags struct {
	URL      string
	Timeout  time.Duration
	Token    string
	Username string
	Password string
	Insecure bool
	CACert   string
}

// Flag structs decouple cobra from logic for testing.

type BackupFlags struct {
	DryRun bool
	Keep   int
	Env    []string // KEY=VALUE
	Unset  []string // KEY
	Follow bool
}

type RestoreFlags struct {
	DBOnly    bool
	FilesOnly bool
	DryRun    bool
	Follow    bool
}

type ListFlags struct {
	JSON bool
}

type DownloadFlags struct {
	Output string // file path, directory, or "-" for stdout
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

type TokenFlags struct {
	Subject string
	TTL     time.Duration
	Save    bool
}

type HashFlags struct {
	Password string
	Cost     int
}

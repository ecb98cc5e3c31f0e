package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loykin/backupd"
	"github.com/loykin/backupd/internal/auth"
	"github.com/loykin/backupd/pkg/client"
)

// exitError carries a job's non-zero exit status out of main.
type exitError struct {
	code   int
	status string
}

func (e *exitError) Error() string { return "job exited with " + e.status }

// command holds the I/O the subcommands write to.
type command struct {
	out      io.Writer
	errOut   io.Writer
	in       io.Reader
	sessions *SessionManager
}

func newCommand() command {
	return command{out: os.Stdout, errOut: os.Stderr, in: os.Stdin, sessions: NewSessionManager("")}
}

// apiClient builds a client from the API flags. Without an explicit token or
// basic credentials, a saved session for the same server is used.
func (c command) apiClient(f APIFlags) (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  f.URL,
		Timeout:  f.Timeout,
		Insecure: f.Insecure,
		Token:    f.Token,
		Username: f.Username,
		Password: f.Password,
	}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: f.CACert}
	}
	if cfg.Token == "" && cfg.Username == "" && c.sessions != nil {
		s, err := c.sessions.LoadSession()
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if s != nil && strings.TrimRight(s.ServerURL, "/") == strings.TrimRight(f.URL, "/") {
			cfg.Token = s.Token
		}
	}
	return client.New(cfg)
}

func (c command) Backup(ctx context.Context, cl *client.Client, f BackupFlags) error {
	env, err := parseEnvFlags(f.Env, f.Unset)
	if err != nil {
		return err
	}
	req := client.BackupRequest{DryRun: f.DryRun, ExtraEnv: env}
	if f.Keep >= 0 {
		keep := f.Keep
		req.Keep = &keep
	}
	id, err := cl.RunBackup(ctx, req)
	if err != nil {
		return err
	}
	return c.started(ctx, cl, id, f.Follow)
}

func (c command) Restore(ctx context.Context, cl *client.Client, name string, f RestoreFlags) error {
	if f.DBOnly && f.FilesOnly {
		return errors.New("--db-only and --files-only are mutually exclusive")
	}
	id, err := cl.Restore(ctx, client.RestoreRequest{
		BackupName: name,
		DBOnly:     f.DBOnly,
		FilesOnly:  f.FilesOnly,
		DryRun:     f.DryRun,
	})
	if err != nil {
		return err
	}
	return c.started(ctx, cl, id, f.Follow)
}

// started reports a new job id, following its output when asked.
func (c command) started(ctx context.Context, cl *client.Client, id string, follow bool) error {
	if !follow {
		_, err := fmt.Fprintln(c.out, id)
		return err
	}
	_, _ = fmt.Fprintf(c.errOut, "job %s\n", id)
	return c.Stream(ctx, cl, id)
}

// Stream copies stdout lines to out and stderr lines to errOut until the job
// ends. A non-zero exit becomes an *exitError.
func (c command) Stream(ctx context.Context, cl *client.Client, jobID string) error {
	end, err := cl.Stream(ctx, jobID, func(ev client.Event) error {
		switch ev.Type {
		case client.EventData:
			_, err := fmt.Fprintln(c.out, ev.Data)
			return err
		case client.EventErr:
			_, err := fmt.Fprintln(c.errOut, ev.Data)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return endStatus(jobID, end.Data)
}

func endStatus(jobID, status string) error {
	if status == "0" {
		return nil
	}
	code, err := strconv.Atoi(status)
	if err != nil {
		if status == "No such job" {
			return fmt.Errorf("job %s: %s", jobID, status)
		}
		// terminated by a signal
		return &exitError{code: 1, status: status}
	}
	if code <= 0 || code > 255 {
		code = 1
	}
	return &exitError{code: code, status: status}
}

func (c command) List(ctx context.Context, cl *client.Client, f ListFlags) error {
	backups, err := cl.ListBackups(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(c.out, backups)
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tTYPE\tSIZE\tDATE\tAGE")
	for _, b := range backups {
		size := b.SizeFormatted
		if size == "" {
			size = humanize.IBytes(uint64(max(b.Size, 0)))
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.Name, b.Type, size, b.Date.Format(time.DateTime), formatAge(b.Date))
	}
	return tw.Flush()
}

func (c command) Jobs(ctx context.Context, cl *client.Client, f ListFlags) error {
	jobs, err := cl.Jobs(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(c.out, jobs)
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tKIND\tPID\tSTARTED\tSUBSCRIBERS\tCPU\tRSS")
	for _, j := range jobs {
		cpu, rss := "-", "-"
		if j.Sample != nil {
			cpu = fmt.Sprintf("%.1f%%", j.Sample.CPUPercent)
			rss = humanize.IBytes(j.Sample.MemoryRSS)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\t%s\n", j.ID, j.Kind, j.PID, formatAge(j.StartedAt), j.Subscribers, cpu, rss)
	}
	return tw.Flush()
}

// Download saves an artifact. Output "-" writes to stdout; an existing
// directory or an empty output uses the server-suggested filename.
func (c command) Download(ctx context.Context, cl *client.Client, name string, f DownloadFlags) error {
	if f.Output == "-" {
		_, _, err := cl.Download(ctx, name, c.out)
		return err
	}

	dir, target := ".", ""
	if f.Output != "" {
		if st, err := os.Stat(f.Output); err == nil && st.IsDir() {
			dir = f.Output
		} else {
			dir, target = filepath.Dir(f.Output), f.Output
		}
	}
	tmp, err := os.CreateTemp(dir, ".backupd-download-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	filename, n, err := cl.Download(ctx, name, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if target == "" {
		target = filepath.Join(dir, filepath.Base(filename))
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.errOut, "saved %s (%s)\n", target, humanize.IBytes(uint64(n)))
	return nil
}

func (c command) Delete(ctx context.Context, cl *client.Client, name string) error {
	if err := cl.DeleteBackup(ctx, name); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.out, "deleted %s\n", name)
	return err
}

// Token issues a bearer token with the configured secret. With save, the
// token becomes the session used for serverURL.
func (c command) Token(configPath, serverURL string, f TokenFlags) error {
	conf, err := backupd.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	svc, err := auth.NewService(conf.Auth)
	if err != nil {
		return err
	}
	tok, err := svc.IssueToken(f.Subject, f.TTL)
	if err != nil {
		return err
	}
	if f.Save {
		if err := c.sessions.SaveSession(&Session{
			Token:     tok.Value,
			Subject:   f.Subject,
			ExpiresAt: tok.ExpiresAt,
			ServerURL: serverURL,
		}); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		_, _ = fmt.Fprintf(c.errOut, "session saved to %s (expires %s)\n", c.sessions.GetSessionPath(), tok.ExpiresAt.Format(time.RFC3339))
	}
	_, err = fmt.Fprintln(c.out, tok.Value)
	return err
}

// HashPassword prints a bcrypt hash for the users section of the config.
// Without a password the first line of stdin is hashed.
func (c command) HashPassword(f HashFlags) error {
	password := f.Password
	if password == "" {
		line, err := bufio.NewReader(c.in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		password = strings.TrimRight(line, "\r\n")
	}
	hash, err := auth.HashPassword(password, f.Cost)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, hash)
	return err
}

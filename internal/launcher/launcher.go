package launcher

import (
	"fmt"
	"io"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/loykin/backupd/internal/env"
)

// Kind identifies the external operation a process performs.
type Kind string

const (
	KindBackup  Kind = "backup"
	KindRestore Kind = "restore"
)

// Mode selects how the scripts are executed.
type Mode string

const (
	ModeDirect        Mode = "direct"
	ModeContainerized Mode = "containerized"
)

// confirmation is written to the restore script's stdin, which prompts before
// overwriting the site.
const confirmation = "y\n"

// ParseMode accepts the canonical mode names and the legacy aliases used by
// existing deployments ("local" and "docker-exec").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct", "local":
		return ModeDirect, nil
	case "", "containerized", "docker-exec", "docker":
		return ModeContainerized, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q (want direct or containerized)", s)
	}
}

// Config describes where the scripts live and how they are invoked.
type Config struct {
	Mode          Mode
	Container     string   // container name for ModeContainerized
	DockerBin     string   // defaults to "docker"
	ScriptsDir    string   // directory holding the scripts (inside the container when containerized)
	BackupScript  string   // defaults to "backup.sh"
	RestoreScript string   // defaults to "restore.sh"
	Shell         string   // defaults to "bash"
	ShellArgs     []string // defaults to ["-lc"]
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeContainerized
	}
	if c.DockerBin == "" {
		c.DockerBin = "docker"
	}
	if c.BackupScript == "" {
		c.BackupScript = "backup.sh"
	}
	if c.RestoreScript == "" {
		c.RestoreScript = "restore.sh"
	}
	if c.Shell == "" {
		c.Shell = "bash"
	}
	if len(c.ShellArgs) == 0 {
		c.ShellArgs = []string{"-lc"}
	}
	return c
}

// Request is one launch: the operation, its script arguments and the
// environment overlay handed to the script.
type Request struct {
	Kind Kind
	Args []string
	Env  env.Overlay
}

// RestoreOptions are the flags understood by the restore script.
type RestoreOptions struct {
	Name      string
	DBOnly    bool
	FilesOnly bool
	DryRun    bool
}

// Args renders the restore flags followed by the backup name.
func (o RestoreOptions) Args() []string {
	var args []string
	if o.DBOnly {
		args = append(args, "--db-only")
	}
	if o.FilesOnly {
		args = append(args, "--files-only")
	}
	if o.DryRun {
		args = append(args, "--dry-run")
	}
	return append(args, o.Name)
}

// Launcher starts backup and restore scripts.
type Launcher struct {
	cfg  Config
	base *env.Env
}

func New(cfg Config) *Launcher {
	return &Launcher{cfg: cfg.withDefaults(), base: env.New()}
}

// Mode reports the configured execution mode.
func (l *Launcher) Mode() Mode { return l.cfg.Mode }

// SetBaseEnv replaces the ambient environment the overlay is merged onto.
// Without it the process environment at New is used.
func (l *Launcher) SetBaseEnv(kvs []string) { l.base.FromPairs(kvs) }

func (l *Launcher) script(k Kind) (string, error) {
	switch k {
	case KindBackup:
		return path.Join(l.cfg.ScriptsDir, l.cfg.BackupScript), nil
	case KindRestore:
		return path.Join(l.cfg.ScriptsDir, l.cfg.RestoreScript), nil
	default:
		return "", fmt.Errorf("unknown operation kind %q", k)
	}
}

// Command builds the *exec.Cmd for req without starting it.
//
// Direct:        <shell> -lc '<script> <args...>'
// Containerized: docker exec -i -e NAME... <container> <shell> -lc '<script> <args...>'
//
// In containerized mode the overlay is set on the docker client process and
// forwarded by name only, so values do not show up in the process list.
// Unset variables are removed inside the container with env -u.
func (l *Launcher) Command(req Request) (*exec.Cmd, error) {
	script, err := l.script(req.Kind)
	if err != nil {
		return nil, err
	}
	line := shellquote.Join(append([]string{script}, req.Args...)...)
	inner := append(append([]string{l.cfg.Shell}, l.cfg.ShellArgs...), line)

	var cmd *exec.Cmd
	switch l.cfg.Mode {
	case ModeDirect:
		// #nosec G204 -- script path comes from static configuration, arguments are quoted
		cmd = exec.Command(inner[0], inner[1:]...)
	case ModeContainerized:
		if l.cfg.Container == "" {
			return nil, fmt.Errorf("containerized mode requires a container name")
		}
		args := []string{"exec", "-i"}
		for _, name := range req.Env.Names() {
			args = append(args, "-e", name)
		}
		args = append(args, l.cfg.Container)
		if unsets := req.Env.Unsets(); len(unsets) > 0 {
			args = append(args, "env")
			for _, name := range unsets {
				args = append(args, "-u", name)
			}
		}
		args = append(args, inner...)
		// #nosec G204
		cmd = exec.Command(l.cfg.DockerBin, args...)
	default:
		return nil, fmt.Errorf("unknown execution mode %q", l.cfg.Mode)
	}
	cmd.Env = l.base.Merge(req.Env)
	configureSysProcAttr(cmd)
	return cmd, nil
}

// Start builds and starts the command for req. The returned Process has its
// stdout and stderr wired to independent pipes that the caller must drain.
// Any failure before the process is running is reported as a *LaunchError.
func (l *Launcher) Start(req Request) (*Process, error) {
	cmd, err := l.Command(req)
	if err != nil {
		return nil, &LaunchError{Kind: req.Kind, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Kind: req.Kind, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{Kind: req.Kind, Err: err}
	}
	var stdin io.WriteCloser
	if req.Kind == KindRestore {
		if stdin, err = cmd.StdinPipe(); err != nil {
			return nil, &LaunchError{Kind: req.Kind, Err: err}
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Kind: req.Kind, Err: err}
	}
	if stdin != nil {
		// A script that exits before reading gets EPIPE here; its exit status
		// still reaches observers, so the write error is not a launch failure.
		_, _ = io.WriteString(stdin, confirmation)
		_ = stdin.Close()
	}
	return &Process{
		kind:      req.Kind,
		cmd:       cmd,
		stdout:    stdout,
		stderr:    stderr,
		startedAt: time.Now(),
	}, nil
}

// Backup starts the backup script with the given environment overlay.
func (l *Launcher) Backup(overlay env.Overlay) (*Process, error) {
	return l.Start(Request{Kind: KindBackup, Env: overlay})
}

// Restore starts the restore script for opts and confirms its prompt.
func (l *Launcher) Restore(opts RestoreOptions) (*Process, error) {
	return l.Start(Request{Kind: KindRestore, Args: opts.Args()})
}

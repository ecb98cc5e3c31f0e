package launcher

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/kballard/go-shellquote"
	"github.com/loykin/backupd/internal/env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"direct":        ModeDirect,
		"local":         ModeDirect,
		"containerized": ModeContainerized,
		"docker-exec":   ModeContainerized,
		" Docker-Exec ": ModeContainerized,
		"":              ModeContainerized,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("kubernetes")
	assert.Error(t, err)
}

func TestRestoreOptionsArgs(t *testing.T) {
	assert.Equal(t, []string{"x"}, RestoreOptions{Name: "x"}.Args())
	assert.Equal(t,
		[]string{"--db-only", "--files-only", "--dry-run", "x"},
		RestoreOptions{Name: "x", DBOnly: true, FilesOnly: true, DryRun: true}.Args())
}

func TestCommandDirect(t *testing.T) {
	l := New(Config{Mode: ModeDirect, ScriptsDir: "/opt/scripts"})
	l.SetBaseEnv([]string{"PATH=/usr/bin", "DRY_RUN=false"})

	cmd, err := l.Command(Request{Kind: KindBackup, Env: env.From(map[string]string{"DRY_RUN": "true", "BACKUP_KEEP": "7"})})
	require.NoError(t, err)

	assert.Equal(t, []string{"bash", "-lc", "/opt/scripts/backup.sh"}, cmd.Args)
	assert.Equal(t, []string{"BACKUP_KEEP=7", "DRY_RUN=true", "PATH=/usr/bin"}, cmd.Env)
}

func TestCommandContainerizedRestore(t *testing.T) {
	l := New(Config{Mode: ModeContainerized, Container: "wordpress", ScriptsDir: "/backup"})
	l.SetBaseEnv(nil)

	opts := RestoreOptions{Name: "site-2024-01-02_03-04-05", DBOnly: true}
	cmd, err := l.Command(Request{Kind: KindRestore, Args: opts.Args(), Env: env.From(map[string]string{"DB_HOST": "db"})})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"docker", "exec", "-i", "-e", "DB_HOST", "wordpress",
		"bash", "-lc", "/backup/restore.sh --db-only site-2024-01-02_03-04-05",
	}, cmd.Args)
	// values travel through the docker client environment, not argv
	assert.Equal(t, []string{"DB_HOST=db"}, cmd.Env)
	for _, a := range cmd.Args {
		assert.NotContains(t, a, "DB_HOST=db")
	}
}

func TestCommandContainerizedUnset(t *testing.T) {
	l := New(Config{Mode: ModeContainerized, Container: "wordpress", ScriptsDir: "/backup"})
	l.SetBaseEnv([]string{"DRY_RUN=true"})

	o := env.From(map[string]string{"BACKUP_KEEP": "7"})
	o.Unset("DRY_RUN")
	cmd, err := l.Command(Request{Kind: KindBackup, Env: o})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"docker", "exec", "-i", "-e", "BACKUP_KEEP", "wordpress",
		"env", "-u", "DRY_RUN", "bash", "-lc", "/backup/backup.sh",
	}, cmd.Args)
	assert.Equal(t, []string{"BACKUP_KEEP=7"}, cmd.Env)
}

func TestCommandConcurrentWithoutBaseEnv(t *testing.T) {
	t.Setenv("BACKUPD_LAUNCHER_BASE", "1")
	l := New(Config{Mode: ModeDirect})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd, err := l.Command(Request{Kind: KindBackup})
			if assert.NoError(t, err) {
				assert.Contains(t, cmd.Env, "BACKUPD_LAUNCHER_BASE=1")
			}
		}()
	}
	wg.Wait()
}

func TestCommandQuotesHostileNames(t *testing.T) {
	l := New(Config{Mode: ModeDirect, ScriptsDir: "/backup"})
	name := "x'; rm -rf / #"
	cmd, err := l.Command(Request{Kind: KindRestore, Args: RestoreOptions{Name: name}.Args()})
	require.NoError(t, err)

	words, err := shellquote.Split(cmd.Args[len(cmd.Args)-1])
	require.NoError(t, err)
	assert.Equal(t, []string{"/backup/restore.sh", name}, words)
}

func TestCommandRequiresContainer(t *testing.T) {
	l := New(Config{Mode: ModeContainerized, ScriptsDir: "/backup"})
	_, err := l.Command(Request{Kind: KindBackup})
	assert.Error(t, err)
}

func TestCommandUnknownKind(t *testing.T) {
	l := New(Config{Mode: ModeDirect})
	_, err := l.Command(Request{Kind: "migrate"})
	assert.Error(t, err)
}

func TestStartFailureIsLaunchError(t *testing.T) {
	l := New(Config{Mode: ModeContainerized, Container: "wp", DockerBin: "/nonexistent/bin/docker"})
	p, err := l.Backup(nil)
	require.Error(t, err)
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, ErrLaunch))

	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, KindBackup, le.Kind)
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0o755))
}

func shLauncher(t *testing.T) (*Launcher, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	return New(Config{Mode: ModeDirect, ScriptsDir: dir, Shell: "/bin/sh", ShellArgs: []string{"-c"}}), dir
}

func drain(t *testing.T, p *Process) (string, string) {
	t.Helper()
	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	errOut, err := io.ReadAll(p.Stderr())
	require.NoError(t, err)
	return string(out), string(errOut)
}

func TestRestoreConfirmsPromptOnce(t *testing.T) {
	l, dir := shLauncher(t)
	writeScript(t, dir, "restore.sh", `echo "args:$*"
n=0
while IFS= read -r line; do n=$((n+1)); echo "line:$line"; done
echo "count:$n"
`)
	p, err := l.Restore(RestoreOptions{Name: "site-2024-01-02_03-04-05", DBOnly: true})
	require.NoError(t, err)
	assert.Equal(t, KindRestore, p.Kind())
	assert.Greater(t, p.PID(), 0)

	out, _ := drain(t, p)
	exit := p.Wait()

	assert.Equal(t, 0, exit.Code)
	assert.Equal(t, "args:--db-only site-2024-01-02_03-04-05\nline:y\ncount:1\n", out)
}

func TestBackupSeesOverlayAndExitCode(t *testing.T) {
	l, dir := shLauncher(t)
	writeScript(t, dir, "backup.sh", `echo "keep=$BACKUP_KEEP dry=${DRY_RUN-unset}"
echo oops >&2
exit 3
`)
	p, err := l.Backup(env.From(map[string]string{"BACKUP_KEEP": "5"}))
	require.NoError(t, err)

	out, errOut := drain(t, p)
	exit := p.Wait()

	assert.Equal(t, "keep=5 dry=unset\n", out)
	assert.Equal(t, "oops\n", errOut)
	assert.Equal(t, 3, exit.Code)
	assert.Equal(t, "3", exit.String())
	assert.True(t, strings.HasSuffix(p.Args()[len(p.Args())-1], "backup.sh"))
}

func TestUnsetRemovesBaseVariable(t *testing.T) {
	l, dir := shLauncher(t)
	l.SetBaseEnv([]string{"PATH=" + os.Getenv("PATH"), "DRY_RUN=true", "DB_PASSWORD=secret"})
	writeScript(t, dir, "backup.sh", `echo "dry=${DRY_RUN-unset} pw=${DB_PASSWORD-unset}"
`)
	o := env.Overlay{}
	o.Unset("DRY_RUN")
	o.SetPtr("DB_PASSWORD", nil)
	p, err := l.Backup(o)
	require.NoError(t, err)

	out, _ := drain(t, p)
	assert.Equal(t, 0, p.Wait().Code)
	assert.Equal(t, "dry=unset pw=unset\n", out)
}

func TestSignalledExitReportsSignalName(t *testing.T) {
	l, dir := shLauncher(t)
	// the whole group, so the wrapping shell dies by the signal too
	writeScript(t, dir, "backup.sh", "kill -TERM 0\n")
	p, err := l.Backup(nil)
	require.NoError(t, err)

	drain(t, p)
	exit := p.Wait()

	assert.Equal(t, -1, exit.Code)
	assert.Equal(t, "SIGTERM", exit.Signal)
	assert.Equal(t, "SIGTERM", exit.String())
}

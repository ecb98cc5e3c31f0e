package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/loykin/backupd/internal/artifact"
	"github.com/loykin/backupd/internal/job"
	"github.com/loykin/backupd/internal/launcher"
	"github.com/loykin/backupd/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The scripts write what they saw to $RESULT so assertions do not depend on
// attaching to the output stream in time.
const backupScript = `echo "keep=$BACKUP_KEEP dry=$DRY_RUN host=$DB_HOST pw=$DB_PASSWORD extra=$EXTRA" > "$RESULT"
`

const restoreScript = `read answer
echo "args=$* answer=$answer" > "$RESULT"
`

type harness struct {
	svc     *Service
	l       *launcher.Launcher
	backups string
	result  string
}

func newHarness(t *testing.T, cfg Config, vars map[string]string) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	scripts := filepath.Join(dir, "scripts")
	backups := filepath.Join(dir, "backups")
	require.NoError(t, os.MkdirAll(scripts, 0o755))
	require.NoError(t, os.MkdirAll(backups, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "backup.sh"), []byte("#!/bin/sh\n"+backupScript), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "restore.sh"), []byte("#!/bin/sh\n"+restoreScript), 0o755))

	l := launcher.New(launcher.Config{Mode: launcher.ModeDirect, ScriptsDir: scripts, Shell: "/bin/sh", ShellArgs: []string{"-c"}})
	result := filepath.Join(dir, "result")
	l.SetBaseEnv([]string{"PATH=" + os.Getenv("PATH"), "RESULT=" + result})
	store, err := artifact.New(backups)
	require.NoError(t, err)

	lookup := func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
	return &harness{
		svc:     New(cfg, l, job.NewRegistry(), store, WithLookupEnv(lookup)),
		l:       l,
		backups: backups,
		result:  result,
	}
}

func drain(t *testing.T, s *stream.Subscription) []stream.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out []stream.Event
	for {
		ev, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func (h *harness) wait(t *testing.T, j *job.Job) (string, launcher.Exit) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	b, err := os.ReadFile(h.result)
	require.NoError(t, err)
	return string(b), j.Exit()
}

func TestBackupEnv(t *testing.T) {
	e := newHarness(t, Config{DefaultKeep: 14}, map[string]string{"DB_HOST": "db", "DB_PASSWORD": "secret"})

	o, err := e.svc.BackupEnv(BackupOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"BACKUP_KEEP=14", "DB_HOST=db", "DB_PASSWORD=secret"}, o.Pairs())
	assert.Equal(t, []string{"DRY_RUN"}, o.Unsets())

	extra := "1"
	o, err = e.svc.BackupEnv(BackupOptions{
		DryRun:   true,
		Keep:     3,
		ExtraEnv: map[string]*string{"EXTRA": &extra, "DB_PASSWORD": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"BACKUP_KEEP=3", "DB_HOST=db", "DRY_RUN=true", "EXTRA=1"}, o.Pairs())
	assert.Equal(t, []string{"DB_PASSWORD"}, o.Unsets())
}

func TestBackupEnvNoDefaultKeep(t *testing.T) {
	e := newHarness(t, Config{}, nil)
	o, err := e.svc.BackupEnv(BackupOptions{})
	require.NoError(t, err)
	assert.Empty(t, o.Pairs())
	assert.Equal(t, []string{"BACKUP_KEEP", "DRY_RUN"}, o.Unsets())
}

func TestBackupScriptDoesNotInheritUnsetVariables(t *testing.T) {
	e := newHarness(t, Config{}, map[string]string{"DB_HOST": "db"})
	e.l.SetBaseEnv([]string{
		"PATH=" + os.Getenv("PATH"),
		"RESULT=" + e.result,
		"DRY_RUN=true",
		"BACKUP_KEEP=99",
		"DB_PASSWORD=secret",
	})

	j, err := e.svc.LaunchBackup(BackupOptions{ExtraEnv: map[string]*string{"DB_PASSWORD": nil}})
	require.NoError(t, err)
	got, exit := e.wait(t, j)

	assert.Equal(t, 0, exit.Code)
	assert.Equal(t, "keep= dry= host=db pw= extra=\n", got)
}

func TestBackupKeepValidation(t *testing.T) {
	e := newHarness(t, Config{}, nil)
	for _, k := range []Keep{-1, MaxKeep + 1} {
		_, err := e.svc.LaunchBackup(BackupOptions{Keep: k})
		assert.ErrorIs(t, err, ErrInvalidRequest, "keep %d", k)
	}
	assert.Equal(t, 0, e.svc.Registry().Len())

	_, err := e.svc.LaunchBackup(BackupOptions{Keep: -1})
	assert.ErrorContains(t, err, "between 0 and 3650 days (0 uses the default)")
}

func TestKeepJSON(t *testing.T) {
	cases := map[string]Keep{
		`{"keep": 7}`:    7,
		`{"keep": "7"}`:  7,
		`{"keep": null}`: 0,
		`{"keep": ""}`:   0,
		`{}`:             0,
	}
	for in, want := range cases {
		var o BackupOptions
		require.NoError(t, json.Unmarshal([]byte(in), &o), in)
		assert.Equal(t, want, o.Keep, in)
	}
	for _, in := range []string{`{"keep": "seven"}`, `{"keep": 1.5}`, `{"keep": true}`} {
		var o BackupOptions
		err := json.Unmarshal([]byte(in), &o)
		assert.Error(t, err, in)
	}
}

func TestLaunchBackupRunsScript(t *testing.T) {
	e := newHarness(t, Config{DefaultKeep: 5}, map[string]string{"DB_HOST": "db"})
	extra := "x"
	j, err := e.svc.LaunchBackup(BackupOptions{DryRun: true, ExtraEnv: map[string]*string{"EXTRA": &extra}})
	require.NoError(t, err)

	out, exit := e.wait(t, j)
	assert.Equal(t, "keep=5 dry=true host=db pw= extra=x\n", out)
	assert.Equal(t, 0, exit.Code)
	_, err = e.svc.Registry().Lookup(j.ID())
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestLaunchRestore(t *testing.T) {
	e := newHarness(t, Config{}, nil)
	name := "site-2024-01-02_03-04-05"
	require.NoError(t, os.MkdirAll(filepath.Join(e.backups, name), 0o755))

	j, err := e.svc.LaunchRestore(context.Background(), RestoreOptions{BackupName: name, DBOnly: true})
	require.NoError(t, err)
	assert.Equal(t, launcher.KindRestore, j.Kind())

	out, exit := e.wait(t, j)
	assert.Equal(t, "args=--db-only "+name+" answer=y\n", out)
	assert.Equal(t, 0, exit.Code)
}

func TestLaunchRestoreRejects(t *testing.T) {
	e := newHarness(t, Config{}, nil)
	ctx := context.Background()

	_, err := e.svc.LaunchRestore(ctx, RestoreOptions{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.svc.LaunchRestore(ctx, RestoreOptions{BackupName: "../etc"})
	assert.ErrorIs(t, err, artifact.ErrPathTraversal)
	_, err = e.svc.LaunchRestore(ctx, RestoreOptions{BackupName: "missing"})
	assert.ErrorIs(t, err, artifact.ErrNotFound)
	assert.Equal(t, 0, e.svc.Registry().Len())
}

func TestLaunchFailureRegistersNothing(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	l := launcher.New(launcher.Config{Mode: launcher.ModeContainerized, Container: "wp", DockerBin: "/nonexistent/docker"})
	store, err := artifact.New(t.TempDir())
	require.NoError(t, err)
	svc := New(Config{}, l, job.NewRegistry(), store)

	_, err = svc.LaunchBackup(BackupOptions{})
	assert.ErrorIs(t, err, launcher.ErrLaunch)
	assert.Empty(t, svc.Jobs())
}

func TestSubscribeUnknownJob(t *testing.T) {
	e := newHarness(t, Config{}, nil)
	evs := drain(t, e.svc.Subscribe("job_missing"))
	require.Len(t, evs, 1)
	assert.Equal(t, stream.End, evs[0].Type)
	assert.Equal(t, NoSuchJob, evs[0].Data)
}

func TestArtifactOperations(t *testing.T) {
	e := newHarness(t, Config{}, nil)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(e.backups, "a.sql"), []byte("0123456789"), 0o644))

	list, err := e.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(10), list[0].Size)

	d, err := e.svc.Fetch(ctx, "a.sql")
	require.NoError(t, err)
	b, err := io.ReadAll(d)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.Equal(t, "0123456789", string(b))

	_, err = e.svc.Fetch(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, e.svc.Delete(""), ErrInvalidRequest)
	assert.ErrorIs(t, e.svc.Delete("../a.sql"), artifact.ErrPathTraversal)

	require.NoError(t, e.svc.Delete("a.sql"))
	assert.ErrorIs(t, e.svc.Delete("a.sql"), artifact.ErrNotFound)
}

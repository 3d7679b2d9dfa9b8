package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/camptocamp/r10k/command"
	"github.com/camptocamp/r10k/workingdir"
	"github.com/google/go-cmp/cmp"
)

const (
	testMainBranch = "e2e-main"
	testGitUser    = "r10k-e2e"
)

var (
	testLog  = slog.Default()
	testENVs []string
)

func TestMain(m *testing.M) {
	testTmpDir, err := os.MkdirTemp("", "r10k-deploy-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to make dir: %v\n", err)
		os.Exit(1)
	}

	testENVs = []string{
		"PATH=" + os.Getenv("PATH"),
		fmt.Sprintf("GIT_CONFIG_GLOBAL=%s/gitconfig", testTmpDir),
		`GIT_CONFIG_SYSTEM=/dev/null`,
	}

	t := &testing.T{}
	mustExec(t, "", "git", "config", "--global", "user.name", testGitUser)
	mustExec(t, "", "git", "config", "--global", "user.email", testGitUser+"@example.com")

	code := m.Run()

	// clean up
	os.RemoveAll(testTmpDir)

	os.Exit(code)
}

func testConfig(testTmpDir string, deployments ...DeploymentConfig) Config {
	return Config{
		Defaults: DefaultConfig{
			CacheRoot: filepath.Join(testTmpDir, "cache"),
			Interval:  time.Second,
			PurgeRoot: filepath.Join(testTmpDir, "environments"),
		},
		Deployments: deployments,
	}
}

func newTestDeployer(t *testing.T, conf Config) *Deployer {
	t.Helper()

	d, err := New(conf, command.NewGit("", testENVs, testLog), testLog)
	if err != nil {
		t.Fatalf("unable to create deployer err:%v", err)
	}
	return d
}

func TestDeployer_SyncAll(t *testing.T) {
	testTmpDir := t.TempDir()
	control := filepath.Join(testTmpDir, "control")
	modules := filepath.Join(testTmpDir, "modules")
	envs := filepath.Join(testTmpDir, "environments")

	mustInitRepo(t, control, "file", t.Name()+"-main")
	mustExec(t, control, "git", "checkout", "-q", "-b", "staging")
	mustCommit(t, control, "file", t.Name()+"-staging")
	mustExec(t, control, "git", "checkout", "-q", testMainBranch)
	mustInitRepo(t, modules, "module", t.Name()+"-module")

	d := newTestDeployer(t, testConfig(testTmpDir,
		DeploymentConfig{Remote: control, Path: "production", Ref: testMainBranch},
		DeploymentConfig{Remote: control, Path: "staging", Ref: "staging"},
		DeploymentConfig{Remote: modules, Path: filepath.Join(testTmpDir, "modules-wd")},
	))

	t.Log("TEST-1: initial sync")
	if err := d.SyncAll(t.Context()); err != nil {
		t.Fatalf("unable to sync err:%v", err)
	}
	assertFile(t, filepath.Join(envs, "production", "file"), t.Name()+"-main")
	assertFile(t, filepath.Join(envs, "staging", "file"), t.Name()+"-staging")
	assertFile(t, filepath.Join(testTmpDir, "modules-wd", "module"), t.Name()+"-module")

	if diff := cmp.Diff([]string{control, modules}, d.Pool().Remotes()); diff != "" {
		t.Errorf("Remotes() mismatch (-want +got):\n%s", diff)
	}

	t.Log("TEST-2: every run fetches remote again")
	mustCommit(t, control, "file", t.Name()+"-main-2")
	if err := d.SyncAll(t.Context()); err != nil {
		t.Fatalf("unable to sync err:%v", err)
	}
	assertFile(t, filepath.Join(envs, "production", "file"), t.Name()+"-main-2")
	assertFile(t, filepath.Join(envs, "staging", "file"), t.Name()+"-staging")

	t.Log("TEST-3: broken deployment doesn't stop others")
	mustExec(t, control, "git", "branch", "-D", "staging")
	mustCommit(t, modules, "module", t.Name()+"-module-2")

	err := d.SyncAll(t.Context())
	var resolveErr *workingdir.ResolveError
	if !errors.As(err, &resolveErr) {
		t.Fatalf("expected *workingdir.ResolveError got %T %v", err, err)
	}
	if resolveErr.Ref != "staging" {
		t.Errorf("expected staging ref to fail got %s", resolveErr.Ref)
	}
	assertFile(t, filepath.Join(testTmpDir, "modules-wd", "module"), t.Name()+"-module-2")
	// staging is left as is
	assertFile(t, filepath.Join(envs, "staging", "file"), t.Name()+"-staging")
}

func TestDeployer_SyncRemote(t *testing.T) {
	testTmpDir := t.TempDir()
	control := filepath.Join(testTmpDir, "control")
	modules := filepath.Join(testTmpDir, "modules")
	envs := filepath.Join(testTmpDir, "environments")

	mustInitRepo(t, control, "file", t.Name()+"-1")
	mustInitRepo(t, modules, "module", t.Name()+"-1")

	d := newTestDeployer(t, testConfig(testTmpDir,
		DeploymentConfig{Remote: control, Path: "production"},
		DeploymentConfig{Remote: modules, Path: "modules"},
	))
	if err := d.SyncAll(t.Context()); err != nil {
		t.Fatalf("unable to sync err:%v", err)
	}

	mustCommit(t, control, "file", t.Name()+"-2")
	mustCommit(t, modules, "module", t.Name()+"-2")

	// equivalent spelling of the remote
	if err := d.SyncRemote(t.Context(), control+"/"); err != nil {
		t.Fatalf("unable to sync remote err:%v", err)
	}
	assertFile(t, filepath.Join(envs, "production", "file"), t.Name()+"-2")
	assertFile(t, filepath.Join(envs, "modules", "module"), t.Name()+"-1")

	if err := d.SyncRemote(t.Context(), "https://github.com/org/unknown.git"); !errors.Is(err, ErrNotExist) {
		t.Errorf("expected ErrNotExist got %v", err)
	}
}

func TestDeployer_Statuses(t *testing.T) {
	testTmpDir := t.TempDir()
	control := filepath.Join(testTmpDir, "control")

	hash := mustInitRepo(t, control, "file", t.Name()+"-1")

	d := newTestDeployer(t, testConfig(testTmpDir,
		DeploymentConfig{Remote: control, Path: "production"},
		DeploymentConfig{Remote: control, Path: "unknown", Ref: "does-not-exist"},
	))

	if err := d.SyncCaches(t.Context()); err != nil {
		t.Fatalf("unable to sync caches err:%v", err)
	}

	got := d.Statuses(t.Context())
	if len(got) != 2 {
		t.Fatalf("expected 2 statuses got %d", len(got))
	}
	if got[0].Status != workingdir.StatusAbsent || got[0].Err != nil {
		t.Errorf("expected production to be absent got %s err:%v", got[0].Status, got[0].Err)
	}
	if got[1].Err == nil {
		t.Errorf("expected error for unknown ref")
	}

	if err := d.SyncAll(t.Context()); err == nil {
		t.Fatal("expected error for unknown ref")
	}

	got = d.Statuses(t.Context())
	if got[0].Status != workingdir.StatusInSync || got[0].Commit != hash {
		t.Errorf("expected production to be insync at %s got %s at %s", hash, got[0].Status, got[0].Commit)
	}

	mustCommit(t, control, "file", t.Name()+"-2")
	if err := d.SyncCaches(t.Context()); err != nil {
		t.Fatalf("unable to sync caches err:%v", err)
	}
	got = d.Statuses(t.Context())
	if got[0].Status != workingdir.StatusOutdated || got[0].Commit != hash {
		t.Errorf("expected production to be outdated at %s got %s at %s", hash, got[0].Status, got[0].Commit)
	}
}

func TestDeployer_Reconfigure(t *testing.T) {
	testTmpDir := t.TempDir()
	control := filepath.Join(testTmpDir, "control")
	modules := filepath.Join(testTmpDir, "modules")
	envs := filepath.Join(testTmpDir, "environments")

	mustInitRepo(t, control, "file", t.Name()+"-1")
	mustInitRepo(t, modules, "module", t.Name()+"-1")

	d := newTestDeployer(t, testConfig(testTmpDir,
		DeploymentConfig{Remote: control, Path: "production"},
		DeploymentConfig{Remote: modules, Path: "modules"},
	))
	if err := d.SyncAll(t.Context()); err != nil {
		t.Fatalf("unable to sync err:%v", err)
	}

	t.Log("TEST-1: invalid config is rejected and current config kept")
	if err := d.Reconfigure(Config{Defaults: DefaultConfig{CacheRoot: "relative"}}); err == nil {
		t.Fatal("expected error for invalid config")
	}
	if len(d.Targets()) != 2 {
		t.Errorf("expected current targets to be kept")
	}

	t.Log("TEST-2: remove modules and add staging")
	newConf := testConfig(testTmpDir,
		DeploymentConfig{Remote: control, Path: "production"},
		DeploymentConfig{Remote: control, Path: "staging"},
	)
	if err := d.Reconfigure(newConf); err != nil {
		t.Fatalf("unable to reconfigure err:%v", err)
	}

	want := []Target{
		{Remote: control, Path: filepath.Join(envs, "production"), Ref: DefaultRef},
		{Remote: control, Path: filepath.Join(envs, "staging"), Ref: DefaultRef},
	}
	if diff := cmp.Diff(want, d.Targets()); diff != "" {
		t.Errorf("Targets() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{control}, d.Pool().Remotes()); diff != "" {
		t.Errorf("Remotes() mismatch (-want +got):\n%s", diff)
	}

	oldPool := d.Pool()
	if err := d.SyncAll(t.Context()); err != nil {
		t.Fatalf("unable to sync err:%v", err)
	}
	assertFile(t, filepath.Join(envs, "staging", "file"), t.Name()+"-1")

	t.Log("TEST-3: new cache root creates new pool")
	newConf.Defaults.CacheRoot = filepath.Join(testTmpDir, "cache-2")
	if err := d.Reconfigure(newConf); err != nil {
		t.Fatalf("unable to reconfigure err:%v", err)
	}
	if d.Pool() == oldPool {
		t.Fatal("expected new pool")
	}
	if err := d.SyncAll(t.Context()); err != nil {
		t.Fatalf("unable to sync err:%v", err)
	}
	if got := mustExec(t, filepath.Join(envs, "production"), "git", "config", "--get", "remote.cache.url"); !strings.HasPrefix(got, newConf.Defaults.CacheRoot) {
		t.Errorf("expected cache remote to point at new cache root got %s", got)
	}
}

func TestDeployer_StartLoop(t *testing.T) {
	testTmpDir := t.TempDir()
	control := filepath.Join(testTmpDir, "control")
	envs := filepath.Join(testTmpDir, "environments")

	mustInitRepo(t, control, "file", t.Name()+"-1")

	conf := testConfig(testTmpDir, DeploymentConfig{Remote: control, Path: "production"})
	conf.Defaults.Interval = time.Hour
	d := newTestDeployer(t, conf)

	ctx, cancel := context.WithCancel(t.Context())
	stopped := make(chan struct{})
	go func() {
		d.StartLoop(ctx)
		close(stopped)
	}()

	waitForFile(t, filepath.Join(envs, "production", "file"), t.Name()+"-1")

	t.Log("queued run doesn't wait for interval")
	mustCommit(t, control, "file", t.Name()+"-2")
	d.QueueSyncAll()
	waitForFile(t, filepath.Join(envs, "production", "file"), t.Name()+"-2")

	t.Log("queued remote is synced by the loop")
	mustCommit(t, control, "file", t.Name()+"-3")
	if err := d.QueueSyncRemote(control); err != nil {
		t.Fatalf("unable to queue remote err:%v", err)
	}
	waitForFile(t, filepath.Join(envs, "production", "file"), t.Name()+"-3")

	cancel()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("loop didn't stop after context was cancelled")
	}
}

func TestDeployer_QueueSyncRemote(t *testing.T) {
	testTmpDir := t.TempDir()
	control := filepath.Join(testTmpDir, "control")
	modules := filepath.Join(testTmpDir, "modules")

	d := newTestDeployer(t, testConfig(testTmpDir,
		DeploymentConfig{Remote: control, Path: "production"},
		DeploymentConfig{Remote: control, Path: "staging", Ref: "staging"},
		DeploymentConfig{Remote: modules, Path: "modules"},
	))

	// loop is not running so nothing drains the queue
	for i := 0; i < 20; i++ {
		if err := d.QueueSyncRemote(control); err != nil {
			t.Fatalf("unable to queue remote err:%v", err)
		}
		// equivalent spelling of the remote
		if err := d.QueueSyncRemote(control + "/"); err != nil {
			t.Fatalf("unable to queue remote err:%v", err)
		}
	}

	if got := len(d.queued); got != 1 {
		t.Errorf("expected burst to collapse into a single queued remote got %d", got)
	}
	if got := len(d.remoteTrigger); got != 1 {
		t.Errorf("expected single pending trigger got %d", got)
	}

	if err := d.QueueSyncRemote(modules); err != nil {
		t.Fatalf("unable to queue remote err:%v", err)
	}
	if got := len(d.queued); got != 2 {
		t.Errorf("expected 2 queued remotes got %d", got)
	}

	if err := d.QueueSyncRemote("https://github.com/org/unknown.git"); !errors.Is(err, ErrNotExist) {
		t.Errorf("expected ErrNotExist got %v", err)
	}
	if got := len(d.queued); got != 2 {
		t.Errorf("expected unknown remote not to be queued got %d", got)
	}
}

func Test_diffTargets(t *testing.T) {
	dep := func(path, ref string) *deployment {
		return &deployment{Target: Target{Remote: "https://github.com/org/control.git", Path: path, Ref: ref}}
	}

	added, removed := diffTargets(
		[]*deployment{dep("/envs/production", "main"), dep("/envs/staging", "staging")},
		[]*deployment{dep("/envs/production", "main"), dep("/envs/staging", "v1.0"), dep("/envs/dev", "dev")},
	)

	wantAdded := []Target{
		{Remote: "https://github.com/org/control.git", Path: "/envs/staging", Ref: "v1.0"},
		{Remote: "https://github.com/org/control.git", Path: "/envs/dev", Ref: "dev"},
	}
	wantRemoved := []Target{
		{Remote: "https://github.com/org/control.git", Path: "/envs/staging", Ref: "staging"},
	}
	if diff := cmp.Diff(wantAdded, added); diff != "" {
		t.Errorf("diffTargets() added mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantRemoved, removed); diff != "" {
		t.Errorf("diffTargets() removed mismatch (-want +got):\n%s", diff)
	}
}

func TestJitter(t *testing.T) {
	tests := []struct {
		duration  time.Duration
		maxFactor float64
		minWant   time.Duration
		maxWant   time.Duration
	}{
		{10 * time.Second, 0.1, 10 * time.Second, 11 * time.Second},
		{10 * time.Second, 0.5, 10 * time.Second, 15 * time.Second},
		{30 * time.Second, 0.0, 30 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		// since we are using rand test values 10 times
		for i := 0; i < 10; i++ {
			got := jitter(tt.duration, tt.maxFactor)
			if got < tt.minWant || got > tt.maxWant {
				t.Errorf("jitter(%s, %v) = %v, want between %v and %v", tt.duration, tt.maxFactor, got, tt.minWant, tt.maxWant)
			}
		}
	}
}

func waitForFile(t *testing.T, file, want string) {
	t.Helper()

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := os.ReadFile(file); err == nil && string(got) == want {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to contain %q", file, want)
}

func assertFile(t *testing.T, file, want string) {
	t.Helper()

	got, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("unable to read file err:%v", err)
	}
	if string(got) != want {
		t.Errorf("file %s: got %q want %q", file, got, want)
	}
}

func mustInitRepo(t *testing.T, repo, file, content string) string {
	t.Helper()

	if err := os.RemoveAll(repo); err != nil {
		t.Fatalf("unable to remove err: %v", err)
	}
	if err := os.MkdirAll(repo, 0755); err != nil {
		t.Fatalf("unable to create err: %v", err)
	}

	mustExec(t, repo, "git", "init", "-q", "-b", testMainBranch)

	return mustCommit(t, repo, file, content)
}

func mustCommit(t *testing.T, repo, file, content string) string {
	t.Helper()

	if err := os.WriteFile(filepath.Join(repo, file), []byte(content), 0644); err != nil {
		t.Fatalf("unable to write to file err: %v", err)
	}
	mustExec(t, repo, "git", "add", file)
	mustExec(t, repo, "git", "commit", "-q", "-m", content)
	return mustExec(t, repo, "git", "rev-list", "-n1", "HEAD")
}

func mustExec(t *testing.T, cwd string, name string, arg ...string) string {
	t.Helper()

	cmd := exec.CommandContext(context.TODO(), name, arg...)
	if cwd != "" {
		cmd.Dir = cwd
	}

	cmd.Env = testENVs

	stdoutStderr, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("run(%s): err:%v { stdoutStderr %q }", cmd.String(), err, stdoutStderr)
	}
	return strings.TrimSpace(string(stdoutStderr))
}

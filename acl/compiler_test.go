package acl_test

import (
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njyeung/hoppyshare/acl"
	"github.com/njyeung/hoppyshare/core/apierror"
)

const basePolicy = `user admin
topic readwrite #

pattern read users/%u/notes
pattern read users/%u/settings
`

func newTestCompiler(t *testing.T, reloader acl.Reloader) *acl.Compiler {
	t.Helper()
	dir := t.TempDir()
	dynamicDir := filepath.Join(dir, "dynamic")
	require.NoError(t, os.Mkdir(dynamicDir, 0700))
	basePath := filepath.Join(dir, "base.acl")
	require.NoError(t, os.WriteFile(basePath, []byte(basePolicy), 0600))
	return &acl.Compiler{
		BasePath:   basePath,
		DynamicDir: dynamicDir,
		MergedPath: filepath.Join(dir, "merged.acl"),
		Reloader:   reloader,
	}
}

func readMerged(t *testing.T, c *acl.Compiler) string {
	t.Helper()
	data, err := os.ReadFile(c.MergedPath)
	require.NoError(t, err)
	return string(data)
}

func TestCompileOrdering(t *testing.T) {
	c := newTestCompiler(t, nil)

	// write blocks in non-sorted order
	for _, cn := range []string{"zoe", "alice", "mallory"} {
		require.NoError(t, os.WriteFile(
			filepath.Join(c.DynamicDir, "user_"+cn+".acl"),
			[]byte("user "+cn+"\n"), 0600))
	}
	require.NoError(t, c.Compile())

	merged := readMerged(t, c)

	// dynamic blocks sorted by filename, then user rules, then pattern rules
	positions := []int{
		strings.Index(merged, "user alice"),
		strings.Index(merged, "user mallory"),
		strings.Index(merged, "user zoe"),
		strings.Index(merged, "user admin"),
		strings.Index(merged, "pattern read users/%u/notes"),
	}
	for i, pos := range positions {
		require.GreaterOrEqual(t, pos, 0, "element %d missing", i)
		if i > 0 {
			assert.Greater(t, pos, positions[i-1], "element %d out of order", i)
		}
	}
}

func TestCompileSetsRestrictivePermissions(t *testing.T) {
	c := newTestCompiler(t, nil)
	require.NoError(t, c.Compile())

	info, err := os.Stat(c.MergedPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCompileFailsOnMissingBase(t *testing.T) {
	c := newTestCompiler(t, nil)
	c.BasePath = filepath.Join(t.TempDir(), "absent.acl")

	err := c.Compile()
	var compileErr *acl.CompileError
	assert.True(t, errors.As(err, &compileErr))
}

func TestReloadFailureIsDistinct(t *testing.T) {
	boom := errors.New("broker down")
	c := newTestCompiler(t, acl.ReloaderFunc(func() error { return boom }))

	err := c.CompileAndReload()
	var reloadErr *acl.ReloadError
	require.True(t, errors.As(err, &reloadErr))
	assert.ErrorIs(t, err, boom)

	// the artifact was still written correctly
	merged := readMerged(t, c)
	assert.Contains(t, merged, "user admin")
}

func TestOnboardUser(t *testing.T) {
	reloads := 0
	c := newTestCompiler(t, acl.ReloaderFunc(func() error { reloads++; return nil }))

	require.NoError(t, c.OnboardUser("alice"))
	assert.Equal(t, 1, reloads)
	assert.True(t, c.HasIdentity("alice"))
	assert.False(t, c.HasIdentity("bob"))

	block, err := os.ReadFile(filepath.Join(c.DynamicDir, "user_alice.acl"))
	require.NoError(t, err)
	assert.Contains(t, string(block), "user alice")
	assert.Contains(t, string(block), "topic write users/alice/notes")
	assert.Contains(t, string(block), "topic read users/alice/settings")

	merged := readMerged(t, c)
	assert.Contains(t, merged, "user alice")

	err = c.OnboardUser("alice")
	assert.True(t, apierror.HasCode(err, apierror.CodeConflict))
}

func TestDeleteUser(t *testing.T) {
	c := newTestCompiler(t, nil)

	require.NoError(t, c.OnboardUser("alice"))
	require.NoError(t, c.OnboardUser("bob"))

	count, err := c.DeleteUser("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.False(t, c.HasIdentity("alice"))
	assert.True(t, c.HasIdentity("bob"))

	merged := readMerged(t, c)
	assert.NotContains(t, merged, "user alice")
	assert.Contains(t, merged, "user bob")

	_, err = c.DeleteUser("alice")
	assert.True(t, apierror.HasCode(err, apierror.CodeNotFound))
}

func TestSignalReloader(t *testing.T) {
	dir := t.TempDir()

	r := acl.SignalReloader{PIDFile: filepath.Join(dir, "missing.pid")}
	assert.Error(t, r.Reload())

	pidFile := filepath.Join(dir, "mosquitto.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("not-a-pid\n"), 0644))
	r = acl.SignalReloader{PIDFile: pidFile}
	assert.Error(t, r.Reload())

	// signal ourselves, with SIGHUP trapped so the test survives
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)

	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))
	require.NoError(t, r.Reload())

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no SIGHUP received")
	}
}

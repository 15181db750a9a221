package acl

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/njyeung/hoppyshare/core/apierror"
)

// Reloader signals the broker to pick up a freshly compiled policy.
type Reloader interface {
	Reload() error
}

// ReloaderFunc adapts a function to the Reloader interface.
type ReloaderFunc func() error

// Reload calls f.
func (f ReloaderFunc) Reload() error { return f() }

// CompileError means the merged policy could not be produced; the broker
// keeps enforcing the previous artifact.
type CompileError struct {
	Err error
}

func (e *CompileError) Error() string { return "acl compile failed: " + e.Err.Error() }

// Unwrap returns the cause.
func (e *CompileError) Unwrap() error { return e.Err }

// ReloadError means the merged policy was written correctly but the
// broker did not pick it up; the artifact is correct but not yet active.
type ReloadError struct {
	Err error
}

func (e *ReloadError) Error() string { return "acl compiled but reload failed: " + e.Err.Error() }

// Unwrap returns the cause.
func (e *ReloadError) Unwrap() error { return e.Err }

// Compiler merges the static base policy with the per-user dynamic
// blocks and triggers a broker reload.
type Compiler struct {
	// BasePath is the static base policy file. This is mandatory.
	BasePath string
	// DynamicDir holds one .acl file per onboarded user. This is mandatory.
	DynamicDir string
	// MergedPath is where the merged policy document is written.
	// This is mandatory.
	MergedPath string
	// Reloader is signalled after every successful compile. Optional.
	Reloader Reloader
}

func (c *Compiler) userFile(cn string) string {
	return filepath.Join(c.DynamicDir, "user_"+cn+".acl")
}

// HasIdentity reports whether the common name has a dynamic block. It
// is the issuance precondition the certificate authority checks.
func (c *Compiler) HasIdentity(cn string) bool {
	_, err := os.Stat(c.userFile(cn))
	return err == nil
}

// OnboardUser writes the dynamic block granting the user its notes and
// settings topics, then compiles and reloads. A user that already has a
// block yields a Conflict.
func (c *Compiler) OnboardUser(cn string) error {
	path := c.userFile(cn)
	if _, err := os.Stat(path); err == nil {
		return apierror.Conflict("user %q already onboarded", cn)
	}

	block := fmt.Sprintf(`user %[1]s
topic write users/%[1]s/notes
topic read users/%[1]s/notes
topic read users/%[1]s/settings
`, cn)

	if err := os.WriteFile(path, []byte(block), 0600); err != nil {
		return apierror.Dependency("cannot write ACL block for %q", cn).Wrap(err)
	}
	return c.CompileAndReload()
}

// DeleteUser removes every dynamic block for the common name and
// recompiles. It returns the number of files removed, or NotFound when
// there were none.
func (c *Compiler) DeleteUser(cn string) (int, error) {
	entries, err := os.ReadDir(c.DynamicDir)
	if err != nil {
		return 0, apierror.Dependency("cannot read dynamic ACL directory").Wrap(err)
	}
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "user_"+cn) && strings.HasSuffix(name, ".acl") {
			if err := os.Remove(filepath.Join(c.DynamicDir, name)); err != nil {
				return removed, apierror.Dependency("cannot remove ACL block %s", name).Wrap(err)
			}
			removed++
		}
	}
	if removed == 0 {
		return 0, apierror.NotFound("no ACL block for common name %q", cn)
	}
	if err := c.CompileAndReload(); err != nil {
		return removed, err
	}
	return removed, nil
}

// CompileAndReload compiles the merged policy and signals the broker.
// A failed compile and a failed reload are distinct conditions: after a
// ReloadError the merged artifact on disk is correct but not active.
func (c *Compiler) CompileAndReload() error {
	if err := c.Compile(); err != nil {
		return err
	}
	if c.Reloader == nil {
		return nil
	}
	if err := c.Reloader.Reload(); err != nil {
		return &ReloadError{Err: err}
	}
	return nil
}

// Compile merges the dynamic blocks and the base policy sections into
// the merged document. The document is composed in a temporary file and
// atomically renamed into place, so a concurrent compile or a crash can
// never leave a torn artifact for the broker to read.
func (c *Compiler) Compile() error {
	userSection, patternSection, err := c.splitBase()
	if err != nil {
		return &CompileError{Err: err}
	}

	entries, err := os.ReadDir(c.DynamicDir)
	if err != nil {
		return &CompileError{Err: fmt.Errorf("cannot read dynamic ACL directory: %w", err)}
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".acl") {
			names = append(names, entry.Name())
		}
	}
	// deterministic order regardless of filesystem iteration order
	sort.Strings(names)

	var dynamic []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(c.DynamicDir, name))
		if err != nil {
			return &CompileError{Err: fmt.Errorf("cannot read dynamic block %s: %w", name, err)}
		}
		dynamic = append(dynamic, string(data))
	}

	var merged strings.Builder
	merged.WriteString("# --- User-specific dynamic blocks (deny rules) ---\n")
	merged.WriteString(strings.Join(dynamic, "\n\n"))
	merged.WriteString("\n\n# --- User rules from baseACL ---\n")
	merged.WriteString(userSection)
	merged.WriteString("\n\n# --- Pattern rules from baseACL ---\n")
	merged.WriteString(patternSection)

	dir := filepath.Dir(c.MergedPath)
	tmp, err := os.CreateTemp(dir, ".merged-*")
	if err != nil {
		return &CompileError{Err: err}
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(merged.String()); err != nil {
		tmp.Close()
		return &CompileError{Err: err}
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return &CompileError{Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &CompileError{Err: err}
	}
	if err := os.Rename(tmp.Name(), c.MergedPath); err != nil {
		return &CompileError{Err: err}
	}
	return nil
}

// splitBase separates the base policy into its "user" section and its
// "pattern" section. The pattern section begins at a line starting with
// "pattern" and runs until the next line starting with "user", or EOF.
func (c *Compiler) splitBase() (userSection, patternSection string, err error) {
	f, err := os.Open(c.BasePath)
	if err != nil {
		return "", "", fmt.Errorf("cannot read base policy: %w", err)
	}
	defer f.Close()

	var users, patterns strings.Builder
	inPattern := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "pattern") {
			inPattern = true
		} else if strings.HasPrefix(stripped, "user") {
			inPattern = false
		}
		if inPattern {
			patterns.WriteString(line)
			patterns.WriteString("\n")
		} else {
			users.WriteString(line)
			users.WriteString("\n")
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("cannot read base policy: %w", err)
	}
	return users.String(), patterns.String(), nil
}

package acl_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njyeung/hoppyshare/acl"
)

const mergedPolicy = `# --- User-specific dynamic blocks (deny rules) ---
user alice
topic deny users/alice/blocked
topic write users/alice/notes
topic read users/alice/notes
topic read users/alice/settings

# --- User rules from baseACL ---
user admin
topic readwrite #

# --- Pattern rules from baseACL ---
pattern read users/%u/announcements
`

func mustParse(t *testing.T, doc string) *acl.Policy {
	t.Helper()
	p, err := acl.ParsePolicy([]byte(doc))
	require.NoError(t, err)
	return p
}

func TestPolicyUserRules(t *testing.T) {
	p := mustParse(t, mergedPolicy)

	assert.True(t, p.Allows("alice", "users/alice/notes", acl.Write))
	assert.True(t, p.Allows("alice", "users/alice/notes", acl.Read))
	assert.True(t, p.Allows("alice", "users/alice/settings", acl.Read))
	assert.False(t, p.Allows("alice", "users/alice/settings", acl.Write))
	assert.False(t, p.Allows("alice", "users/bob/notes", acl.Read))
}

func TestPolicyDenyPrecedesGrant(t *testing.T) {
	p := mustParse(t, mergedPolicy)

	// the deny rule comes first, so it wins even though the pattern
	// section would not grant it anyway
	assert.False(t, p.Allows("alice", "users/alice/blocked", acl.Read))
	assert.False(t, p.Allows("alice", "users/alice/blocked", acl.Write))

	// a deny injected before a broad grant refuses the admin too
	doc := `user admin
topic deny secret/#

user admin
topic readwrite #
`
	p = mustParse(t, doc)
	assert.False(t, p.Allows("admin", "secret/key", acl.Read))
	assert.True(t, p.Allows("admin", "other/topic", acl.Read))
}

func TestPolicyPatternSubstitution(t *testing.T) {
	p := mustParse(t, mergedPolicy)

	assert.True(t, p.Allows("alice", "users/alice/announcements", acl.Read))
	assert.True(t, p.Allows("bob", "users/bob/announcements", acl.Read))
	assert.False(t, p.Allows("bob", "users/alice/announcements", acl.Read))
	assert.False(t, p.Allows("bob", "users/bob/announcements", acl.Write))
}

func TestPolicyWildcards(t *testing.T) {
	doc := `user svc
topic read metrics/+/cpu
topic readwrite logs/#
`
	p := mustParse(t, doc)

	assert.True(t, p.Allows("svc", "metrics/host1/cpu", acl.Read))
	assert.False(t, p.Allows("svc", "metrics/host1/disk", acl.Read))
	assert.False(t, p.Allows("svc", "metrics/a/b/cpu", acl.Read))
	assert.True(t, p.Allows("svc", "logs/a/b/c", acl.Write))
	assert.True(t, p.Allows("svc", "logs/a", acl.Read))
}

func TestPolicyAdminWildcard(t *testing.T) {
	p := mustParse(t, mergedPolicy)
	assert.True(t, p.Allows("admin", "users/alice/notes", acl.Write))
	assert.True(t, p.Allows("admin", "anything/at/all", acl.Read))
}

package artifact_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njyeung/hoppyshare/artifact"
	"github.com/njyeung/hoppyshare/core/apierror"
)

func TestParsePlatform(t *testing.T) {
	p, err := artifact.ParsePlatform("linux")
	require.NoError(t, err)
	assert.Equal(t, artifact.Linux, p)
	assert.Equal(t, "device_linux", p.Target())

	p, err = artifact.ParsePlatform("WINDOWS")
	require.NoError(t, err)
	assert.Equal(t, "device_windows.exe", p.Target())

	_, err = artifact.ParsePlatform("solaris")
	assert.True(t, apierror.HasCode(err, apierror.CodeValidation))
	_, err = artifact.ParsePlatform("")
	assert.True(t, apierror.HasCode(err, apierror.CodeValidation))
}

func TestBuildAndParse(t *testing.T) {
	dir := t.TempDir()
	binary := []byte("\x7fELF fake agent binary")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "device_linux"), binary, 0755))

	builder := &artifact.Builder{Source: artifact.DirSource{Dir: dir}}
	meta := artifact.Metadata{
		DeviceID:      "d1",
		EncryptedBlob: "bm9uY2UtYW5kLWNpcGhlcnRleHQ=",
	}
	data, err := builder.Build(context.Background(), artifact.Linux, meta)
	require.NoError(t, err)

	// the agent binary comes first, unmodified
	assert.Equal(t, binary, data[:len(binary)])

	parsed, err := artifact.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, meta, parsed)
}

func TestBuildMissingBinary(t *testing.T) {
	builder := &artifact.Builder{Source: artifact.DirSource{Dir: t.TempDir()}}
	_, err := builder.Build(context.Background(), artifact.MacOS, artifact.Metadata{DeviceID: "d1"})
	assert.True(t, apierror.HasCode(err, apierror.CodeDependency))
}

func TestParseWithoutMarker(t *testing.T) {
	_, err := artifact.Parse([]byte("just a binary, no trailer"))
	assert.True(t, apierror.HasCode(err, apierror.CodeValidation))
}

func TestParseUsesLastMarker(t *testing.T) {
	// a binary that happens to contain the marker bytes itself
	dir := t.TempDir()
	binary := []byte("prefix" + artifact.Marker + "middle")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "device_darwin"), binary, 0755))

	builder := &artifact.Builder{Source: artifact.DirSource{Dir: dir}}
	meta := artifact.Metadata{DeviceID: "d2"}
	data, err := builder.Build(context.Background(), artifact.MacOS, meta)
	require.NoError(t, err)

	parsed, err := artifact.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "d2", parsed.DeviceID)
}

/*Package artifact packages device credentials into the downloadable
device agent binary.

The artifact is an opaque prebuilt agent binary for the target platform,
followed by a fixed marker sequence and a JSON metadata trailer. The
agent locates the marker at startup and JSON-decodes the trailing
segment to recover its identity and its sealed credential payload.
*/
package artifact

import (
	"bytes"
	"context"
	"strings"

	"github.com/goccy/go-json"

	"github.com/njyeung/hoppyshare/core/apierror"
)

// Marker separates the agent binary from the metadata trailer.
const Marker = "\n--APPEND_MARKER--\n"

// Platform is the target platform of a device agent.
type Platform string

const (
	// Linux target
	Linux Platform = "LINUX"
	// MacOS target
	MacOS Platform = "MACOS"
	// Windows target
	Windows Platform = "WINDOWS"
)

var targets = map[Platform]string{
	Linux:   "device_linux",
	MacOS:   "device_darwin",
	Windows: "device_windows.exe",
}

// ParsePlatform maps a caller-supplied platform string to a Platform.
// Unknown values are a validation error.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToUpper(s))
	if _, ok := targets[p]; !ok {
		return "", apierror.Validation("unsupported platform %q", s)
	}
	return p, nil
}

// Target returns the prebuilt binary name for the platform.
func (p Platform) Target() string {
	return targets[p]
}

// Metadata is the JSON trailer appended to the agent binary. The sealed
// blob variant carries only the device identity in the clear; the
// legacy variant embeds the credentials with an RSA-wrapped group key.
type Metadata struct {
	DeviceID      string `json:"device_id"`
	EncryptedBlob string `json:"encrypted_blob,omitempty"` // base64 nonce||ciphertext
	Cert          string `json:"cert,omitempty"`
	Key           string `json:"key,omitempty"`
	CACert        string `json:"ca_cert,omitempty"`
	GroupKey      string `json:"group_key,omitempty"` // hex, RSA-wrapped
}

// BinarySource provides the prebuilt agent binaries.
type BinarySource interface {
	Fetch(ctx context.Context, target string) ([]byte, error)
}

// Builder assembles device artifacts.
type Builder struct {
	Source BinarySource
}

// Build fetches the platform's agent binary and appends the marker and
// the metadata trailer.
func (b *Builder) Build(ctx context.Context, platform Platform, meta Metadata) ([]byte, error) {
	target := platform.Target()
	if target == "" {
		return nil, apierror.Validation("unsupported platform %q", string(platform))
	}
	binary, err := b.Source.Fetch(ctx, target)
	if err != nil {
		return nil, apierror.Dependency("cannot fetch agent binary %s", target).Wrap(err)
	}
	trailer, err := json.Marshal(meta)
	if err != nil {
		return nil, apierror.Internal("cannot encode artifact metadata").Wrap(err)
	}

	out := make([]byte, 0, len(binary)+len(Marker)+len(trailer))
	out = append(out, binary...)
	out = append(out, Marker...)
	out = append(out, trailer...)
	return out, nil
}

// Parse locates the marker and decodes the metadata trailer.
func Parse(data []byte) (Metadata, error) {
	idx := bytes.LastIndex(data, []byte(Marker))
	if idx < 0 {
		return Metadata{}, apierror.Validation("artifact carries no metadata marker")
	}
	var meta Metadata
	if err := json.Unmarshal(data[idx+len(Marker):], &meta); err != nil {
		return Metadata{}, apierror.Validation("artifact metadata is not valid JSON").Wrap(err)
	}
	return meta, nil
}

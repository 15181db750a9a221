package api_test

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njyeung/hoppyshare/acl"
	"github.com/njyeung/hoppyshare/api"
	"github.com/njyeung/hoppyshare/artifact"
	"github.com/njyeung/hoppyshare/core/access"
	"github.com/njyeung/hoppyshare/core/apierror"
	"github.com/njyeung/hoppyshare/devices"
	"github.com/njyeung/hoppyshare/handoff"
	"github.com/njyeung/hoppyshare/pki"
	"github.com/njyeung/hoppyshare/provisioning"
)

type recordingPublisher struct {
	mu       sync.Mutex
	retained map[string][]byte
}

func (p *recordingPublisher) PublishRetained(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retained == nil {
		p.retained = make(map[string][]byte)
	}
	p.retained[topic] = payload
	return nil
}

type testEnv struct {
	router    *mux.Router
	authority *pki.Authority
	compiler  *acl.Compiler
	publisher *recordingPublisher
}

// asUser injects the authorization the JWT middleware would normally
// derive from the bearer token.
func asUser(uid string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := &access.Authorization{
				Roles:     []string{"user"},
				Selectors: map[string]string{"user": uid},
			}
			next.ServeHTTP(w, r.WithContext(access.ContextWithAuthorization(r.Context(), auth)))
		})
	}
}

func newTestEnv(t *testing.T, uid string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	dynamicDir := filepath.Join(dir, "dynamic")
	require.NoError(t, os.Mkdir(dynamicDir, 0700))
	basePath := filepath.Join(dir, "base.acl")
	require.NoError(t, os.WriteFile(basePath, []byte("user admin\ntopic readwrite #\n"), 0600))
	compiler := &acl.Compiler{
		BasePath:   basePath,
		DynamicDir: dynamicDir,
		MergedPath: filepath.Join(dir, "merged.acl"),
	}

	caCert, caKey, err := pki.GenerateCA("Test Root")
	require.NoError(t, err)
	authority, err := pki.NewAuthority(&pki.Builder{
		CACertPEM:  caCert,
		CAKeyPEM:   caKey,
		Store:      &pki.MemStore{},
		Identities: compiler,
	})
	require.NoError(t, err)

	binaryDir := filepath.Join(dir, "binaries")
	require.NoError(t, os.Mkdir(binaryDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(binaryDir, "device_linux"), []byte("agent"), 0755))

	publisher := &recordingPublisher{}
	coordinator := provisioning.NewCoordinator(&provisioning.Coordinator{
		CA:        authority,
		ACL:       compiler,
		Devices:   devices.NewMemStore(),
		Handoff:   handoff.NewMemStore(),
		Publisher: publisher,
		Artifacts: &artifact.Builder{Source: artifact.DirSource{Dir: binaryDir}},
	})

	restAPI := &api.API{Coordinator: coordinator}
	router := mux.NewRouter()
	restAPI.AddDeviceRoutes(router)
	userRouter := router.PathPrefix("/").Subrouter()
	userRouter.Use(asUser(uid))
	restAPI.AddRoutes(userRouter)

	return &testEnv{router: router, authority: authority, compiler: compiler, publisher: publisher}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestDeviceProvisioningOverREST(t *testing.T) {
	env := newTestEnv(t, "u1")

	rec := env.do(t, http.MethodPost, "/onboard", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/devices?platform=LINUX", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	deviceID := rec.Header().Get("X-Device-Id")
	require.NotEmpty(t, deviceID)

	meta, err := artifact.Parse(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, deviceID, meta.DeviceID)
	require.NotEmpty(t, meta.EncryptedBlob)

	rec = env.do(t, http.MethodGet, "/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []devices.Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, deviceID, list[0].DeviceID)

	// device boot callback, no JWT involved
	body, err := json.Marshal(map[string]string{"encrypted_blob": meta.EncryptedBlob})
	require.NoError(t, err)
	rec = env.do(t, http.MethodPost, "/devices/"+deviceID+"/decrypt", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var release struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &release))
	key, err := base64.StdEncoding.DecodeString(release.Key)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	// a second decrypt is refused
	rec = env.do(t, http.MethodPost, "/devices/"+deviceID+"/decrypt", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already_used")

	rec = env.do(t, http.MethodDelete, "/devices/"+deviceID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list)
}

func TestAddDeviceValidation(t *testing.T) {
	env := newTestEnv(t, "u1")

	rec := env.do(t, http.MethodPost, "/devices?platform=AMIGA", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation")

	// not onboarded yet
	rec = env.do(t, http.MethodPost, "/devices?platform=LINUX", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChangeSettingsOverREST(t *testing.T) {
	env := newTestEnv(t, "u1")
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/onboard", nil).Code)
	rec := env.do(t, http.MethodPost, "/devices?platform=LINUX", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	deviceID := rec.Header().Get("X-Device-Id")

	rec = env.do(t, http.MethodPut, "/devices/"+deviceID+"/settings", []byte(`{"muted": true}`))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPut, "/devices/"+deviceID+"/settings", []byte(`{"muted": "loud"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteUserOverREST(t *testing.T) {
	env := newTestEnv(t, "u1")
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/onboard", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/devices?platform=LINUX", nil).Code)

	rec := env.do(t, http.MethodDelete, "/user", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, env.compiler.HasIdentity("u1"))

	env.publisher.mu.Lock()
	payload := env.publisher.retained["users/u1/settings"]
	env.publisher.mu.Unlock()
	assert.Equal(t, []byte("[]"), payload)
}

func TestControlPlaneRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dynamicDir := filepath.Join(dir, "dynamic")
	require.NoError(t, os.Mkdir(dynamicDir, 0700))
	basePath := filepath.Join(dir, "base.acl")
	require.NoError(t, os.WriteFile(basePath, []byte("user admin\ntopic readwrite #\n"), 0600))
	compiler := &acl.Compiler{
		BasePath:   basePath,
		DynamicDir: dynamicDir,
		MergedPath: filepath.Join(dir, "merged.acl"),
	}

	caCert, caKey, err := pki.GenerateCA("Test Root")
	require.NoError(t, err)
	authority, err := pki.NewAuthority(&pki.Builder{
		CACertPEM:  caCert,
		CAKeyPEM:   caKey,
		Store:      &pki.MemStore{},
		Identities: compiler,
	})
	require.NoError(t, err)

	publisher := &recordingPublisher{}
	control := &api.Control{
		MachineKey: "sesame",
		CA:         authority,
		ACL:        compiler,
		Publisher:  publisher,
	}
	router := mux.NewRouter()
	control.AddRoutes(router)
	server := httptest.NewServer(router)
	defer server.Close()

	// wrong key is rejected before reaching any handler
	_, err = api.NewControlClient(server.URL, "wrong")
	require.Error(t, err)

	client, err := api.NewControlClient(server.URL, "sesame")
	require.NoError(t, err)
	assert.Equal(t, string(caCert), string(client.CACertPEM()))

	require.NoError(t, client.OnboardUser("alice"))
	assert.True(t, client.HasIdentity("alice"))
	assert.False(t, client.HasIdentity("ghost"))

	certPEM, keyPEM, err := client.Issue("alice")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(certPEM), "BEGIN CERTIFICATE"))
	assert.True(t, strings.Contains(string(keyPEM), "BEGIN RSA PRIVATE KEY"))

	crlPEM, err := client.Revoke(certPEM)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(crlPEM), "X509 CRL"))

	// typed errors survive the HTTP boundary
	_, err = client.Revoke(certPEM)
	assert.True(t, apierror.HasCode(err, apierror.CodeNotFound))

	require.NoError(t, client.CompileAndReload())
	require.NoError(t, client.PublishRetained("users/alice/settings", []byte("[]")))
	publisher.mu.Lock()
	assert.Equal(t, []byte("[]"), publisher.retained["users/alice/settings"])
	publisher.mu.Unlock()

	count, err := client.DeleteUser("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = client.Delete("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

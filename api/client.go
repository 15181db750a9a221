package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/njyeung/hoppyshare/core/apierror"
)

// ControlClient talks to a Control server. It implements the
// coordinator's CertificateAuthority, ACLManager and SettingsPublisher
// interfaces, so the workflows can run detached from the host that
// owns the CA files and the broker.
type ControlClient struct {
	BaseURL    string
	MachineKey string
	HTTPClient *http.Client

	caCertPEM []byte
}

// NewControlClient connects to the control server and fetches the CA
// certificate once; it is held for the process lifetime.
func NewControlClient(baseURL, machineKey string) (*ControlClient, error) {
	c := &ControlClient{
		BaseURL:    baseURL,
		MachineKey: machineKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	res, err := c.do(http.MethodGet, "/control/ca", nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, remoteError(res)
	}
	c.caCertPEM, err = io.ReadAll(res.Body)
	if err != nil {
		return nil, apierror.Dependency("cannot read ca certificate").Wrap(err)
	}
	return c, nil
}

func (c *ControlClient) do(method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set(MachineKeyHeader, c.MachineKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, apierror.Dependency("control server unreachable").Wrap(err)
	}
	return res, nil
}

// remoteError rebuilds a typed error from the error envelope so the
// coordinator's error mapping works across the HTTP boundary.
func remoteError(res *http.Response) error {
	var envelope errorResponse
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return apierror.Dependency("control server returned status %d", res.StatusCode)
	}
	return &apierror.Error{
		Status:  res.StatusCode,
		Code:    apierror.Code(envelope.Code),
		Message: envelope.Message,
	}
}

func (c *ControlClient) post(path string, body, into interface{}) error {
	res, err := c.do(http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return remoteError(res)
	}
	if into == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(into)
}

// CACertPEM implements provisioning.CertificateAuthority.
func (c *ControlClient) CACertPEM() []byte { return c.caCertPEM }

// Issue implements provisioning.CertificateAuthority.
func (c *ControlClient) Issue(commonName string) ([]byte, []byte, error) {
	var res struct {
		Cert string `json:"cert"`
		Key  string `json:"key"`
	}
	if err := c.post("/control/issue", cnRequest{CN: commonName}, &res); err != nil {
		return nil, nil, err
	}
	return []byte(res.Cert), []byte(res.Key), nil
}

// Revoke implements provisioning.CertificateAuthority.
func (c *ControlClient) Revoke(certPEM []byte) ([]byte, error) {
	var res struct {
		CRL string `json:"crl"`
	}
	body := map[string]string{"cert": string(certPEM)}
	if err := c.post("/control/revoke", body, &res); err != nil {
		return nil, err
	}
	return []byte(res.CRL), nil
}

// Delete implements provisioning.CertificateAuthority.
func (c *ControlClient) Delete(commonName string) (int, error) {
	var res struct {
		Count int `json:"count"`
	}
	if err := c.post("/control/delete", cnRequest{CN: commonName}, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

// HasIdentity implements provisioning.ACLManager.
func (c *ControlClient) HasIdentity(cn string) bool {
	res, err := c.do(http.MethodGet, "/control/identity/"+url.PathEscape(cn), nil)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode == http.StatusOK
}

// OnboardUser implements provisioning.ACLManager.
func (c *ControlClient) OnboardUser(cn string) error {
	return c.post("/control/onboard_user", cnRequest{CN: cn}, nil)
}

// DeleteUser implements provisioning.ACLManager.
func (c *ControlClient) DeleteUser(cn string) (int, error) {
	var res struct {
		Count int `json:"count"`
	}
	if err := c.post("/control/delete_user", cnRequest{CN: cn}, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

// CompileAndReload implements provisioning.ACLManager.
func (c *ControlClient) CompileAndReload() error {
	return c.post("/control/reload", nil, nil)
}

// PublishRetained implements provisioning.SettingsPublisher.
func (c *ControlClient) PublishRetained(topic string, payload []byte) error {
	return c.post("/control/publish", publishRequest{
		Topic:   topic,
		Payload: base64.StdEncoding.EncodeToString(payload),
	}, nil)
}

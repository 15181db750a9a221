package api

import (
	"crypto/subtle"
	"encoding/base64"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/njyeung/hoppyshare/core/apierror"
	"github.com/njyeung/hoppyshare/provisioning"
)

// MachineKeyHeader authenticates control plane callers.
const MachineKeyHeader = "HoppyShare-Machine-Key"

// Control exposes the CA, ACL and broker primitives to a detached
// workflow runner. It is the server half of ControlClient.
type Control struct {
	MachineKey string
	CA         provisioning.CertificateAuthority
	ACL        provisioning.ACLManager
	Publisher  provisioning.SettingsPublisher
}

// AddRoutes registers the control routes under /control.
func (c *Control) AddRoutes(router *mux.Router) {
	sub := router.PathPrefix("/control").Subrouter()
	sub.Use(c.machineKeyMiddleware)
	sub.HandleFunc("/ca", c.caCert).Methods(http.MethodGet)
	sub.HandleFunc("/issue", c.issue).Methods(http.MethodPost)
	sub.HandleFunc("/revoke", c.revoke).Methods(http.MethodPost)
	sub.HandleFunc("/delete", c.delete).Methods(http.MethodPost)
	sub.HandleFunc("/identity/{cn}", c.identity).Methods(http.MethodGet)
	sub.HandleFunc("/onboard_user", c.onboardUser).Methods(http.MethodPost)
	sub.HandleFunc("/delete_user", c.deleteUser).Methods(http.MethodPost)
	sub.HandleFunc("/reload", c.reload).Methods(http.MethodPost)
	sub.HandleFunc("/publish", c.publish).Methods(http.MethodPost)
}

func (c *Control) machineKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(MachineKeyHeader)
		if len(c.MachineKey) == 0 ||
			subtle.ConstantTimeCompare([]byte(key), []byte(c.MachineKey)) != 1 {
			writeError(w, r, apierror.Authentication("invalid machine key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type cnRequest struct {
	CN string `json:"cn"`
}

func decodeBody(r *http.Request, into interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(into); err != nil {
		return apierror.Validation("cannot decode body").Wrap(err)
	}
	return nil
}

func (c *Control) caCert(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(c.CA.CACertPEM())
}

func (c *Control) issue(w http.ResponseWriter, r *http.Request) {
	var req cnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	certPEM, keyPEM, err := c.CA.Issue(req.CN)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"cert": string(certPEM),
		"key":  string(keyPEM),
	})
}

func (c *Control) revoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cert string `json:"cert"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	crlPEM, err := c.CA.Revoke([]byte(req.Cert))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"crl": string(crlPEM)})
}

func (c *Control) delete(w http.ResponseWriter, r *http.Request) {
	var req cnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	count, err := c.CA.Delete(req.CN)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (c *Control) identity(w http.ResponseWriter, r *http.Request) {
	cn := mux.Vars(r)["cn"]
	if !c.ACL.HasIdentity(cn) {
		writeError(w, r, apierror.NotFound("no identity %s", cn))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cn": cn})
}

func (c *Control) onboardUser(w http.ResponseWriter, r *http.Request) {
	var req cnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := c.ACL.OnboardUser(req.CN); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cn": req.CN})
}

func (c *Control) deleteUser(w http.ResponseWriter, r *http.Request) {
	var req cnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	count, err := c.ACL.DeleteUser(req.CN)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (c *Control) reload(w http.ResponseWriter, r *http.Request) {
	if err := c.ACL.CompileAndReload(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

type publishRequest struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"` // base64
}

func (c *Control) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		writeError(w, r, apierror.Validation("payload is not base64").Wrap(err))
		return
	}
	if err := c.Publisher.PublishRetained(req.Topic, payload); err != nil {
		writeError(w, r, apierror.Dependency("publish failed").Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "published"})
}

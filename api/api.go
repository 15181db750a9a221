/*Package api exposes the provisioning workflows over REST.

Two surfaces exist. The user API carries the JWT-authenticated
account operations (onboard, device add/list/revoke, settings, account
deletion) plus the unauthenticated device boot callback. The control
API is a machine-to-machine surface guarded by a shared key, used when
the workflows run detached from the host that owns the CA files and
the broker (see client.go).
*/
package api

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/njyeung/hoppyshare/artifact"
	"github.com/njyeung/hoppyshare/core/access"
	"github.com/njyeung/hoppyshare/core/apierror"
	"github.com/njyeung/hoppyshare/core/logger"
	"github.com/njyeung/hoppyshare/provisioning"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// API carries the user-facing REST routes.
type API struct {
	Coordinator *provisioning.Coordinator
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apierror.StatusOf(err)
	code := string(apierror.CodeOf(err))

	var partial *provisioning.PartialRevokeError
	if errors.As(err, &partial) {
		status = http.StatusInternalServerError
		code = "partial_failure"
	}

	rlog := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		rlog.WithError(err).Errorln("request failed")
	} else {
		rlog.WithError(err).Infoln("request rejected")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// uidFromRequest resolves the authenticated account.
func uidFromRequest(r *http.Request) (string, error) {
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil {
		return "", apierror.Authentication("no authorization")
	}
	uid, ok := auth.Selector("user")
	if !ok || len(uid) == 0 {
		return "", apierror.Authorization("no user identity")
	}
	return uid, nil
}

// AddRoutes registers the user routes on the router. The router is
// expected to carry the JWT middleware; the device boot callback is
// registered separately via AddDeviceRoutes.
func (a *API) AddRoutes(router *mux.Router) {
	router.HandleFunc("/onboard", a.onboardUser).Methods(http.MethodPost)
	router.HandleFunc("/devices", a.addDevice).Methods(http.MethodPost)
	router.HandleFunc("/devices", a.listDevices).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_id}", a.revokeDevice).Methods(http.MethodDelete)
	router.HandleFunc("/devices/{device_id}/settings", a.changeSettings).Methods(http.MethodPut)
	router.HandleFunc("/user", a.deleteUser).Methods(http.MethodDelete)
}

// AddDeviceRoutes registers the unauthenticated device boot callback.
// Devices hold no JWT; the sealed blob itself is the proof.
func (a *API) AddDeviceRoutes(router *mux.Router) {
	router.HandleFunc("/devices/{device_id}/decrypt", a.releaseKey).Methods(http.MethodPost)
}

func (a *API) onboardUser(w http.ResponseWriter, r *http.Request) {
	uid, err := uidFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.Coordinator.OnboardUser(r.Context(), uid); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uid": uid})
}

func (a *API) addDevice(w http.ResponseWriter, r *http.Request) {
	uid, err := uidFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	platform, err := artifact.ParsePlatform(r.URL.Query().Get("platform"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	mode := provisioning.WrapHandoff
	if r.URL.Query().Get("mode") == "rsa" {
		mode = provisioning.WrapRSA
	}

	deviceID, data, err := a.Coordinator.AddDevice(r.Context(), uid, platform, mode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+platform.Target())
	w.Header().Set("X-Device-Id", deviceID)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	uid, err := uidFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := a.Coordinator.GetDevices(r.Context(), uid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) revokeDevice(w http.ResponseWriter, r *http.Request) {
	uid, err := uidFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	deviceID := mux.Vars(r)["device_id"]
	if err := a.Coordinator.RevokeDevice(r.Context(), uid, deviceID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "status": "revoked"})
}

func (a *API) changeSettings(w http.ResponseWriter, r *http.Request) {
	uid, err := uidFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	deviceID := mux.Vars(r)["device_id"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, r, apierror.Validation("cannot read body").Wrap(err))
		return
	}
	if err := a.Coordinator.ChangeSettings(r.Context(), uid, deviceID, body); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "status": "updated"})
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request) {
	uid, err := uidFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.Coordinator.DeleteUser(r.Context(), uid); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uid": uid, "status": "deleted"})
}

type releaseRequest struct {
	EncryptedBlob string `json:"encrypted_blob"`
}

type releaseResponse struct {
	Key string `json:"key"` // base64
}

func (a *API) releaseKey(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	var req releaseRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, r, apierror.Validation("cannot decode body").Wrap(err))
		return
	}
	blob, err := base64.StdEncoding.DecodeString(req.EncryptedBlob)
	if err != nil {
		writeError(w, r, apierror.Validation("encrypted_blob is not base64").Wrap(err))
		return
	}
	key, err := a.Coordinator.ReleaseKey(r.Context(), deviceID, blob)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, releaseResponse{Key: base64.StdEncoding.EncodeToString(key)})
}

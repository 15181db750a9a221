/*Package provisioning orchestrates the credential lifecycle workflows.

The coordinator composes the certificate authority, the ACL compiler,
the device registry, the one-time key handoff store and the broker
settings channel into the user-facing operations: onboard a user, add
a device, revoke a device, change device settings and delete a user
account. It owns the ordering and rollback policy between those
components.
*/
package provisioning

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/njyeung/hoppyshare/artifact"
	"github.com/njyeung/hoppyshare/core/apierror"
	"github.com/njyeung/hoppyshare/core/logger"
	"github.com/njyeung/hoppyshare/core/schema"
	"github.com/njyeung/hoppyshare/devices"
	"github.com/njyeung/hoppyshare/envelope"
	"github.com/njyeung/hoppyshare/events"
	"github.com/njyeung/hoppyshare/handoff"
)

// stepTimeout bounds every call the coordinator makes into a
// collaborator. A timed-out step counts as a failed step.
const stepTimeout = 10 * time.Second

// CertificateAuthority is the signing capability the coordinator
// drives. Backed by pki.Authority, or by a remote signing service.
type CertificateAuthority interface {
	CACertPEM() []byte
	Issue(commonName string) (certPEM, keyPEM []byte, err error)
	Revoke(certPEM []byte) (crlPEM []byte, err error)
	Delete(commonName string) (int, error)
}

// ACLManager maintains the per-user broker permissions. Backed by
// acl.Compiler, or by a remote broker control plane.
type ACLManager interface {
	HasIdentity(cn string) bool
	OnboardUser(cn string) error
	DeleteUser(cn string) (int, error)
	CompileAndReload() error
}

// DeviceStore is the device registry the coordinator records devices
// and group keys in. devices.SQLStore and devices.MemStore implement it.
type DeviceStore interface {
	InsertDevice(ctx context.Context, deviceID, uid string, certPEM []byte, settings json.RawMessage) error
	ListDevices(ctx context.Context, uid string) ([]devices.Device, error)
	GetDeviceCert(ctx context.Context, deviceID, uid string) ([]byte, error)
	UpdateSettings(ctx context.Context, deviceID, uid string, settings json.RawMessage) error
	DeleteDevice(ctx context.Context, deviceID, uid string) error
	CreateGroupKey(ctx context.Context, uid string, key []byte) error
	GetGroupKey(ctx context.Context, uid string) ([]byte, error)
	DeleteUser(ctx context.Context, uid string) error
}

// SettingsPublisher pushes retained messages to the broker settings
// channel.
type SettingsPublisher interface {
	PublishRetained(topic string, payload []byte) error
}

// WrapMode selects how the group key is wrapped into a device artifact.
type WrapMode int

const (
	// WrapHandoff seals the full secret payload under a one-time
	// symmetric key released by the handoff service. The default.
	WrapHandoff WrapMode = iota
	// WrapRSA embeds the credentials in the artifact with the group
	// key wrapped under the device certificate's RSA public key.
	WrapRSA
)

// Coordinator drives the provisioning workflows.
type Coordinator struct {
	CA        CertificateAuthority
	ACL       ACLManager
	Devices   DeviceStore
	Handoff   handoff.Store
	Publisher SettingsPublisher
	Artifacts *artifact.Builder
	Events    events.Sink

	validator *schema.Validator
}

// defaultSettings is the settings blob a fresh device starts with.
var defaultSettings = json.RawMessage(`{"copy": true}`)

// NewCoordinator wires a coordinator. All collaborators except Events
// are mandatory; a nil Events sink discards audit events.
func NewCoordinator(c *Coordinator) *Coordinator {
	if c.CA == nil || c.ACL == nil || c.Devices == nil || c.Handoff == nil ||
		c.Publisher == nil || c.Artifacts == nil {
		panic("coordinator collaborator missing")
	}
	if c.Events == nil {
		c.Events = events.NopSink{}
	}
	validator, err := schema.NewValidator([]string{settingsSchema})
	if err != nil {
		panic(err)
	}
	c.validator = validator
	return c
}

func settingsTopic(uid string) string { return "users/" + uid + "/settings" }

func stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, stepTimeout)
}

func (c *Coordinator) emit(ctx context.Context, ev events.Event) {
	if err := c.Events.Publish(ctx, ev); err != nil {
		logger.FromContext(ctx).WithError(err).WithField("type", ev.Type).
			Warning("cannot publish audit event")
	}
}

// OnboardUser creates the user's broker identity and group key.
// Safe to retry, a second call observes "already onboarded".
func (c *Coordinator) OnboardUser(ctx context.Context, uid string) error {
	rlog := logger.FromContext(ctx)
	if len(uid) == 0 {
		return apierror.Validation("uid missing")
	}

	// ACL identity first. If this fails no key material exists yet.
	alreadyOnboarded := false
	if err := c.ACL.OnboardUser(uid); err != nil {
		if !apierror.HasCode(err, apierror.CodeConflict) {
			return err
		}
		alreadyOnboarded = true
	}

	key, err := envelope.NewKey()
	if err != nil {
		return apierror.Internal("cannot generate group key").Wrap(err)
	}
	sctx, cancel := stepContext(ctx)
	defer cancel()
	if err := c.Devices.CreateGroupKey(sctx, uid, key); err != nil {
		if !apierror.HasCode(err, apierror.CodeConflict) {
			return err
		}
		alreadyOnboarded = true
	}

	if alreadyOnboarded {
		rlog.WithField("uid", uid).Info("user already onboarded")
		return nil
	}
	rlog.WithField("uid", uid).Info("user onboarded")
	c.emit(ctx, events.Event{Type: events.TypeUserOnboarded, UID: uid})
	return nil
}

// AddDevice issues a certificate for a new device of uid, wraps the
// user's group key for it and returns the ready-to-download artifact
// together with the new device ID.
//
// The certificate is issued and the secrets are wrapped before the
// device record is created, so a failed wrap never leaves an orphaned
// device entry. A stored handoff key is dropped again if the device
// record cannot be created.
func (c *Coordinator) AddDevice(ctx context.Context, uid string, platform artifact.Platform, mode WrapMode) (string, []byte, error) {
	rlog := logger.FromContext(ctx)

	certPEM, keyPEM, err := c.CA.Issue(uid)
	if err != nil {
		return "", nil, err
	}

	sctx, cancel := stepContext(ctx)
	groupKey, err := c.Devices.GetGroupKey(sctx, uid)
	cancel()
	if err != nil {
		return "", nil, err
	}

	deviceID := uuid.New().String()
	meta := artifact.Metadata{DeviceID: deviceID}
	handoffStored := false

	switch mode {
	case WrapRSA:
		wrapped, err := envelope.WrapGroupKeyRSA(certPEM, groupKey)
		if err != nil {
			return "", nil, err
		}
		meta.Cert = string(certPEM)
		meta.Key = string(keyPEM)
		meta.CACert = string(c.CA.CACertPEM())
		meta.GroupKey = hex.EncodeToString(wrapped)

	case WrapHandoff:
		oneTimeKey, err := envelope.NewKey()
		if err != nil {
			return "", nil, apierror.Internal("cannot generate handoff key").Wrap(err)
		}
		payload := envelope.NewPayload(certPEM, keyPEM, c.CA.CACertPEM(), groupKey)
		blob, err := envelope.Seal(oneTimeKey, deviceID, payload)
		if err != nil {
			return "", nil, err
		}
		sctx, cancel := stepContext(ctx)
		err = c.Handoff.StoreKey(sctx, deviceID, oneTimeKey)
		cancel()
		if err != nil {
			return "", nil, err
		}
		handoffStored = true
		meta.EncryptedBlob = base64.StdEncoding.EncodeToString(blob)

	default:
		return "", nil, apierror.Validation("unknown wrap mode")
	}

	sctx, cancel = stepContext(ctx)
	err = c.Devices.InsertDevice(sctx, deviceID, uid, certPEM, defaultSettings)
	cancel()
	if err != nil {
		if handoffStored {
			dctx, cancel := stepContext(context.Background())
			if dropErr := c.Handoff.Drop(dctx, deviceID); dropErr != nil {
				rlog.WithError(dropErr).WithField("device_id", deviceID).
					Error("cannot drop handoff key after failed device insert")
			}
			cancel()
		}
		return "", nil, err
	}

	if err := c.republishSettings(ctx, uid); err != nil {
		rlog.WithError(err).WithField("uid", uid).Warning("cannot republish settings")
	}

	data, err := c.Artifacts.Build(ctx, platform, meta)
	if err != nil {
		return "", nil, err
	}

	rlog.WithFields(logrus.Fields{"uid": uid, "device_id": deviceID}).Info("device added")
	c.emit(ctx, events.Event{Type: events.TypeDeviceAdded, UID: uid, DeviceID: deviceID})
	return deviceID, data, nil
}

// RevokeDevice revokes the device's certificate, refreshes the broker
// policy and removes its record. Revoking an already revoked
// certificate is success. A failure after the CA revocation succeeded
// is reported as *PartialRevokeError: the certificate is revoked but
// the device may still be listed.
func (c *Coordinator) RevokeDevice(ctx context.Context, uid, deviceID string) error {
	rlog := logger.FromContext(ctx)

	sctx, cancel := stepContext(ctx)
	certPEM, err := c.Devices.GetDeviceCert(sctx, deviceID, uid)
	cancel()
	if err != nil {
		return err
	}

	if _, err := c.CA.Revoke(certPEM); err != nil {
		// unknown to the CA means already revoked, which is what the
		// caller wants
		if !apierror.HasCode(err, apierror.CodeNotFound) {
			return err
		}
		rlog.WithField("device_id", deviceID).Info("certificate already revoked")
	}

	// the certificate is revoked from here on; any failure is partial.
	// The broker reload and the registry delete run before the record
	// is gone, so a retry still finds the device and reruns them.

	if err := c.ACL.CompileAndReload(); err != nil {
		return &PartialRevokeError{DeviceID: deviceID, Cause: err}
	}

	sctx, cancel = stepContext(ctx)
	err = c.Devices.DeleteDevice(sctx, deviceID, uid)
	cancel()
	if err != nil {
		return &PartialRevokeError{DeviceID: deviceID, Cause: err}
	}

	sctx, cancel = stepContext(ctx)
	if err := c.Handoff.Drop(sctx, deviceID); err != nil &&
		!apierror.HasCode(err, apierror.CodeNotFound) {
		rlog.WithError(err).WithField("device_id", deviceID).
			Warning("cannot drop handoff key")
	}
	cancel()

	if err := c.republishSettings(ctx, uid); err != nil {
		return &PartialRevokeError{DeviceID: deviceID, Cause: err}
	}

	rlog.WithFields(logrus.Fields{"uid": uid, "device_id": deviceID}).Info("device revoked")
	c.emit(ctx, events.Event{Type: events.TypeDeviceRevoked, UID: uid, DeviceID: deviceID})
	return nil
}

// ChangeSettings validates and stores a device's settings blob and
// republishes the settings channel.
func (c *Coordinator) ChangeSettings(ctx context.Context, uid, deviceID string, settings json.RawMessage) error {
	if err := c.validator.ValidateString(string(settings), "settings"); err != nil {
		return apierror.Validation("invalid settings: %s", err.Error())
	}

	sctx, cancel := stepContext(ctx)
	err := c.Devices.UpdateSettings(sctx, deviceID, uid, settings)
	cancel()
	if err != nil {
		return err
	}
	return c.republishSettings(ctx, uid)
}

// GetDevices lists the user's devices with their settings.
func (c *Coordinator) GetDevices(ctx context.Context, uid string) ([]devices.Device, error) {
	sctx, cancel := stepContext(ctx)
	defer cancel()
	return c.Devices.ListDevices(sctx, uid)
}

// ReleaseKey performs the one-time handoff for a booting device. The
// caller proves possession by presenting the sealed blob from its own
// artifact.
func (c *Coordinator) ReleaseKey(ctx context.Context, deviceID string, blob []byte) ([]byte, error) {
	sctx, cancel := stepContext(ctx)
	defer cancel()
	return c.Handoff.Release(sctx, deviceID, blob)
}

// DeleteUser tears down the account: every device certificate is
// revoked, the device and group key records are removed, the CA's
// issued-certificate records and the ACL identity are dropped, and
// the broker policy is recompiled.
func (c *Coordinator) DeleteUser(ctx context.Context, uid string) error {
	rlog := logger.FromContext(ctx)

	sctx, cancel := stepContext(ctx)
	list, err := c.Devices.ListDevices(sctx, uid)
	cancel()
	if err != nil {
		return err
	}

	for _, d := range list {
		sctx, cancel := stepContext(ctx)
		certPEM, err := c.Devices.GetDeviceCert(sctx, d.DeviceID, uid)
		cancel()
		if err != nil {
			return err
		}
		if _, err := c.CA.Revoke(certPEM); err != nil &&
			!apierror.HasCode(err, apierror.CodeNotFound) {
			return err
		}
		sctx, cancel = stepContext(ctx)
		if err := c.Handoff.Drop(sctx, d.DeviceID); err != nil &&
			!apierror.HasCode(err, apierror.CodeNotFound) {
			rlog.WithError(err).WithField("device_id", d.DeviceID).
				Warning("cannot drop handoff key")
		}
		cancel()
	}

	sctx, cancel = stepContext(ctx)
	err = c.Devices.DeleteUser(sctx, uid)
	cancel()
	if err != nil {
		return err
	}

	if _, err := c.CA.Delete(uid); err != nil &&
		!apierror.HasCode(err, apierror.CodeNotFound) {
		return err
	}

	if _, err := c.ACL.DeleteUser(uid); err != nil {
		if !apierror.HasCode(err, apierror.CodeNotFound) {
			return err
		}
	} else if err := c.ACL.CompileAndReload(); err != nil {
		return err
	}

	// clear the retained device list for late subscribers
	if err := c.Publisher.PublishRetained(settingsTopic(uid), []byte("[]")); err != nil {
		rlog.WithError(err).WithField("uid", uid).Warning("cannot clear settings topic")
	}

	rlog.WithField("uid", uid).Info("user deleted")
	c.emit(ctx, events.Event{Type: events.TypeUserDeleted, UID: uid})
	return nil
}

// republishSettings pushes the current device list as a retained
// message so connected and future clients see it without polling.
func (c *Coordinator) republishSettings(ctx context.Context, uid string) error {
	sctx, cancel := stepContext(ctx)
	list, err := c.Devices.ListDevices(sctx, uid)
	cancel()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(list)
	if err != nil {
		return apierror.Internal("cannot encode device list").Wrap(err)
	}
	if err := c.Publisher.PublishRetained(settingsTopic(uid), payload); err != nil {
		return apierror.Dependency("cannot publish settings").Wrap(err)
	}
	return nil
}

/*Package envelope implements the group-key wrapping used to get the
per-user shared secret onto a new device without transmitting it in the
clear.

Two wrapping modes exist. The asymmetric envelope encrypts the group key
directly under the device certificate's public key with RSA-OAEP. The
preferred one-time symmetric mode seals the whole secret payload with a
fresh AES-256-GCM key whose release is controlled server-side; the
device identity is bound into the ciphertext as additional authenticated
data, so a blob transplanted into another device's artifact fails
authentication.
*/
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"

	"github.com/goccy/go-json"

	"github.com/njyeung/hoppyshare/core/apierror"
)

// KeySize is the size of group keys and handoff keys in bytes.
const KeySize = 32

// NonceSize is the GCM nonce length prepended to sealed blobs.
const NonceSize = 12

// SecretPayload is the per-device credential bundle embedded, sealed,
// in the device artifact.
type SecretPayload struct {
	Cert     string `json:"cert"`
	Key      string `json:"key"`
	CACert   string `json:"ca_cert"`
	GroupKey string `json:"group_key"` // hex encoded
}

// NewKey returns a fresh random 256-bit key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// NewPayload bundles the issued credentials with the user's group key.
func NewPayload(certPEM, keyPEM, caCertPEM, groupKey []byte) SecretPayload {
	return SecretPayload{
		Cert:     string(certPEM),
		Key:      string(keyPEM),
		CACert:   string(caCertPEM),
		GroupKey: hex.EncodeToString(groupKey),
	}
}

// WrapGroupKeyRSA encrypts the group key under the public key of the
// device certificate using RSA-OAEP with SHA-256 for both the hash and
// the mask generation function, empty label.
func WrapGroupKeyRSA(certPEM, groupKey []byte) ([]byte, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, apierror.Validation("certificate is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, apierror.Validation("cannot parse certificate").Wrap(err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, apierror.Validation("certificate does not carry an RSA key")
	}
	// OAEP plaintext ceiling: k - 2*hLen - 2
	if len(groupKey) > pub.Size()-2*sha256.Size-2 {
		return nil, apierror.Validation("payload exceeds OAEP limit for %d bit key", pub.Size()*8)
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, groupKey, nil)
}

// UnwrapGroupKeyRSA is the inverse of WrapGroupKeyRSA, given the device
// private key.
func UnwrapGroupKeyRSA(keyPEM, ciphertext []byte) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, apierror.Validation("key is not PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, apierror.Validation("cannot parse key").Wrap(err)
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, ciphertext, nil)
	if err != nil {
		return nil, apierror.Authentication("cannot unwrap group key").Wrap(err)
	}
	return plain, nil
}

// Seal encrypts the secret payload with AES-256-GCM under key, binding
// the device identity as additional authenticated data. The returned
// blob is nonce followed by ciphertext and tag.
func Seal(key []byte, deviceID string, payload SecretPayload) ([]byte, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return SealBytes(key, deviceID, plaintext)
}

// SealBytes seals raw bytes the same way Seal seals a payload.
func SealBytes(key []byte, deviceID string, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(deviceID)), nil
}

// Open decrypts a sealed blob for the given device identity. A blob
// sealed for a different device fails authentication.
func Open(key []byte, deviceID string, blob []byte) (SecretPayload, error) {
	plaintext, err := OpenBytes(key, deviceID, blob)
	if err != nil {
		return SecretPayload{}, err
	}
	var payload SecretPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return SecretPayload{}, apierror.Authentication("sealed payload is not valid JSON").Wrap(err)
	}
	return payload, nil
}

// OpenBytes is the inverse of SealBytes.
func OpenBytes(key []byte, deviceID string, blob []byte) ([]byte, error) {
	if len(blob) < NonceSize {
		return nil, apierror.Authentication("sealed blob too short")
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := blob[:NonceSize], blob[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(deviceID))
	if err != nil {
		return nil, apierror.Authentication("cannot decrypt blob").Wrap(err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, apierror.Validation("key must be %d bytes", KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

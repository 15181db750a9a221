package pki_test

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njyeung/hoppyshare/core/apierror"
	"github.com/njyeung/hoppyshare/pki"
)

func newTestAuthority(t *testing.T, identities pki.IdentityChecker) (*pki.Authority, *pki.MemStore) {
	t.Helper()
	caCert, caKey, err := pki.GenerateCA("Test Root")
	require.NoError(t, err)
	store := &pki.MemStore{}
	authority, err := pki.NewAuthority(&pki.Builder{
		CACertPEM:  caCert,
		CAKeyPEM:   caKey,
		Store:      store,
		Identities: identities,
	})
	require.NoError(t, err)
	return authority, store
}

func parseCert(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func parseCRL(t *testing.T, crlPEM []byte) *x509.RevocationList {
	t.Helper()
	block, _ := pem.Decode(crlPEM)
	require.NotNil(t, block)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	return crl
}

func crlContains(crl *x509.RevocationList, serial string) bool {
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.String() == serial {
			return true
		}
	}
	return false
}

func TestIssueAndVerify(t *testing.T) {
	authority, _ := newTestAuthority(t, nil)

	certPEM, keyPEM, err := authority.Issue("alice")
	require.NoError(t, err)
	require.NotEmpty(t, keyPEM)

	cert := parseCert(t, certPEM)
	assert.Equal(t, "alice", cert.Subject.CommonName)
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageClientAuth)

	caPool := x509.NewCertPool()
	require.True(t, caPool.AppendCertsFromPEM(authority.CACertPEM()))
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     caPool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)

	keyBlock, _ := pem.Decode(keyPEM)
	require.NotNil(t, keyBlock)
	_, err = x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	assert.NoError(t, err)
}

func TestIssueSerialsIncrease(t *testing.T) {
	authority, _ := newTestAuthority(t, nil)

	first, _, err := authority.Issue("alice")
	require.NoError(t, err)
	second, _, err := authority.Issue("alice")
	require.NoError(t, err)

	a := parseCert(t, first).SerialNumber
	b := parseCert(t, second).SerialNumber
	assert.Equal(t, 1, b.Cmp(a), "serials must increase")
}

func TestIssueRejectsMalformedCommonName(t *testing.T) {
	authority, _ := newTestAuthority(t, nil)
	for _, cn := range []string{"", "with space", "with/slash", string(make([]byte, 100))} {
		_, _, err := authority.Issue(cn)
		assert.True(t, apierror.HasCode(err, apierror.CodeValidation), "cn %q", cn)
	}
}

func TestIssueRequiresIdentity(t *testing.T) {
	identities := pki.IdentityCheckerFunc(func(cn string) bool { return cn == "alice" })
	authority, _ := newTestAuthority(t, identities)

	_, _, err := authority.Issue("ghost")
	assert.True(t, apierror.HasCode(err, apierror.CodeValidation))

	_, _, err = authority.Issue("alice")
	assert.NoError(t, err)
}

func TestRevokePutsSerialOnCRL(t *testing.T) {
	authority, store := newTestAuthority(t, nil)

	certPEM, _, err := authority.Issue("alice")
	require.NoError(t, err)
	serial := parseCert(t, certPEM).SerialNumber.String()

	// never on the CRL before revocation
	crlPEM, err := authority.CRL()
	require.NoError(t, err)
	assert.False(t, crlContains(parseCRL(t, crlPEM), serial))

	crlPEM, err = authority.Revoke(certPEM)
	require.NoError(t, err)
	assert.True(t, crlContains(parseCRL(t, crlPEM), serial))

	// the store saw the same CRL
	assert.Equal(t, crlPEM, store.CRL())
}

func TestRevokeTwiceIsNotFound(t *testing.T) {
	authority, _ := newTestAuthority(t, nil)

	certPEM, _, err := authority.Issue("alice")
	require.NoError(t, err)
	serial := parseCert(t, certPEM).SerialNumber.String()

	_, err = authority.Revoke(certPEM)
	require.NoError(t, err)

	_, err = authority.Revoke(certPEM)
	assert.True(t, apierror.HasCode(err, apierror.CodeNotFound))

	// the end state is unchanged
	crlPEM, err := authority.CRL()
	require.NoError(t, err)
	crl := parseCRL(t, crlPEM)
	assert.True(t, crlContains(crl, serial))
	assert.Len(t, crl.RevokedCertificateEntries, 1)
}

func TestRevokeUnknownCertificate(t *testing.T) {
	authority, _ := newTestAuthority(t, nil)
	other, _ := newTestAuthority(t, nil)

	foreign, _, err := other.Issue("stranger")
	require.NoError(t, err)

	_, err = authority.Revoke(foreign)
	assert.True(t, apierror.HasCode(err, apierror.CodeNotFound))
}

func TestCRLNumberIncrements(t *testing.T) {
	authority, _ := newTestAuthority(t, nil)

	first, _, err := authority.Issue("alice")
	require.NoError(t, err)
	second, _, err := authority.Issue("alice")
	require.NoError(t, err)

	crlPEM, err := authority.Revoke(first)
	require.NoError(t, err)
	n1 := parseCRL(t, crlPEM).Number

	crlPEM, err = authority.Revoke(second)
	require.NoError(t, err)
	n2 := parseCRL(t, crlPEM).Number

	assert.Equal(t, 1, n2.Cmp(n1), "CRL number must increase")
}

func TestDeleteRemovesIssuedRecords(t *testing.T) {
	authority, _ := newTestAuthority(t, nil)

	_, _, err := authority.Issue("alice")
	require.NoError(t, err)
	_, _, err = authority.Issue("alice")
	require.NoError(t, err)
	bobCert, _, err := authority.Issue("bob")
	require.NoError(t, err)

	count, err := authority.Delete("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = authority.Delete("alice")
	assert.True(t, apierror.HasCode(err, apierror.CodeNotFound))

	// bob's record is untouched and can still be revoked
	_, err = authority.Revoke(bobCert)
	assert.NoError(t, err)
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	caCert, caKey, err := pki.GenerateCA("Test Root")
	require.NoError(t, err)

	authority, err := pki.NewAuthority(&pki.Builder{
		CACertPEM: caCert,
		CAKeyPEM:  caKey,
		Store:     pki.FileStore{Dir: dir},
	})
	require.NoError(t, err)

	certPEM, _, err := authority.Issue("alice")
	require.NoError(t, err)
	_, err = authority.Revoke(certPEM)
	require.NoError(t, err)

	// a second authority over the same directory sees the revocation
	reopened, err := pki.NewAuthority(&pki.Builder{
		CACertPEM: caCert,
		CAKeyPEM:  caKey,
		Store:     pki.FileStore{Dir: dir},
	})
	require.NoError(t, err)
	_, err = reopened.Revoke(certPEM)
	assert.True(t, apierror.HasCode(err, apierror.CodeNotFound))
}

type faultyStore struct {
	*pki.MemStore
	failState bool
}

func (s *faultyStore) SaveState(state *pki.State) error {
	if s.failState {
		return errors.New("disk full")
	}
	return s.MemStore.SaveState(state)
}

func TestRevokePersistsCRLBeforeState(t *testing.T) {
	caCert, caKey, err := pki.GenerateCA("Test Root")
	require.NoError(t, err)
	store := &faultyStore{MemStore: &pki.MemStore{}}
	authority, err := pki.NewAuthority(&pki.Builder{
		CACertPEM: caCert,
		CAKeyPEM:  caKey,
		Store:     store,
	})
	require.NoError(t, err)

	certPEM, _, err := authority.Issue("alice")
	require.NoError(t, err)
	serial := parseCert(t, certPEM).SerialNumber.String()

	store.failState = true
	_, err = authority.Revoke(certPEM)
	require.Error(t, err)

	// the saved CRL already rejects the serial, which fails closed
	assert.True(t, crlContains(parseCRL(t, store.CRL()), serial))

	// the revocation itself was not recorded, so the retry goes through
	store.failState = false
	crlPEM, err := authority.Revoke(certPEM)
	require.NoError(t, err)
	assert.True(t, crlContains(parseCRL(t, crlPEM), serial))
}

/*Package pki implements the certificate authority for device credentials.

The Authority issues RSA leaf certificates for a common name, revokes them
and regenerates the certificate revocation list. All state changes against
the serial counter and the revoked set are serialized, so concurrent
issuance and revocation cannot race on serial allocation or interleave CRL
regeneration.
*/
package pki

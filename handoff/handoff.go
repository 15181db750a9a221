/*Package handoff stores the one-time key that unlocks a device's sealed
credential payload after first boot.

A key is stored once per device-add operation and released exactly once,
to a caller that proves possession of the sealed blob embedded in its
own artifact. The used flag transitions false to true exactly once;
concurrent release calls for the same device are serialized so at most
one succeeds.
*/
package handoff

import (
	"context"
)

// Store is the one-time key store.
type Store interface {
	// StoreKey persists a release key for a device with used=false. A
	// key that already exists for the device yields a Conflict; there is
	// no silent overwrite.
	StoreKey(ctx context.Context, deviceID string, key []byte) error

	// Release returns the key for a device after verifying that proof is
	// the sealed blob from the device's own artifact, and atomically
	// marks the key used. A second release yields AlreadyUsed and never
	// returns the key.
	Release(ctx context.Context, deviceID string, proof []byte) ([]byte, error)

	// Drop removes a stored key. Used to roll back a failed device-add
	// so no stored key outlives its device record.
	Drop(ctx context.Context, deviceID string) error
}

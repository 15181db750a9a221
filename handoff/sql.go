package handoff

import (
	"context"
	"encoding/base64"

	"github.com/njyeung/hoppyshare/core/apierror"
	"github.com/njyeung/hoppyshare/core/csql"
	"github.com/njyeung/hoppyshare/envelope"
)

// SQLStore keeps handoff keys in postgres. The used flag is flipped
// with a single conditional update, so concurrent callers observe
// at most one successful release per device.
type SQLStore struct {
	db *csql.DB
}

// NewSQLStore creates the sql relation (if it does not exist) and
// returns the store.
func NewSQLStore(db *csql.DB) *SQLStore {
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `.encryption_keys
(device_id uuid NOT NULL,
encryption_key varchar NOT NULL,
used boolean NOT NULL DEFAULT false,
created_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY(device_id)
);`)
	if err != nil {
		panic(err)
	}
	return &SQLStore{db: db}
}

// StoreKey persists the key base64 encoded with used=false.
func (s *SQLStore) StoreKey(ctx context.Context, deviceID string, key []byte) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.encryption_keys(device_id,encryption_key)
VALUES($1,$2) ON CONFLICT (device_id) DO NOTHING;`,
		deviceID, base64.StdEncoding.EncodeToString(key))
	if err != nil {
		return apierror.Dependency("cannot store handoff key").Wrap(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return apierror.Dependency("cannot store handoff key").Wrap(err)
	}
	if count == 0 {
		return apierror.Conflict("handoff key for device %s already exists", deviceID)
	}
	return nil
}

// Release implements the one-time release. The proof blob is opened
// with the stored key and the device identity as additional
// authenticated data before the used flag is flipped.
func (s *SQLStore) Release(ctx context.Context, deviceID string, proof []byte) ([]byte, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx,
		`SELECT encryption_key FROM `+s.db.Schema+`.encryption_keys WHERE device_id=$1;`,
		deviceID).Scan(&encoded)
	if err == csql.ErrNoRows {
		return nil, apierror.NotFound("no handoff key for device %s", deviceID)
	}
	if err != nil {
		return nil, apierror.Dependency("cannot read handoff key").Wrap(err)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apierror.Internal("stored handoff key is corrupt").Wrap(err)
	}

	if _, err := envelope.OpenBytes(key, deviceID, proof); err != nil {
		return nil, err
	}

	// single atomic read-modify-write on the used flag
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.encryption_keys SET used=true WHERE device_id=$1 AND NOT used;`,
		deviceID)
	if err != nil {
		return nil, apierror.Dependency("cannot mark handoff key used").Wrap(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return nil, apierror.Dependency("cannot mark handoff key used").Wrap(err)
	}
	if count == 0 {
		return nil, apierror.AlreadyUsed("handoff key for device %s was already released", deviceID)
	}
	return key, nil
}

// Drop removes the key for a device.
func (s *SQLStore) Drop(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.db.Schema+`.encryption_keys WHERE device_id=$1;`,
		deviceID)
	if err != nil {
		return apierror.Dependency("cannot drop handoff key").Wrap(err)
	}
	return nil
}

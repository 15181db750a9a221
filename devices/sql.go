package devices

import (
	"context"
	"database/sql"

	"github.com/goccy/go-json"

	"github.com/njyeung/hoppyshare/core/apierror"
	"github.com/njyeung/hoppyshare/core/csql"
)

// Device is one row of a user's device list, as published on the
// settings topic.
type Device struct {
	DeviceID string          `json:"deviceid"`
	Settings json.RawMessage `json:"settings"`
}

// SQLStore is the postgres device registry.
type SQLStore struct {
	db *csql.DB
}

// NewSQLStore creates the sql relations (if they do not exist) and
// returns the store.
func NewSQLStore(db *csql.DB) *SQLStore {
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `.device
(device_id uuid NOT NULL,
uid varchar NOT NULL,
cert varchar NOT NULL,
settings json NOT NULL,
created_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY(device_id)
);
CREATE INDEX IF NOT EXISTS device_uid ON ` + db.Schema + `.device(uid);
CREATE table IF NOT EXISTS ` + db.Schema + `.user_keys
(uid varchar NOT NULL,
group_key bytea NOT NULL,
created_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY(uid)
);`)
	if err != nil {
		panic(err)
	}
	return &SQLStore{db: db}
}

// InsertDevice records a freshly provisioned device.
func (s *SQLStore) InsertDevice(ctx context.Context, deviceID, uid string, certPEM []byte, settings json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.device(device_id,uid,cert,settings)
VALUES($1,$2,$3,$4) ON CONFLICT (device_id) DO NOTHING;`,
		deviceID, uid, string(certPEM), string(settings))
	if err != nil {
		return apierror.Dependency("cannot insert device").Wrap(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return apierror.Dependency("cannot insert device").Wrap(err)
	}
	if count == 0 {
		return apierror.Conflict("device %s already exists", deviceID)
	}
	return nil
}

// ListDevices returns the user's devices with their settings.
func (s *SQLStore) ListDevices(ctx context.Context, uid string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, settings FROM `+s.db.Schema+`.device WHERE uid=$1 ORDER BY created_at;`,
		uid)
	if err != nil {
		return nil, apierror.Dependency("cannot list devices").Wrap(err)
	}
	defer rows.Close()
	devices := []Device{}
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.DeviceID, &d.Settings); err != nil {
			return nil, apierror.Dependency("cannot scan device").Wrap(err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ownershipError resolves a missed (device_id, uid) lookup. A device
// that exists under a different uid is an authorization failure, not
// a missing device.
func (s *SQLStore) ownershipError(ctx context.Context, deviceID string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM `+s.db.Schema+`.device WHERE device_id=$1;`,
		deviceID).Scan(&one)
	if err == csql.ErrNoRows {
		return apierror.NotFound("device %s does not exist", deviceID)
	}
	if err != nil {
		return apierror.Dependency("cannot read device").Wrap(err)
	}
	return apierror.Authorization("device %s belongs to a different user", deviceID)
}

// GetDeviceCert returns the certificate of a device owned by uid.
// NotFound when the device does not exist, Authorization when it
// belongs to somebody else.
func (s *SQLStore) GetDeviceCert(ctx context.Context, deviceID, uid string) ([]byte, error) {
	var cert string
	err := s.db.QueryRowContext(ctx,
		`SELECT cert FROM `+s.db.Schema+`.device WHERE device_id=$1 AND uid=$2;`,
		deviceID, uid).Scan(&cert)
	if err == csql.ErrNoRows {
		return nil, s.ownershipError(ctx, deviceID)
	}
	if err != nil {
		return nil, apierror.Dependency("cannot read device").Wrap(err)
	}
	return []byte(cert), nil
}

// UpdateSettings replaces a device's settings blob.
func (s *SQLStore) UpdateSettings(ctx context.Context, deviceID, uid string, settings json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.device SET settings=$3 WHERE device_id=$1 AND uid=$2;`,
		deviceID, uid, string(settings))
	if err != nil {
		return apierror.Dependency("cannot update settings").Wrap(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return apierror.Dependency("cannot update settings").Wrap(err)
	}
	if count == 0 {
		return s.ownershipError(ctx, deviceID)
	}
	return nil
}

// DeleteDevice removes a device owned by uid.
func (s *SQLStore) DeleteDevice(ctx context.Context, deviceID, uid string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.db.Schema+`.device WHERE device_id=$1 AND uid=$2;`,
		deviceID, uid)
	if err != nil {
		return apierror.Dependency("cannot delete device").Wrap(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return apierror.Dependency("cannot delete device").Wrap(err)
	}
	if count == 0 {
		return s.ownershipError(ctx, deviceID)
	}
	return nil
}

// CreateGroupKey stores the user's group key at onboarding. A user that
// already has one yields Conflict.
func (s *SQLStore) CreateGroupKey(ctx context.Context, uid string, key []byte) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.user_keys(uid,group_key)
VALUES($1,$2) ON CONFLICT (uid) DO NOTHING;`,
		uid, key)
	if err != nil {
		return apierror.Dependency("cannot store group key").Wrap(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return apierror.Dependency("cannot store group key").Wrap(err)
	}
	if count == 0 {
		return apierror.Conflict("user %s already has a group key", uid)
	}
	return nil
}

// GetGroupKey returns the user's group key.
func (s *SQLStore) GetGroupKey(ctx context.Context, uid string) ([]byte, error) {
	var key []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT group_key FROM `+s.db.Schema+`.user_keys WHERE uid=$1;`,
		uid).Scan(&key)
	if err == csql.ErrNoRows {
		return nil, apierror.NotFound("no group key for user %s", uid)
	}
	if err != nil {
		return nil, apierror.Dependency("cannot read group key").Wrap(err)
	}
	return key, nil
}

// DeleteUser removes the user's devices and group key in one
// transaction, for account deletion.
func (s *SQLStore) DeleteUser(ctx context.Context, uid string) error {
	err := s.db.WithTransaction(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+s.db.Schema+`.device WHERE uid=$1;`, uid); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM `+s.db.Schema+`.user_keys WHERE uid=$1;`, uid)
		return err
	})
	if err != nil {
		return apierror.Dependency("cannot delete user").Wrap(err)
	}
	return nil
}

package devices

import (
	"context"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/njyeung/hoppyshare/core/apierror"
)

type memDevice struct {
	uid      string
	cert     []byte
	settings json.RawMessage
	seq      int
}

// MemStore is an in-memory device registry for tests and dev mode.
type MemStore struct {
	mu      sync.Mutex
	devices map[string]*memDevice
	keys    map[string][]byte
	seq     int
}

// NewMemStore returns an empty in-memory registry.
func NewMemStore() *MemStore {
	return &MemStore{
		devices: make(map[string]*memDevice),
		keys:    make(map[string][]byte),
	}
}

// InsertDevice records a device.
func (s *MemStore) InsertDevice(ctx context.Context, deviceID, uid string, certPEM []byte, settings json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[deviceID]; ok {
		return apierror.Conflict("device %s already exists", deviceID)
	}
	s.seq++
	s.devices[deviceID] = &memDevice{uid: uid, cert: certPEM, settings: settings, seq: s.seq}
	return nil
}

// ListDevices returns the user's devices in insertion order.
func (s *MemStore) ListDevices(ctx context.Context, uid string) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := []Device{}
	ids := make([]string, 0, len(s.devices))
	for id, d := range s.devices {
		if d.uid == uid {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return s.devices[ids[i]].seq < s.devices[ids[j]].seq })
	for _, id := range ids {
		list = append(list, Device{DeviceID: id, Settings: s.devices[id].settings})
	}
	return list, nil
}

// GetDeviceCert returns the certificate of a device owned by uid.
func (s *MemStore) GetDeviceCert(ctx context.Context, deviceID, uid string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, apierror.NotFound("device %s does not exist", deviceID)
	}
	if d.uid != uid {
		return nil, apierror.Authorization("device %s belongs to a different user", deviceID)
	}
	return d.cert, nil
}

// UpdateSettings replaces a device's settings blob.
func (s *MemStore) UpdateSettings(ctx context.Context, deviceID, uid string, settings json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return apierror.NotFound("device %s does not exist", deviceID)
	}
	if d.uid != uid {
		return apierror.Authorization("device %s belongs to a different user", deviceID)
	}
	d.settings = settings
	return nil
}

// DeleteDevice removes a device owned by uid.
func (s *MemStore) DeleteDevice(ctx context.Context, deviceID, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return apierror.NotFound("device %s does not exist", deviceID)
	}
	if d.uid != uid {
		return apierror.Authorization("device %s belongs to a different user", deviceID)
	}
	delete(s.devices, deviceID)
	return nil
}

// CreateGroupKey stores the user's group key.
func (s *MemStore) CreateGroupKey(ctx context.Context, uid string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[uid]; ok {
		return apierror.Conflict("user %s already has a group key", uid)
	}
	stored := make([]byte, len(key))
	copy(stored, key)
	s.keys[uid] = stored
	return nil
}

// GetGroupKey returns the user's group key.
func (s *MemStore) GetGroupKey(ctx context.Context, uid string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[uid]
	if !ok {
		return nil, apierror.NotFound("no group key for user %s", uid)
	}
	return key, nil
}

// DeleteUser removes the user's devices and group key.
func (s *MemStore) DeleteUser(ctx context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.devices {
		if d.uid == uid {
			delete(s.devices, id)
		}
	}
	delete(s.keys, uid)
	return nil
}

package provisioning

// PartialRevokeError reports that a device's certificate was revoked
// at the CA but a later cleanup step failed. The certificate is dead,
// the device record or broker state may still mention it. Retrying
// the revoke completes the cleanup while the device record remains;
// once the record is removed only the retained settings republish can
// still be pending, and the next settings change repairs that.
type PartialRevokeError struct {
	DeviceID string
	Cause    error
}

func (e *PartialRevokeError) Error() string {
	return "device " + e.DeviceID + " revoked but cleanup incomplete: " + e.Cause.Error()
}

// Unwrap returns the failed cleanup step's error.
func (e *PartialRevokeError) Unwrap() error { return e.Cause }

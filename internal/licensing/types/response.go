package types

import "time"

// Response status values.
const (
	StatusActive   = "active"
	StatusUsed     = "used"
	StatusRevoked  = "revoked"
	StatusNotFound = "not_found"
	StatusExpired  = "expired"
	StatusMismatch = "mismatch"
)

type ValidateResponse struct {
	Allowed bool           `json:"allowed"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
	License *PublicLicense `json:"license,omitempty"`
}

// PublicLicense is the license view returned to devices. Every historical
// alias of the device identifier and timestamps is populated with the same
// value so older clients keep working.
type PublicLicense struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Type   string `json:"type,omitempty"`

	DeviceID   *string `json:"deviceId"`
	DeviceIDV2 *string `json:"device_id"`
	HardwareID *string `json:"hardware_id"`
	HWID       *string `json:"hwid"`
	MachineID  *string `json:"machine_id"`

	ActivatedAt   *string `json:"activatedAt"`
	ActivatedAtV1 *string `json:"activated_at"`
	ExpiresAt     *string `json:"expiresAt"`
	ExpiresAtV1   *string `json:"expires_at"`
}

func NewPublicLicense(key, status, typ, deviceID string, activatedAt, expiresAt *time.Time) *PublicLicense {
	dev := optString(deviceID)
	act := optTime(activatedAt)
	exp := optTime(expiresAt)
	return &PublicLicense{
		Key:    key,
		Status: status,
		Type:   typ,

		DeviceID:   dev,
		DeviceIDV2: dev,
		HardwareID: dev,
		HWID:       dev,
		MachineID:  dev,

		ActivatedAt:   act,
		ActivatedAtV1: act,
		ExpiresAt:     exp,
		ExpiresAtV1:   exp,
	}
}

// Fields returns the response as a generic map with the same keys as its
// JSON form, for google.protobuf.Struct encoding.
func (r ValidateResponse) Fields() map[string]any {
	m := map[string]any{
		"allowed": r.Allowed,
		"status":  r.Status,
		"message": r.Message,
	}
	if r.License != nil {
		m["license"] = r.License.Fields()
	}
	return m
}

func (l *PublicLicense) Fields() map[string]any {
	m := map[string]any{
		"key":          l.Key,
		"status":       l.Status,
		"deviceId":     deref(l.DeviceID),
		"device_id":    deref(l.DeviceIDV2),
		"hardware_id":  deref(l.HardwareID),
		"hwid":         deref(l.HWID),
		"machine_id":   deref(l.MachineID),
		"activatedAt":  deref(l.ActivatedAt),
		"activated_at": deref(l.ActivatedAtV1),
		"expiresAt":    deref(l.ExpiresAt),
		"expires_at":   deref(l.ExpiresAtV1),
	}
	if l.Type != "" {
		m["type"] = l.Type
	}
	return m
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// deref maps nil to an untyped nil so structpb encodes it as NullValue.
func deref(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

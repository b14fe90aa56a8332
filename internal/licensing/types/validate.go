package types

import (
	"strings"
	"time"
)

// Inbound field names. The device identifier has been sent under several
// names over the protocol's life; DeviceIDFields lists them in precedence
// order, canonical first. New integrations should send "deviceId" only.
const (
	FieldKey         = "key"
	FieldDeviceID    = "deviceId"
	FieldDeviceModel = "deviceModel"
)

var DeviceIDFields = []string{FieldDeviceID, "device_id", "hardware_id", "hwid", "machine_id"}

var DeviceModelFields = []string{FieldDeviceModel, "device_model"}

// ValidateRequest is the normalized request the validation core sees.
// SourceIP, RequestID and RequestedAt are filled in by the transport.
type ValidateRequest struct {
	Key         string `validate:"omitempty,max=64,printascii"`
	DeviceID    string `validate:"required,max=256"`
	DeviceModel string `validate:"max=256"`

	SourceIP    string
	RequestID   string
	RequestedAt time.Time
}

// RequestFromFields normalizes a decoded request body. Values that are not
// strings are ignored. The first non-empty device alias wins.
func RequestFromFields(fields map[string]any) ValidateRequest {
	return ValidateRequest{
		Key:         strings.ToUpper(firstString(fields, FieldKey)),
		DeviceID:    firstString(fields, DeviceIDFields...),
		DeviceModel: firstString(fields, DeviceModelFields...),
	}
}

func firstString(fields map[string]any, names ...string) string {
	for _, n := range names {
		s, ok := fields[n].(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

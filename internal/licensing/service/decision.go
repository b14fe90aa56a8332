package service

import (
	"time"

	"github.com/neovend/licensegate/internal/licensing/store"
)

type Outcome int

const (
	OutcomeNotFound Outcome = iota
	OutcomeExpired
	OutcomeRevoked
	OutcomeMismatch
	OutcomeNeedsBinding
	OutcomeAlreadyValid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotFound:
		return "not_found"
	case OutcomeExpired:
		return "expired"
	case OutcomeRevoked:
		return "revoked"
	case OutcomeMismatch:
		return "mismatch"
	case OutcomeNeedsBinding:
		return "needs_binding"
	case OutcomeAlreadyValid:
		return "already_valid"
	default:
		return "unknown"
	}
}

// Decision is the outcome of evaluating one license against one device,
// with the snapshot it was computed from. License is nil for NotFound.
type Decision struct {
	Outcome Outcome
	License *store.License
}

// Decide evaluates lic for deviceID at now. The checks run in a fixed
// order and the first match wins: a license that is both expired and
// revoked reports Expired.
func Decide(lic *store.License, deviceID string, now time.Time) Decision {
	d := Decision{License: lic}

	switch {
	case lic == nil:
		d.Outcome = OutcomeNotFound
	case lic.ExpiredAt(now):
		d.Outcome = OutcomeExpired
	case lic.Status == store.StatusRevoked:
		d.Outcome = OutcomeRevoked
	case lic.Bound() && lic.DeviceID != deviceID:
		d.Outcome = OutcomeMismatch
	case !lic.Bound() && lic.Status.Bindable():
		d.Outcome = OutcomeNeedsBinding
	default:
		d.Outcome = OutcomeAlreadyValid
	}

	return d
}

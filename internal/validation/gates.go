package validation

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// MaxCommentLength is the longest accepted comment, in characters
const MaxCommentLength = 1000

var validate = validator.New()

// ScanCandidate describes an applicator scanned while offline
type ScanCandidate struct {
	Serial      string
	TreatmentID string

	// Downloaded is true when the store holds a record for Serial, owned
	// by DownloadedFor.
	Downloaded    bool
	DownloadedFor string
}

// ValidateScan only admits applicators downloaded for the same treatment
func ValidateScan(c ScanCandidate) Result {
	if strings.TrimSpace(c.Serial) == "" {
		return reject("empty serial number")
	}
	if !c.Downloaded {
		return reject(fmt.Sprintf("applicator %s was not downloaded for offline use", c.Serial))
	}
	if c.DownloadedFor != c.TreatmentID {
		return reject(fmt.Sprintf("applicator %s belongs to another treatment", c.Serial))
	}
	return allow(LevelNone, "applicator available offline")
}

// ValidateOfflineFinalization rejects finalization for every topology.
// Finalizing needs a live signature verification round trip.
func ValidateOfflineFinalization(Topology) Result {
	return reject("treatment finalization requires signature verification and is unavailable offline")
}

// ValidateComment accepts 1..MaxCommentLength characters of non-blank text
func ValidateComment(comment string) Result {
	if err := validate.Var(strings.TrimSpace(comment), "required"); err != nil {
		return reject("comment must not be empty")
	}
	if err := validate.Var(comment, fmt.Sprintf("max=%d", MaxCommentLength)); err != nil {
		return reject(fmt.Sprintf("comment exceeds %d characters", MaxCommentLength))
	}
	return allow(LevelNone, "")
}

// BundleState classifies an offline bundle by its remaining lifetime
type BundleState string

const (
	BundleValid        BundleState = "valid"
	BundleExpiringSoon BundleState = "expiring_soon"
	BundleExpired      BundleState = "expired"
)

// BundleCheck is the result of CheckBundleExpiry
type BundleCheck struct {
	Result
	State          BundleState `json:"state"`
	HoursRemaining float64     `json:"hoursRemaining"`
}

// CheckBundleExpiry compares a bundle expiry against now. Expired bundles
// are not allowed; bundles inside warnWindow are allowed with a warning.
func CheckBundleExpiry(expiresAt, now time.Time, warnWindow time.Duration) BundleCheck {
	remaining := expiresAt.Sub(now)
	hours := math.Round(remaining.Hours()*100) / 100

	switch {
	case remaining <= 0:
		return BundleCheck{
			Result:         reject("offline bundle has expired; reconnect and download the treatment again"),
			State:          BundleExpired,
			HoursRemaining: 0,
		}
	case remaining <= warnWindow:
		return BundleCheck{
			Result:         allow(LevelWarning, fmt.Sprintf("offline bundle expires in %.1f hours", remaining.Hours())),
			State:          BundleExpiringSoon,
			HoursRemaining: hours,
		}
	default:
		return BundleCheck{
			Result:         allow(LevelNone, fmt.Sprintf("offline bundle valid for %.1f hours", remaining.Hours())),
			State:          BundleValid,
			HoursRemaining: hours,
		}
	}
}

// ERPMetadata is the inventory system's safety view of one applicator
type ERPMetadata struct {
	Serial         string
	ExpiryDate     *time.Time
	NoUse          bool
	TreatmentTypes []string
	SeedCount      int
	CachedAt       time.Time
}

// ValidateERPMetadata fails closed: missing or stale metadata rejects, as
// do expired devices, no-use flags and incompatible treatment types.
func ValidateERPMetadata(meta *ERPMetadata, now time.Time, ttl time.Duration, indication string) Result {
	if meta == nil {
		return reject("inventory metadata unavailable; applicator cannot be verified")
	}
	if now.Sub(meta.CachedAt) > ttl {
		return reject(fmt.Sprintf("inventory metadata for %s is stale; reconnect to verify", meta.Serial))
	}
	if meta.ExpiryDate != nil && !now.Before(*meta.ExpiryDate) {
		return reject(fmt.Sprintf("applicator %s expired on %s", meta.Serial, meta.ExpiryDate.Format("2006-01-02")))
	}
	if meta.NoUse {
		return reject(fmt.Sprintf("applicator %s is flagged no-use", meta.Serial))
	}
	if len(meta.TreatmentTypes) > 0 && !containsFold(meta.TreatmentTypes, indication) {
		return reject(fmt.Sprintf("applicator %s is not approved for %s treatments", meta.Serial, indication))
	}
	return allow(LevelNone, "inventory metadata verified")
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(value)) {
			return true
		}
	}
	return false
}

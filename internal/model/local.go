package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Keys of the browser-local persisted values mirrored by kvstore.
const (
	KeyUser             = "user"
	KeyLastActivityTime = "lastActivityTime"
	KeyItineraryUsage   = "itineraryUsage"
)

// UserRecord is the locally mirrored profile of the signed-in user.
type UserRecord struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Plan  Plan   `json:"plan,omitempty"`
}

// IsGuest reports whether the record carries no identity.
func (u UserRecord) IsGuest() bool {
	return strings.TrimSpace(u.ID) == ""
}

// DecodeUserRecord parses a serialized user record. It returns the zero
// record and false on any decode failure; the plan of a decoded record is
// always normalized, so a missing or unknown plan reads as free.
func DecodeUserRecord(raw string) (UserRecord, bool) {
	if strings.TrimSpace(raw) == "" {
		return UserRecord{}, false
	}
	var wire struct {
		ID    any    `json:"id"`
		Email string `json:"email"`
		Plan  any    `json:"plan"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return UserRecord{}, false
	}
	rec := UserRecord{Email: wire.Email}
	switch v := wire.ID.(type) {
	case string:
		rec.ID = v
	case float64:
		rec.ID = strconv.FormatFloat(v, 'f', -1, 64)
	}
	planName, _ := wire.Plan.(string)
	rec.Plan = ParsePlan(planName)
	return rec, true
}

// EncodeUserRecord serializes a user record for storage.
func EncodeUserRecord(u UserRecord) (string, error) {
	if u.Plan == "" {
		u.Plan = PlanFree
	}
	b, err := json.Marshal(u)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MonthKey returns the usage counter key (YYYY-MM) for t.
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}

// DecodeUsage parses the month->count map. It returns an empty map on any
// decode failure. Negative counts are dropped.
func DecodeUsage(raw string) map[string]int {
	usage := make(map[string]int)
	if strings.TrimSpace(raw) == "" {
		return usage
	}
	var decoded map[string]int
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return usage
	}
	for k, v := range decoded {
		if v > 0 {
			usage[k] = v
		}
	}
	return usage
}

// EncodeUsage serializes the month->count map.
func EncodeUsage(usage map[string]int) (string, error) {
	b, err := json.Marshal(usage)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeActivityTime parses an epoch-millis timestamp. It returns the zero
// time and false on any decode failure or a non-positive value.
func DecodeActivityTime(raw string) (time.Time, bool) {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// EncodeActivityTime formats t as epoch millis.
func EncodeActivityTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

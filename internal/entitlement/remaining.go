package entitlement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const unlimitedLiteral = "unlimited"

// Remaining is an itinerary allowance: either unlimited or a count that is
// never negative. Callers must branch on Count's second result rather than
// compare numerically.
type Remaining struct {
	count     int
	unlimited bool
}

// Unlimited is the sentinel for paid plans.
func Unlimited() Remaining {
	return Remaining{unlimited: true}
}

// Limited returns a finite allowance, floored at zero.
func Limited(n int) Remaining {
	if n < 0 {
		n = 0
	}
	return Remaining{count: n}
}

// Count returns the finite allowance and true, or 0 and false when
// unlimited.
func (r Remaining) Count() (int, bool) {
	if r.unlimited {
		return 0, false
	}
	return r.count, true
}

func (r Remaining) IsUnlimited() bool {
	return r.unlimited
}

// Exhausted reports whether a finite allowance has reached zero.
func (r Remaining) Exhausted() bool {
	return !r.unlimited && r.count == 0
}

func (r Remaining) String() string {
	if r.unlimited {
		return unlimitedLiteral
	}
	return strconv.Itoa(r.count)
}

// MarshalJSON encodes the allowance as a number or "unlimited".
func (r Remaining) MarshalJSON() ([]byte, error) {
	if r.unlimited {
		return []byte(`"` + unlimitedLiteral + `"`), nil
	}
	return []byte(strconv.Itoa(r.count)), nil
}

func (r *Remaining) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != unlimitedLiteral {
			return fmt.Errorf("remaining: unexpected value %q", s)
		}
		*r = Unlimited()
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("remaining: %w", err)
	}
	*r = Limited(n)
	return nil
}

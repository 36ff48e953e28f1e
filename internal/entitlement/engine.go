package entitlement

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dukerupert/chinaroute/internal/kvstore"
	"github.com/dukerupert/chinaroute/internal/model"
)

const (
	// DefaultMonthlyLimit is the number of itineraries a free identity may
	// create per calendar month.
	DefaultMonthlyLimit = 3

	// DefaultUsageRetention is how many month keys the usage counter keeps.
	DefaultUsageRetention = 12
)

var errLimitReached = errors.New("monthly limit reached")

// Quota denial reasons.
const (
	ReasonLimitReached = "monthly_limit_reached"
	ReasonGuest        = "guest"
)

// QuotaStatus mirrors the response of the quota-check endpoint so online
// and offline callers can treat both the same way.
type QuotaStatus struct {
	CanCreate bool      `json:"canCreate"`
	Remaining Remaining `json:"remaining"`
	Reason    string    `json:"reason,omitempty"`
}

// Config tunes an Engine. Zero values take the defaults.
type Config struct {
	MonthlyLimit int
	// UsageRetention is the number of month keys kept after an increment.
	// Negative disables pruning.
	UsageRetention int
	Now            func() time.Time
	Logger         *slog.Logger
}

// Engine answers entitlement questions for the identity whose state lives
// in store. A nil store behaves like an empty one.
type Engine struct {
	mu        sync.Mutex
	store     kvstore.Store
	limit     int
	retention int
	now       func() time.Time
	logger    *slog.Logger
}

func NewEngine(store kvstore.Store, cfg Config) *Engine {
	if cfg.MonthlyLimit <= 0 {
		cfg.MonthlyLimit = DefaultMonthlyLimit
	}
	if cfg.UsageRetention == 0 {
		cfg.UsageRetention = DefaultUsageRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:     store,
		limit:     cfg.MonthlyLimit,
		retention: cfg.UsageRetention,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// MonthlyLimit returns the configured free-tier limit.
func (e *Engine) MonthlyLimit() int {
	return e.limit
}

// User returns the stored user record. It returns a guest record on any
// missing or undecodable value.
func (e *Engine) User() model.UserRecord {
	raw, ok := e.read(model.KeyUser)
	if !ok {
		return model.UserRecord{}
	}
	rec, ok := model.DecodeUserRecord(raw)
	if !ok {
		e.logger.Debug("discarding malformed user record")
		return model.UserRecord{}
	}
	return rec
}

// UserPlan returns the stored plan, or free when the record is absent,
// corrupt, has no plan or belongs to a guest.
func (e *Engine) UserPlan() model.Plan {
	rec := e.User()
	if rec.IsGuest() || rec.Plan == "" {
		return model.PlanFree
	}
	return rec.Plan
}

// HasAccess reports whether the stored plan may use feature.
func (e *Engine) HasAccess(feature Feature) bool {
	return HasAccess(feature, e.UserPlan())
}

// IsPaidUser reports whether the stored plan is paid.
func (e *Engine) IsPaidUser() bool {
	return IsPaid(e.UserPlan())
}

// RemainingItineraries returns Unlimited for paid plans and
// max(0, limit - usage this month) otherwise. Guests always see the full
// limit because they are not counted.
func (e *Engine) RemainingItineraries() Remaining {
	rec := e.User()
	if rec.IsGuest() {
		return Limited(e.limit)
	}
	if rec.Plan.Paid() {
		return Unlimited()
	}
	e.mu.Lock()
	used := e.usageFor(model.MonthKey(e.now()))
	e.mu.Unlock()
	return Limited(e.limit - used)
}

// IncrementItineraryUsage counts one itinerary against the current month.
// Paid plans and guests are not counted. Store failures are logged and
// swallowed.
func (e *Engine) IncrementItineraryUsage() {
	rec := e.User()
	if rec.IsGuest() || rec.Plan.Paid() || e.store == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	month := model.MonthKey(e.now())
	err := kvstore.Update(e.store, model.KeyItineraryUsage, func(raw string, _ bool) (string, error) {
		usage := model.DecodeUsage(raw)
		usage[month]++
		pruneUsage(usage, e.retention)
		return model.EncodeUsage(usage)
	})
	if err != nil {
		e.logger.Warn("increment itinerary usage", "error", err)
	}
}

// ConsumeItinerary checks the quota and counts one itinerary in a single
// store update, so concurrent callers for the same identity cannot both take
// the last slot. It returns the status after the call and whether creation
// is allowed. Paid plans and guests are never counted. Store failures other
// than an exhausted quota are logged and allow creation.
func (e *Engine) ConsumeItinerary() (QuotaStatus, bool) {
	rec := e.User()
	if rec.IsGuest() {
		return QuotaStatus{CanCreate: true, Remaining: Limited(e.limit), Reason: ReasonGuest}, true
	}
	if rec.Plan.Paid() {
		return QuotaStatus{CanCreate: true, Remaining: Unlimited()}, true
	}
	if e.store == nil {
		return e.QuotaStatus(), true
	}

	month := model.MonthKey(e.now())
	var used int
	e.mu.Lock()
	err := kvstore.Update(e.store, model.KeyItineraryUsage, func(raw string, _ bool) (string, error) {
		usage := model.DecodeUsage(raw)
		if usage[month] >= e.limit {
			return "", errLimitReached
		}
		usage[month]++
		used = usage[month]
		pruneUsage(usage, e.retention)
		return model.EncodeUsage(usage)
	})
	e.mu.Unlock()
	switch {
	case errors.Is(err, errLimitReached):
		return QuotaStatus{Remaining: Limited(0), Reason: ReasonLimitReached}, false
	case err != nil:
		e.logger.Warn("consume itinerary", "error", err)
		return e.QuotaStatus(), true
	}
	remaining := Limited(e.limit - used)
	status := QuotaStatus{CanCreate: !remaining.Exhausted(), Remaining: remaining}
	if remaining.Exhausted() {
		status.Reason = ReasonLimitReached
	}
	return status, true
}

// QuotaStatus reports whether another itinerary may be created now.
func (e *Engine) QuotaStatus() QuotaStatus {
	remaining := e.RemainingItineraries()
	status := QuotaStatus{CanCreate: !remaining.Exhausted(), Remaining: remaining}
	switch {
	case remaining.Exhausted():
		status.Reason = ReasonLimitReached
	case e.User().IsGuest():
		status.Reason = ReasonGuest
	}
	return status
}

// UsageHistory returns the stored month->count map. It returns an empty map
// on any read or decode failure.
func (e *Engine) UsageHistory() map[string]int {
	raw, _ := e.read(model.KeyItineraryUsage)
	return model.DecodeUsage(raw)
}

func (e *Engine) usageFor(month string) int {
	raw, ok := e.read(model.KeyItineraryUsage)
	if !ok {
		return 0
	}
	return model.DecodeUsage(raw)[month]
}

// read returns the value of key and false when the store is missing, the
// key is absent or the backend fails.
func (e *Engine) read(key string) (string, bool) {
	if e.store == nil {
		return "", false
	}
	v, err := e.store.Get(key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			e.logger.Debug("read local state", "key", key, "error", err)
		}
		return "", false
	}
	return v, true
}

// pruneUsage keeps only the newest keep month keys. YYYY-MM keys sort
// chronologically as strings.
func pruneUsage(usage map[string]int, keep int) {
	if keep < 0 || len(usage) <= keep {
		return
	}
	months := make([]string, 0, len(usage))
	for k := range usage {
		months = append(months, k)
	}
	sort.Strings(months)
	for _, k := range months[:len(months)-keep] {
		delete(usage, k)
	}
}

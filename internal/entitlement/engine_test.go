package entitlement

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/chinaroute/internal/kvstore"
	"github.com/dukerupert/chinaroute/internal/model"
)

var october = time.Date(2026, time.October, 19, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, store kvstore.Store, now time.Time) *Engine {
	t.Helper()
	return NewEngine(store, Config{Now: func() time.Time { return now }})
}

func seedUser(t *testing.T, store kvstore.Store, id string, plan model.Plan) {
	t.Helper()
	raw, err := model.EncodeUserRecord(model.UserRecord{ID: id, Plan: plan})
	if err != nil {
		t.Fatalf("encode user: %v", err)
	}
	if err := store.Set(model.KeyUser, raw); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

// failingStore fails every operation, like storage disabled by the browser.
type failingStore struct{}

var errBackend = errors.New("backend unavailable")

func (failingStore) Get(string) (string, error) { return "", errBackend }
func (failingStore) Set(string, string) error   { return errBackend }
func (failingStore) Remove(string) error        { return errBackend }

func TestHasAccessMatchesMatrix(t *testing.T) {
	for _, f := range AllFeatures {
		authorized := AuthorizedPlans(f)
		for _, p := range model.Plans {
			want := false
			for _, ap := range authorized {
				if ap == p {
					want = true
				}
			}
			if got := HasAccess(f, p); got != want {
				t.Errorf("HasAccess(%s, %s) = %v, want %v", f, p, got, want)
			}
		}
	}
}

func TestUnknownFeatureFailsClosed(t *testing.T) {
	for _, p := range model.Plans {
		if HasAccess(Feature("teleportation"), p) {
			t.Errorf("unknown feature granted to %s", p)
		}
	}
	if _, ok := ParseFeature("teleportation"); ok {
		t.Error("ParseFeature accepted unknown feature")
	}
	if AuthorizedPlans(Feature("teleportation")) != nil {
		t.Error("unknown feature should have no authorized plans")
	}
}

func TestEveryFeatureHasAPlan(t *testing.T) {
	if len(accessMatrix) != len(AllFeatures) {
		t.Fatalf("matrix has %d features, AllFeatures has %d", len(accessMatrix), len(AllFeatures))
	}
	for _, f := range AllFeatures {
		if len(AuthorizedPlans(f)) == 0 {
			t.Errorf("feature %s has no authorized plan", f)
		}
	}
}

func TestLifetimeIsSupersetOfPro(t *testing.T) {
	for _, f := range AllFeatures {
		if HasAccess(f, model.PlanPro) && !HasAccess(f, model.PlanLifetime) {
			t.Errorf("feature %s granted to pro but not lifetime", f)
		}
	}
	if len(Features(model.PlanLifetime)) <= len(Features(model.PlanPro)) {
		t.Error("lifetime should grant strictly more features than pro")
	}
}

func TestIsPaid(t *testing.T) {
	tests := map[model.Plan]bool{
		model.PlanFree:     false,
		model.PlanPro:      true,
		model.PlanLifetime: true,
		model.Plan("gold"): false,
	}
	for p, want := range tests {
		if got := IsPaid(p); got != want {
			t.Errorf("IsPaid(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestUserPlanDefaults(t *testing.T) {
	if got := NewEngine(nil, Config{}).UserPlan(); got != model.PlanFree {
		t.Errorf("nil store plan = %q, want free", got)
	}
	if got := NewEngine(failingStore{}, Config{}).UserPlan(); got != model.PlanFree {
		t.Errorf("failing store plan = %q, want free", got)
	}

	store := kvstore.NewMemory()
	if got := NewEngine(store, Config{}).UserPlan(); got != model.PlanFree {
		t.Errorf("empty store plan = %q, want free", got)
	}

	store.Set(model.KeyUser, `{"id":"u-1"}`)
	if got := NewEngine(store, Config{}).UserPlan(); got != model.PlanFree {
		t.Errorf("missing plan field = %q, want free", got)
	}

	store.Set(model.KeyUser, `{"id":"u-1","plan":"elite"}`)
	if got := NewEngine(store, Config{}).UserPlan(); got != model.PlanLifetime {
		t.Errorf("elite plan = %q, want lifetime", got)
	}
}

func TestCorruptUserRecord(t *testing.T) {
	store := kvstore.NewMemory()
	store.Set(model.KeyUser, "{this is not json")
	e := NewEngine(store, Config{})

	if got := e.UserPlan(); got != model.PlanFree {
		t.Errorf("plan = %q, want free", got)
	}
	if !e.HasAccess(FeatureBasicItinerary) {
		t.Error("expected basic_itinerary for corrupt record")
	}
	if !HasAccess(FeatureBasicItinerary, model.PlanFree) {
		t.Error("expected basic_itinerary for free")
	}
	if e.HasAccess(FeatureAIAssistant) {
		t.Error("corrupt record must not unlock paid features")
	}
}

func TestPaidUsersAreUnlimited(t *testing.T) {
	for _, plan := range []model.Plan{model.PlanPro, model.PlanLifetime} {
		store := kvstore.NewMemory()
		seedUser(t, store, "u-paid", plan)
		e := newTestEngine(t, store, october)

		if !e.IsPaidUser() {
			t.Errorf("%s: expected paid user", plan)
		}
		r := e.RemainingItineraries()
		if !r.IsUnlimited() {
			t.Errorf("%s: remaining = %v, want unlimited", plan, r)
		}
		if _, ok := r.Count(); ok {
			t.Errorf("%s: Count should report not finite", plan)
		}

		for i := 0; i < 5; i++ {
			e.IncrementItineraryUsage()
		}
		if _, err := store.Get(model.KeyItineraryUsage); !errors.Is(err, kvstore.ErrNotFound) {
			t.Errorf("%s: usage counter written for paid plan (err=%v)", plan, err)
		}
		if !e.QuotaStatus().CanCreate {
			t.Errorf("%s: paid user should be able to create", plan)
		}
	}
}

func TestFreeUserQuota(t *testing.T) {
	store := kvstore.NewMemory()
	seedUser(t, store, "u-free", model.PlanFree)
	e := newTestEngine(t, store, october)

	if n, ok := e.RemainingItineraries().Count(); !ok || n != 3 {
		t.Fatalf("initial remaining = %d (finite=%v), want 3", n, ok)
	}

	for i := 0; i < 3; i++ {
		e.IncrementItineraryUsage()
	}
	if n, ok := e.RemainingItineraries().Count(); !ok || n != 0 {
		t.Errorf("after 3 increments remaining = %d, want 0", n)
	}

	e.IncrementItineraryUsage()
	if n, _ := e.RemainingItineraries().Count(); n != 0 {
		t.Errorf("after 4 increments remaining = %d, want 0", n)
	}
	if got := e.UsageHistory()["2026-10"]; got != 4 {
		t.Errorf("stored usage = %d, want 4", got)
	}

	status := e.QuotaStatus()
	if status.CanCreate {
		t.Error("expected CanCreate = false at limit")
	}
	if status.Reason != ReasonLimitReached {
		t.Errorf("reason = %q, want %q", status.Reason, ReasonLimitReached)
	}
}

func TestMonthBoundaryResetsQuota(t *testing.T) {
	store := kvstore.NewMemory()
	seedUser(t, store, "u-free", model.PlanFree)
	store.Set(model.KeyItineraryUsage, `{"2026-09":3}`)

	e := newTestEngine(t, store, october)
	if n, ok := e.RemainingItineraries().Count(); !ok || n != 3 {
		t.Errorf("remaining = %d, want full limit 3", n)
	}

	// Same identity, last month's view is exhausted.
	september := newTestEngine(t, store, october.AddDate(0, -1, 0))
	if n, _ := september.RemainingItineraries().Count(); n != 0 {
		t.Errorf("september remaining = %d, want 0", n)
	}
}

func TestGuestIsNotCounted(t *testing.T) {
	store := kvstore.NewMemory()
	e := newTestEngine(t, store, october)

	e.IncrementItineraryUsage()
	if _, err := store.Get(model.KeyItineraryUsage); !errors.Is(err, kvstore.ErrNotFound) {
		t.Error("guest increment should not write usage")
	}
	if n, _ := e.RemainingItineraries().Count(); n != DefaultMonthlyLimit {
		t.Errorf("guest remaining = %d, want %d", n, DefaultMonthlyLimit)
	}
	status := e.QuotaStatus()
	if !status.CanCreate || status.Reason != ReasonGuest {
		t.Errorf("guest status = %+v", status)
	}
}

func TestGuestRecordWithPaidPlanIsFree(t *testing.T) {
	for _, raw := range []string{`{"plan":"pro"}`, `{"plan":"lifetime"}`, `{"id":"  ","plan":"pro"}`} {
		store := kvstore.NewMemory()
		if err := store.Set(model.KeyUser, raw); err != nil {
			t.Fatalf("seed: %v", err)
		}
		e := newTestEngine(t, store, october)

		if got := e.UserPlan(); got != model.PlanFree {
			t.Errorf("%s: plan = %q, want free", raw, got)
		}
		if e.IsPaidUser() {
			t.Errorf("%s: guest reported as paid", raw)
		}
		if e.HasAccess(FeatureAIAssistant) {
			t.Errorf("%s: guest unlocked ai_assistant", raw)
		}
		if n, ok := e.RemainingItineraries().Count(); !ok || n != DefaultMonthlyLimit {
			t.Errorf("%s: remaining = %v, want %d", raw, e.RemainingItineraries(), DefaultMonthlyLimit)
		}
		e.IncrementItineraryUsage()
		if _, ok := e.ConsumeItinerary(); !ok {
			t.Errorf("%s: guest consume denied", raw)
		}
		if _, err := store.Get(model.KeyItineraryUsage); !errors.Is(err, kvstore.ErrNotFound) {
			t.Errorf("%s: guest usage written (err=%v)", raw, err)
		}
		if status := e.QuotaStatus(); status.Reason != ReasonGuest {
			t.Errorf("%s: reason = %q, want guest", raw, status.Reason)
		}
	}
}

func TestConsumeItinerary(t *testing.T) {
	store := kvstore.NewMemory()
	seedUser(t, store, "u-free", model.PlanFree)
	e := newTestEngine(t, store, october)

	for i := DefaultMonthlyLimit - 1; i >= 0; i-- {
		status, ok := e.ConsumeItinerary()
		if !ok {
			t.Fatalf("consume denied with %d left", i+1)
		}
		if n, _ := status.Remaining.Count(); n != i {
			t.Errorf("remaining = %d, want %d", n, i)
		}
	}
	status, ok := e.ConsumeItinerary()
	if ok || status.CanCreate || status.Reason != ReasonLimitReached {
		t.Errorf("over limit: ok=%v status=%+v", ok, status)
	}
	if got := e.UsageHistory()["2026-10"]; got != DefaultMonthlyLimit {
		t.Errorf("usage = %d, want %d", got, DefaultMonthlyLimit)
	}
}

func TestConsumeItineraryConcurrent(t *testing.T) {
	store := kvstore.NewMemory()
	seedUser(t, store, "u-free", model.PlanFree)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate engines over one store, like concurrent requests.
			e := newTestEngine(t, store, october)
			if _, ok := e.ConsumeItinerary(); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != DefaultMonthlyLimit {
		t.Errorf("granted = %d, want %d", granted, DefaultMonthlyLimit)
	}
	e := newTestEngine(t, store, october)
	if got := e.UsageHistory()["2026-10"]; got != DefaultMonthlyLimit {
		t.Errorf("usage = %d, want %d", got, DefaultMonthlyLimit)
	}
}

func TestConsumeItineraryPaidAndFailingStore(t *testing.T) {
	store := kvstore.NewMemory()
	seedUser(t, store, "u-pro", model.PlanPro)
	e := newTestEngine(t, store, october)
	for i := 0; i < DefaultMonthlyLimit+2; i++ {
		if status, ok := e.ConsumeItinerary(); !ok || !status.Remaining.IsUnlimited() {
			t.Fatalf("paid consume %d: ok=%v status=%+v", i, ok, status)
		}
	}
	if _, err := store.Get(model.KeyItineraryUsage); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("paid usage written (err=%v)", err)
	}

	if _, ok := NewEngine(failingStore{}, Config{}).ConsumeItinerary(); !ok {
		t.Error("failing store should not block a guest")
	}
}

func TestCorruptUsageTreatedAsZero(t *testing.T) {
	store := kvstore.NewMemory()
	seedUser(t, store, "u-free", model.PlanFree)
	store.Set(model.KeyItineraryUsage, "][")
	e := newTestEngine(t, store, october)

	if n, _ := e.RemainingItineraries().Count(); n != 3 {
		t.Errorf("remaining = %d, want 3", n)
	}
	e.IncrementItineraryUsage()
	if n, _ := e.RemainingItineraries().Count(); n != 2 {
		t.Errorf("remaining after increment = %d, want 2", n)
	}
}

func TestFailingStoreDefaults(t *testing.T) {
	e := NewEngine(failingStore{}, Config{})
	e.IncrementItineraryUsage()
	if n, ok := e.RemainingItineraries().Count(); !ok || n != DefaultMonthlyLimit {
		t.Errorf("remaining = %d, want %d", n, DefaultMonthlyLimit)
	}
	if e.IsPaidUser() {
		t.Error("failing store must not read as paid")
	}
}

func TestUsagePruning(t *testing.T) {
	store := kvstore.NewMemory()
	seedUser(t, store, "u-free", model.PlanFree)
	store.Set(model.KeyItineraryUsage, `{"2025-01":1,"2025-02":2,"2026-09":1}`)

	e := NewEngine(store, Config{UsageRetention: 2, Now: func() time.Time { return october }})
	e.IncrementItineraryUsage()

	history := e.UsageHistory()
	if len(history) != 2 {
		t.Fatalf("history = %v, want 2 months", history)
	}
	if history["2026-09"] != 1 || history["2026-10"] != 1 {
		t.Errorf("history = %v", history)
	}
}

func TestUsagePruningDisabled(t *testing.T) {
	store := kvstore.NewMemory()
	seedUser(t, store, "u-free", model.PlanFree)
	store.Set(model.KeyItineraryUsage, `{"2020-01":1,"2021-01":1}`)

	e := NewEngine(store, Config{UsageRetention: -1, Now: func() time.Time { return october }})
	e.IncrementItineraryUsage()
	if got := len(e.UsageHistory()); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
}

func TestUpgradeMessage(t *testing.T) {
	for f := range upgradeMessages {
		if UpgradeMessage(f) == genericUpgradeMessage {
			t.Errorf("feature %s fell back to generic message", f)
		}
	}
	if got := UpgradeMessage(Feature("unknown")); got != genericUpgradeMessage {
		t.Errorf("unknown feature message = %q", got)
	}
}

func TestRemainingJSON(t *testing.T) {
	b, err := json.Marshal(QuotaStatus{CanCreate: true, Remaining: Unlimited()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"canCreate":true,"remaining":"unlimited"}` {
		t.Errorf("unlimited json = %s", b)
	}

	b, _ = json.Marshal(QuotaStatus{Remaining: Limited(-4), Reason: ReasonLimitReached})
	if string(b) != `{"canCreate":false,"remaining":0,"reason":"monthly_limit_reached"}` {
		t.Errorf("limited json = %s", b)
	}

	var status QuotaStatus
	if err := json.Unmarshal([]byte(`{"canCreate":true,"remaining":2}`), &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n, ok := status.Remaining.Count(); !ok || n != 2 {
		t.Errorf("decoded remaining = %d finite=%v", n, ok)
	}
	if err := json.Unmarshal([]byte(`{"remaining":"lots"}`), &status); err == nil {
		t.Error("expected error for unknown remaining literal")
	}
}

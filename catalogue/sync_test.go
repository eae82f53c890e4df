package catalogue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/cpd-engine/catalogue"
	"github.com/warp/cpd-engine/cpd"
	"github.com/warp/cpd-engine/cpd/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// fakeProvider records calls and fails on demand. Like the real provider,
// a repeated idempotency key returns the price created for it, and a new
// key always creates a distinct price.
type fakeProvider struct {
	mu sync.Mutex

	products  int
	prices    map[string]catalogue.PriceParams // idempotency key -> params
	ids       map[string]string                // idempotency key -> price id
	created   map[string]int                   // base id -> prices created
	archived  []string
	failPrice map[string][]error // item id -> errors to return in order
	failProd  []error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		prices:    make(map[string]catalogue.PriceParams),
		ids:       make(map[string]string),
		created:   make(map[string]int),
		failPrice: make(map[string][]error),
	}
}

func (p *fakeProvider) EnsureProduct(_ context.Context, c catalogue.Course, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.failProd) > 0 {
		err := p.failProd[0]
		p.failProd = p.failProd[1:]
		return "", err
	}
	p.products++
	return "prod_" + string(c.ID), nil
}

func (p *fakeProvider) CreatePrice(_ context.Context, params catalogue.PriceParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := params.VariantID
	if ref == "" {
		ref = params.CourseID
	}
	if errs := p.failPrice[ref]; len(errs) > 0 {
		p.failPrice[ref] = errs[1:]
		return "", errs[0]
	}
	if id, ok := p.ids[params.IdempotencyKey]; ok {
		return id, nil
	}
	base := fmt.Sprintf("price_%s_%d", ref, params.AmountPence)
	p.created[base]++
	id := base
	if n := p.created[base]; n > 1 {
		id = fmt.Sprintf("%s_v%d", base, n)
	}
	p.prices[params.IdempotencyKey] = params
	p.ids[params.IdempotencyKey] = id
	return id, nil
}

func (p *fakeProvider) ArchivePrice(_ context.Context, priceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.archived = append(p.archived, priceID)
	return nil
}

func transient() error {
	return &catalogue.ProviderError{Op: "create price", Message: "connection reset", Retryable: true}
}

func rejected() error {
	return &catalogue.ProviderError{Op: "create price", Message: "No such product", Code: "resource_missing", Status: 400}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newSyncer(t *testing.T) (*catalogue.Syncer, *store.Memory, *fakeProvider) {
	mem := store.NewMemory()
	provider := newFakeProvider()
	cfg := catalogue.DefaultSyncConfig()
	cfg.BaseBackoff = time.Millisecond
	cfg.RatePerSecond = 0
	return catalogue.NewSyncer(mem, provider, zaptest.NewLogger(t), cfg), mem, provider
}

func seedCourse(t *testing.T, mem *store.Memory, variants map[string]string) cpd.ItemID {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.SaveCourse(ctx, catalogue.Course{ID: "course-1", Title: "Ethics", CPDHours: d("3")}))
	for id, price := range variants {
		require.NoError(t, mem.SaveVariant(ctx, catalogue.Variant{
			ID: cpd.ItemID(id), CourseID: "course-1", Name: id, Price: d(price),
		}))
	}
	return "course-1"
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestSyncCourse_CreatesProductAndPrices(t *testing.T) {
	syncer, mem, provider := newSyncer(t)
	ctx := context.Background()
	courseID := seedCourse(t, mem, map[string]string{"london": "120", "online": "99.50"})

	res, err := syncer.SyncCourse(ctx, courseID)
	require.NoError(t, err)

	assert.Equal(t, "prod_course-1", res.ProductID)
	assert.ElementsMatch(t, []cpd.ItemID{"london", "online"}, res.SyncedVariantIDs)
	assert.Equal(t, 1, provider.products)

	online, err := mem.GetVariant(ctx, "online")
	require.NoError(t, err)
	assert.Equal(t, "price_online_9950", online.StripePriceID)
	assert.True(t, online.SyncedPrice.Equal(d("99.50")))

	course, err := mem.GetCourse(ctx, courseID)
	require.NoError(t, err)
	assert.Equal(t, "prod_course-1", course.StripeProductID)

	params := provider.prices["price:online:9950"]
	assert.Equal(t, "gbp", params.Currency)
	assert.Equal(t, "prod_course-1", params.ProductID)
}

func TestSyncCourse_RerunSkipsSyncedVariants(t *testing.T) {
	syncer, mem, provider := newSyncer(t)
	ctx := context.Background()
	courseID := seedCourse(t, mem, map[string]string{"london": "120"})

	_, err := syncer.SyncCourse(ctx, courseID)
	require.NoError(t, err)

	res, err := syncer.SyncCourse(ctx, courseID)
	require.NoError(t, err)

	assert.Equal(t, []cpd.ItemID{"london"}, res.Unchanged)
	assert.Len(t, provider.prices, 1, "no new price")
	assert.Equal(t, 1, provider.products, "product reused")
}

func TestSyncCourse_PriceChangeCreatesNewPriceAndArchivesOld(t *testing.T) {
	// GIVEN: A synced variant at £120
	// WHEN: The admin changes it to £150 and syncs
	// THEN: A new price is created, stored, and the old one archived

	syncer, mem, provider := newSyncer(t)
	ctx := context.Background()
	courseID := seedCourse(t, mem, map[string]string{"london": "120"})
	_, err := syncer.SyncCourse(ctx, courseID)
	require.NoError(t, err)

	v, err := mem.GetVariant(ctx, "london")
	require.NoError(t, err)
	v.Price = d("150")
	require.NoError(t, mem.SaveVariant(ctx, *v))

	_, err = syncer.SyncCourse(ctx, courseID)
	require.NoError(t, err)

	v, err = mem.GetVariant(ctx, "london")
	require.NoError(t, err)
	assert.Equal(t, "price_london_15000", v.StripePriceID)
	assert.Equal(t, []string{"price_london_12000"}, provider.archived)
	assert.Contains(t, provider.prices, "price:london:15000:price_london_12000")
}

func TestSyncCourse_RevertToEarlierPriceCreatesFreshPrice(t *testing.T) {
	// GIVEN: A variant synced at £120, then changed to £150 and synced
	// WHEN: The admin reverts it to £120 and syncs
	// THEN: A new live price is created; the archived £120 price is not reused

	syncer, mem, provider := newSyncer(t)
	ctx := context.Background()
	courseID := seedCourse(t, mem, map[string]string{"london": "120"})

	setPrice := func(amount string) {
		t.Helper()
		v, err := mem.GetVariant(ctx, "london")
		require.NoError(t, err)
		v.Price = d(amount)
		require.NoError(t, mem.SaveVariant(ctx, *v))
		_, err = syncer.SyncCourse(ctx, courseID)
		require.NoError(t, err)
	}

	_, err := syncer.SyncCourse(ctx, courseID)
	require.NoError(t, err)
	setPrice("150")
	setPrice("120")

	v, err := mem.GetVariant(ctx, "london")
	require.NoError(t, err)
	assert.Equal(t, "price_london_12000_v2", v.StripePriceID)
	assert.NotContains(t, provider.archived, v.StripePriceID, "stored price is live")
	assert.Equal(t, []string{"price_london_12000", "price_london_15000"}, provider.archived)
	assert.True(t, v.InSync())
}

func TestSyncCourse_RetryAfterLostResponseReusesPrice(t *testing.T) {
	// GIVEN: A price created at the provider whose id was never stored
	// WHEN: The sync runs again for the same amount
	// THEN: The provider returns the same price and nothing is archived

	syncer, mem, provider := newSyncer(t)
	ctx := context.Background()
	courseID := seedCourse(t, mem, map[string]string{"london": "120"})
	provider.ids["price:london:12000"] = "price_lost"

	_, err := syncer.SyncCourse(ctx, courseID)
	require.NoError(t, err)

	v, err := mem.GetVariant(ctx, "london")
	require.NoError(t, err)
	assert.Equal(t, "price_lost", v.StripePriceID)
	assert.Empty(t, provider.archived)
}

func TestSyncCourse_CourseWithoutVariantsSyncsFlatPrice(t *testing.T) {
	// GIVEN: A £50 course with no variants
	// WHEN: It is synced twice
	// THEN: One provider price is created and stored on the course

	syncer, mem, provider := newSyncer(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveCourse(ctx, catalogue.Course{ID: "webinar", Title: "Webinar", CPDHours: d("1"), Price: d("50")}))

	res, err := syncer.SyncCourse(ctx, "webinar")
	require.NoError(t, err)
	assert.Equal(t, "price_webinar_5000", res.CoursePriceID)
	assert.Empty(t, res.SyncedVariantIDs)

	params := provider.prices["price:webinar:5000"]
	assert.Equal(t, "webinar", params.CourseID)
	assert.Empty(t, params.VariantID)

	course, err := mem.GetCourse(ctx, "webinar")
	require.NoError(t, err)
	assert.Equal(t, "price_webinar_5000", course.StripePriceID)
	assert.True(t, course.InSync())

	res, err = syncer.SyncCourse(ctx, "webinar")
	require.NoError(t, err)
	assert.Equal(t, "price_webinar_5000", res.CoursePriceID)
	assert.Len(t, provider.prices, 1, "no new price")

	// A flat price change replaces and archives the old price.
	course.Price = d("60")
	require.NoError(t, mem.SaveCourse(ctx, *course))
	res, err = syncer.SyncCourse(ctx, "webinar")
	require.NoError(t, err)
	assert.Equal(t, "price_webinar_6000", res.CoursePriceID)
	assert.Equal(t, []string{"price_webinar_5000"}, provider.archived)
}

func TestSyncCourse_FreeCourseWithoutVariantsIsProductOnly(t *testing.T) {
	syncer, mem, provider := newSyncer(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveCourse(ctx, catalogue.Course{ID: "intro", Title: "Intro", CPDHours: d("1")}))

	res, err := syncer.SyncCourse(ctx, "intro")
	require.NoError(t, err)
	assert.Equal(t, "prod_intro", res.ProductID)
	assert.Empty(t, res.CoursePriceID)
	assert.Empty(t, provider.prices)
}

func TestSyncCourse_FlatPriceFailureReportsCourse(t *testing.T) {
	syncer, mem, provider := newSyncer(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveCourse(ctx, catalogue.Course{ID: "webinar", Title: "Webinar", Price: d("50")}))
	provider.failPrice["webinar"] = []error{rejected()}

	_, err := syncer.SyncCourse(ctx, "webinar")

	se, ok := catalogue.IsSyncError(err)
	require.True(t, ok)
	require.Len(t, se.Failures, 1)
	assert.Equal(t, cpd.ItemID("webinar"), se.Failures[0].VariantID)
	course, err := mem.GetCourse(ctx, "webinar")
	require.NoError(t, err)
	assert.Empty(t, course.StripePriceID)
}

// =============================================================================
// FAILURES
// =============================================================================

func TestSyncCourse_InvalidVariantFailsBeforeProvider(t *testing.T) {
	syncer, mem, provider := newSyncer(t)
	courseID := seedCourse(t, mem, map[string]string{"london": "120", "draft": "0"})

	_, err := syncer.SyncCourse(context.Background(), courseID)

	se, ok := catalogue.IsSyncError(err)
	require.True(t, ok)
	assert.False(t, se.Retryable)
	assert.ErrorIs(t, err, cpd.ErrValidation)
	require.Len(t, se.Failures, 1)
	assert.Equal(t, cpd.ItemID("draft"), se.Failures[0].VariantID)
	assert.Equal(t, 0, provider.products, "provider untouched")
	assert.Empty(t, provider.prices)
}

func TestSyncCourse_TransientErrorIsRetried(t *testing.T) {
	syncer, mem, provider := newSyncer(t)
	courseID := seedCourse(t, mem, map[string]string{"london": "120"})
	provider.failPrice["london"] = []error{transient(), transient()}

	res, err := syncer.SyncCourse(context.Background(), courseID)
	require.NoError(t, err)
	assert.Equal(t, []cpd.ItemID{"london"}, res.SyncedVariantIDs)
}

func TestSyncCourse_GivesUpAfterThreeAttempts(t *testing.T) {
	syncer, mem, provider := newSyncer(t)
	courseID := seedCourse(t, mem, map[string]string{"london": "120", "online": "80"})
	provider.failPrice["london"] = []error{transient(), transient(), transient(), nil}

	res, err := syncer.SyncCourse(context.Background(), courseID)

	se, ok := catalogue.IsSyncError(err)
	require.True(t, ok)
	assert.True(t, se.Retryable)
	require.Len(t, se.Failures, 1)
	assert.Equal(t, cpd.ItemID("london"), se.Failures[0].VariantID)
	assert.Equal(t, []cpd.ItemID{"online"}, res.SyncedVariantIDs, "other variant still synced")
	assert.Len(t, provider.failPrice["london"], 1, "exactly three attempts")
	assert.ErrorIs(t, err, catalogue.ErrProvider)
}

func TestSyncCourse_RejectedRequestIsNotRetried(t *testing.T) {
	syncer, mem, provider := newSyncer(t)
	courseID := seedCourse(t, mem, map[string]string{"london": "120"})
	provider.failPrice["london"] = []error{rejected(), nil}

	_, err := syncer.SyncCourse(context.Background(), courseID)

	se, ok := catalogue.IsSyncError(err)
	require.True(t, ok)
	assert.False(t, se.Retryable)
	assert.Len(t, provider.failPrice["london"], 1, "single attempt")
	assert.Contains(t, se.Details, "london")
}

func TestSyncCourse_ProductFailure(t *testing.T) {
	syncer, mem, provider := newSyncer(t)
	courseID := seedCourse(t, mem, map[string]string{"london": "120"})
	provider.failProd = []error{errors.New("dial tcp: timeout"), errors.New("dial tcp: timeout"), errors.New("dial tcp: timeout")}

	_, err := syncer.SyncCourse(context.Background(), courseID)

	se, ok := catalogue.IsSyncError(err)
	require.True(t, ok)
	assert.True(t, se.Retryable, "unclassified transport errors are retryable")
	assert.Empty(t, provider.prices)
}

func TestSyncCourse_UnknownCourse(t *testing.T) {
	syncer, _, _ := newSyncer(t)
	_, err := syncer.SyncCourse(context.Background(), "nope")
	assert.ErrorIs(t, err, cpd.ErrCourseNotFound)
}

func TestToPence(t *testing.T) {
	assert.Equal(t, int64(9950), catalogue.ToPence(d("99.5")))
	assert.Equal(t, int64(1001), catalogue.ToPence(d("10.005")))
	assert.Equal(t, int64(12000), catalogue.ToPence(d("120")))
}

// =============================================================================
// CATALOGUE RULES
// =============================================================================

func TestDeleteCourse_RefusedWhileVariantBooked(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	courseID := seedCourse(t, mem, map[string]string{"london": "120"})

	require.NoError(t, mem.CreateMember(ctx, cpd.Member{ID: "m1", MembershipType: cpd.MembershipAssociate, MembershipStatus: cpd.StatusActive}))
	require.NoError(t, mem.WithTx(ctx, func(uow cpd.Tx) error {
		return uow.InsertBooking(ctx, cpd.Booking{ID: "b1", MemberID: "m1", ItemID: "london", Status: cpd.BookingPendingPayment, IdempotencyKey: "k1"})
	}))

	assert.ErrorIs(t, mem.DeleteCourse(ctx, courseID), cpd.ErrInUse)
	assert.ErrorIs(t, mem.DeleteVariant(ctx, "london"), cpd.ErrInUse)

	// A cancelled booking still references the variant.
	require.NoError(t, mem.WithTx(ctx, func(uow cpd.Tx) error {
		return uow.UpdateBookingStatus(ctx, cpd.Booking{ID: "b1", Status: cpd.BookingCancelled})
	}))
	assert.ErrorIs(t, mem.DeleteCourse(ctx, courseID), cpd.ErrInUse)
	assert.ErrorIs(t, mem.DeleteVariant(ctx, "london"), cpd.ErrInUse)
	_, err := mem.GetItem(ctx, "london")
	assert.NoError(t, err)
}

func TestDeleteCourse_CascadesVariants(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	courseID := seedCourse(t, mem, map[string]string{"london": "120", "online": "80"})

	require.NoError(t, mem.DeleteCourse(ctx, courseID))
	_, err := mem.GetVariant(ctx, "london")
	assert.ErrorIs(t, err, cpd.ErrVariantNotFound)
	_, err = mem.GetCourse(ctx, courseID)
	assert.ErrorIs(t, err, cpd.ErrCourseNotFound)
}

func TestVariantItem_InheritsCourseHours(t *testing.T) {
	course := catalogue.Course{ID: "c", Title: "Ethics", CreditCost: d("500")}
	item := catalogue.Variant{ID: "v", CourseID: "c", Name: "London"}.Item(course)

	assert.Equal(t, cpd.ItemVariant, item.Kind)
	assert.True(t, item.CPDHours.Equal(d("2")), "500 credits = 2 hours")
	assert.Equal(t, cpd.ItemID("c"), item.CourseID)
}

func TestValidateVariant(t *testing.T) {
	assert.ErrorIs(t, catalogue.ValidateVariant(catalogue.Variant{Name: "x"}), cpd.ErrValidation)
	assert.ErrorIs(t, catalogue.ValidateVariant(catalogue.Variant{CourseID: "c", Name: "x", Price: d("-1")}), cpd.ErrValidation)
	assert.NoError(t, catalogue.ValidateVariant(catalogue.Variant{CourseID: "c", Name: "x"}), "draft at zero is allowed")
	assert.ErrorIs(t, catalogue.ValidateForSync(catalogue.Variant{CourseID: "c", Name: "x"}), cpd.ErrValidation)
}

package booking_test

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

	"github.com/warp/cpd-engine/booking"
	"github.com/warp/cpd-engine/cpd"
	"github.com/warp/cpd-engine/cpd/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	coord    *booking.Coordinator
	store    *store.Memory
	ledger   *cpd.Ledger
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, booking.DefaultConfig(), nil)
}

func newFixtureWith(t *testing.T, cfg booking.Config, wrap func(cpd.Store) cpd.Store) *fixture {
	mem := store.NewMemory()
	logger := zaptest.NewLogger(t)
	ledger := cpd.NewLedger(mem, logger)
	notifier := &recordingNotifier{}

	var s cpd.Store = mem
	if wrap != nil {
		s = wrap(mem)
	}
	return &fixture{
		coord:    booking.NewCoordinator(s, ledger, notifier, logger, cfg),
		store:    mem,
		ledger:   ledger,
		notifier: notifier,
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

func (f *fixture) member(t *testing.T, id string, typ cpd.MembershipType, hours string) cpd.MemberID {
	t.Helper()
	ctx := context.Background()
	mid := cpd.MemberID(id)
	require.NoError(t, f.store.CreateMember(ctx, cpd.Member{
		ID:               mid,
		Name:             id,
		MembershipType:   typ,
		MembershipStatus: cpd.StatusActive,
	}))
	if h := d(hours); h.IsPositive() {
		_, err := f.ledger.Append(ctx, cpd.Transaction{
			MemberID:       mid,
			Amount:         h,
			Type:           cpd.TxAllocation,
			Description:    "opening balance",
			IdempotencyKey: "seed:" + id,
		})
		require.NoError(t, err)
	}
	return mid
}

func (f *fixture) item(id, hours string) cpd.ItemID {
	f.store.PutItem(cpd.Item{ID: cpd.ItemID(id), Kind: cpd.ItemCourse, Title: id, CPDHours: d(hours)})
	return cpd.ItemID(id)
}

func (f *fixture) balance(t *testing.T, id cpd.MemberID) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f *fixture) verify(t *testing.T, id cpd.MemberID) {
	t.Helper()
	_, err := f.ledger.Verify(context.Background(), id)
	require.NoError(t, err, "ledger must conserve")
}

func assertHours(t *testing.T, expected string, actual decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, d(expected).Equal(actual), "%s: expected %s, got %s", msg, expected, actual)
}

type recordingNotifier struct {
	mu        sync.Mutex
	confirmed []cpd.BookingID
	cancelled []cpd.BookingID
	fail      bool
}

func (n *recordingNotifier) BookingConfirmed(_ context.Context, b cpd.Booking) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, b.ID)
	if n.fail {
		return errors.New("smtp down")
	}
	return nil
}

func (n *recordingNotifier) BookingCancelled(_ context.Context, b cpd.Booking) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, b.ID)
	if n.fail {
		return errors.New("smtp down")
	}
	return nil
}

// =============================================================================
// HAPPY PATHS
// =============================================================================

func TestBook_AssociateCoveredByCredit(t *testing.T) {
	// GIVEN: Associate with 2.0h, course worth 1.5h
	// WHEN: Booking with credits
	// THEN: 1.5h spent, nothing to pay, balance 0.5

	f := newFixture(t)
	ctx := context.Background()
	mid := f.member(t, "alice", cpd.MembershipAssociate, "2.0")
	item := f.item("course-1", "1.5")

	res, err := f.coord.BookWithCredits(ctx, booking.Request{MemberID: mid, ItemID: item, IdempotencyKey: "k1"})
	require.NoError(t, err)

	assert.False(t, res.Replayed)
	assert.Equal(t, cpd.PaymentCredits, res.Booking.PaymentMethod)
	assert.Equal(t, cpd.BookingConfirmed, res.Booking.Status)
	assertHours(t, "1.5", res.Booking.CreditsSpent, "credits spent")
	assertHours(t, "0", res.Booking.FinalPrice, "final price")
	assertHours(t, "0.5", res.NewBalance, "new balance")
	assertHours(t, "0.5", f.balance(t, mid), "stored balance")
	assert.NotEmpty(t, res.Booking.TransactionID)
	f.verify(t, mid)

	assert.Equal(t, []cpd.BookingID{res.Booking.ID}, f.notifier.confirmed)
}

func TestBook_FullMemberWithoutCreditPaysByCard(t *testing.T) {
	// GIVEN: Full member, balance 0, £100 item
	// WHEN: Booking
	// THEN: No debit, 10% off, pending card payment for £90

	f := newFixture(t)
	mid := f.member(t, "bob", cpd.MembershipFull, "0")
	item := f.item("course-100", "5")

	res, err := f.coord.BookWithCredits(context.Background(), booking.Request{MemberID: mid, ItemID: item, IdempotencyKey: "k1"})
	require.NoError(t, err)

	assert.Equal(t, cpd.PaymentCard, res.Booking.PaymentMethod)
	assert.Equal(t, cpd.BookingPendingPayment, res.Booking.Status)
	assertHours(t, "90", res.Booking.FinalPrice, "final price")
	assert.Empty(t, res.Booking.TransactionID, "no credit, no transaction")
	assertHours(t, "0", f.balance(t, mid), "balance")
}

func TestBook_FreeItem(t *testing.T) {
	f := newFixture(t)
	mid := f.member(t, "carol", cpd.MembershipFull, "3")
	item := f.item("webinar", "0")

	res, err := f.coord.BookWithCredits(context.Background(), booking.Request{MemberID: mid, ItemID: item, IdempotencyKey: "k1"})
	require.NoError(t, err)

	assert.Equal(t, cpd.PaymentFree, res.Booking.PaymentMethod)
	assertHours(t, "3", f.balance(t, mid), "balance untouched")
}

func TestBook_PartialCreditKeepsDebitAndLeavesCardRemainder(t *testing.T) {
	// GIVEN: Full member with 1h, 3h course, client chose to spend 1h
	// THEN: 1h debited, £36 left for card

	f := newFixture(t)
	mid := f.member(t, "dave", cpd.MembershipFull, "1")
	item := f.item("course-3", "3")

	res, err := f.coord.BookWithCredits(context.Background(), booking.Request{
		MemberID: mid, ItemID: item, IdempotencyKey: "k1", CreditsToSpend: ptr(d("1")),
	})
	require.NoError(t, err)

	assert.Equal(t, cpd.PaymentCard, res.Booking.PaymentMethod)
	assertHours(t, "1", res.Booking.CreditsSpent, "spent")
	assertHours(t, "36", res.Booking.FinalPrice, "final price")
	assertHours(t, "0", f.balance(t, mid), "balance")
	f.verify(t, mid)
}

// =============================================================================
// REJECTIONS
// =============================================================================

func TestBook_InsufficientCreditsHasNoSideEffects(t *testing.T) {
	// GIVEN: Member with 1h
	// WHEN: Asking to spend 2h on a 3h course
	// THEN: InsufficientCredits with the real balance, nothing written

	f := newFixture(t)
	ctx := context.Background()
	mid := f.member(t, "erin", cpd.MembershipAssociate, "1")
	item := f.item("course-3", "3")

	_, err := f.coord.BookWithCredits(ctx, booking.Request{
		MemberID: mid, ItemID: item, IdempotencyKey: "k1", CreditsToSpend: ptr(d("2")),
	})

	var insufficient *cpd.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assertHours(t, "1", insufficient.Available, "authoritative balance")
	assertHours(t, "1", f.balance(t, mid), "balance unchanged")

	_, err = f.coord.Lookup(ctx, "k1")
	assert.ErrorIs(t, err, cpd.ErrNotFound, "no booking row")
	assert.Empty(t, f.notifier.confirmed)
}

func TestBook_SpendBeyondItemIsValidationError(t *testing.T) {
	f := newFixture(t)
	mid := f.member(t, "frank", cpd.MembershipAssociate, "5")
	item := f.item("course-1", "1")

	_, err := f.coord.BookWithCredits(context.Background(), booking.Request{
		MemberID: mid, ItemID: item, IdempotencyKey: "k1", CreditsToSpend: ptr(d("2")),
	})
	assert.ErrorIs(t, err, cpd.ErrValidation)
}

func TestBook_ValidationBeforeStoreAccess(t *testing.T) {
	f := newFixture(t)

	cases := []booking.Request{
		{ItemID: "i", IdempotencyKey: "k"},
		{MemberID: "m", IdempotencyKey: "k"},
		{MemberID: "m", ItemID: "i"},
		{MemberID: "m", ItemID: "i", IdempotencyKey: "k", CreditsToSpend: ptr(d("-1"))},
	}
	for _, req := range cases {
		_, err := f.coord.BookWithCredits(context.Background(), req)
		assert.ErrorIs(t, err, cpd.ErrValidation)
	}
}

func TestBook_UnknownMemberOrItem(t *testing.T) {
	f := newFixture(t)
	mid := f.member(t, "gina", cpd.MembershipFull, "1")
	item := f.item("course-1", "1")

	_, err := f.coord.BookWithCredits(context.Background(), booking.Request{MemberID: mid, ItemID: "nope", IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, cpd.ErrItemNotFound)

	_, err = f.coord.BookWithCredits(context.Background(), booking.Request{MemberID: "ghost", ItemID: item, IdempotencyKey: "k2"})
	assert.ErrorIs(t, err, cpd.ErrMemberNotFound)
}

func TestBook_AlreadyBookedUnderAnotherKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mid := f.member(t, "hank", cpd.MembershipAssociate, "5")
	item := f.item("course-1", "1")

	first, err := f.coord.BookWithCredits(ctx, booking.Request{MemberID: mid, ItemID: item, IdempotencyKey: "k1"})
	require.NoError(t, err)

	_, err = f.coord.BookWithCredits(ctx, booking.Request{MemberID: mid, ItemID: item, IdempotencyKey: "k2"})

	var already *cpd.AlreadyBookedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, first.Booking.ID, already.Existing.ID)
	assertHours(t, "4", f.balance(t, mid), "only one debit")
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestBook_RetryWithSameKeyReturnsOriginal(t *testing.T) {
	// GIVEN: A committed booking
	// WHEN: The client retries with the same key
	// THEN: Same booking back, zero extra debits

	f := newFixture(t)
	ctx := context.Background()
	mid := f.member(t, "ivy", cpd.MembershipAssociate, "2")
	item := f.item("course-1", "1")
	req := booking.Request{MemberID: mid, ItemID: item, IdempotencyKey: "k1"}

	first, err := f.coord.BookWithCredits(ctx, req)
	require.NoError(t, err)

	second, err := f.coord.BookWithCredits(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Booking.ID, second.Booking.ID)
	assertHours(t, "1", second.NewBalance, "balance reported")
	assertHours(t, "1", f.balance(t, mid), "debited once")

	spent, err := f.ledger.Transactions(ctx, mid, cpd.TransactionFilter{Types: []cpd.TransactionType{cpd.TxSpent}})
	require.NoError(t, err)
	assert.Len(t, spent, 1)
	assert.Len(t, f.notifier.confirmed, 1, "replays do not notify")
}

func TestBook_ReplayReportsBalanceFromOriginalCommit(t *testing.T) {
	// GIVEN: A committed booking, then a later grant to the same member
	// WHEN: The client retries the booking with the same key
	// THEN: The balance reported is the one the original commit produced

	f := newFixture(t)
	ctx := context.Background()
	mid := f.member(t, "lena", cpd.MembershipAssociate, "2")
	item := f.item("course-1", "1")
	req := booking.Request{MemberID: mid, ItemID: item, IdempotencyKey: "k1"}

	first, err := f.coord.BookWithCredits(ctx, req)
	require.NoError(t, err)
	assertHours(t, "1", first.NewBalance, "after commit")

	_, err = f.ledger.Append(ctx, cpd.Transaction{
		MemberID:       mid,
		Amount:         d("5"),
		Type:           cpd.TxAllocation,
		Description:    "monthly allocation",
		IdempotencyKey: "grant:lena",
	})
	require.NoError(t, err)

	second, err := f.coord.BookWithCredits(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assertHours(t, "1", second.NewBalance, "original result")
	assertHours(t, "6", f.balance(t, mid), "current balance")
}

func TestBook_KeyReusedForDifferentItemIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mid := f.member(t, "jack", cpd.MembershipAssociate, "5")
	a := f.item("course-a", "1")
	b := f.item("course-b", "1")

	_, err := f.coord.BookWithCredits(ctx, booking.Request{MemberID: mid, ItemID: a, IdempotencyKey: "k1"})
	require.NoError(t, err)

	_, err = f.coord.BookWithCredits(ctx, booking.Request{MemberID: mid, ItemID: b, IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, cpd.ErrValidation)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestBook_ConflictIsRetried(t *testing.T) {
	f := newFixture(t)
	mid := f.member(t, "kate", cpd.MembershipAssociate, "2")
	item := f.item("course-1", "1")

	f.store.InjectConflicts(2)
	res, err := f.coord.BookWithCredits(context.Background(), booking.Request{MemberID: mid, ItemID: item, IdempotencyKey: "k1"})
	require.NoError(t, err)
	assertHours(t, "1", res.NewBalance, "balance")
	f.verify(t, mid)
}

func TestBook_PersistentConflictSurfaces(t *testing.T) {
	f := newFixture(t)
	mid := f.member(t, "liam", cpd.MembershipAssociate, "2")
	item := f.item("course-1", "1")

	f.store.InjectConflicts(10)
	_, err := f.coord.BookWithCredits(context.Background(), booking.Request{MemberID: mid, ItemID: item, IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, cpd.ErrConcurrencyConflict)
	assert.True(t, cpd.IsRetryable(err))
	assertHours(t, "2", f.balance(t, mid), "nothing committed")
}

func TestBook_ConcurrentBookingsNeverOverdraw(t *testing.T) {
	// GIVEN: Member with 3h and ten 1h courses
	// WHEN: Ten tabs each try to spend 1h at once
	// THEN: Exactly three succeed, the rest are InsufficientCredits, balance 0

	f := newFixture(t)
	mid := f.member(t, "mia", cpd.MembershipAssociate, "3")

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		item := f.item(fmt.Sprintf("course-%d", i), "1")
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.BookWithCredits(context.Background(), booking.Request{
				MemberID:       mid,
				ItemID:         item,
				IdempotencyKey: fmt.Sprintf("tab-%d", i),
				CreditsToSpend: ptr(d("1")),
			})
		}(i)
	}
	wg.Wait()

	ok, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, cpd.ErrInsufficientCredits):
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, n-3, insufficient)
	assertHours(t, "0", f.balance(t, mid), "balance")
	f.verify(t, mid)
}

// =============================================================================
// TIMEOUTS
// =============================================================================

type stallingStore struct {
	cpd.Store
}

func (s stallingStore) WithTx(ctx context.Context, _ func(cpd.Tx) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestBook_TimeoutReportsOutcomeUnknown(t *testing.T) {
	cfg := booking.DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	f := newFixtureWith(t, cfg, func(s cpd.Store) cpd.Store { return stallingStore{s} })
	mid := f.member(t, "noah", cpd.MembershipAssociate, "2")
	item := f.item("course-1", "1")

	_, err := f.coord.BookWithCredits(context.Background(), booking.Request{MemberID: mid, ItemID: item, IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, cpd.ErrOutcomeUnknown)
}

// =============================================================================
// CANCEL / REFUND
// =============================================================================

func TestCancel_RefundRestoresBalance(t *testing.T) {
	// GIVEN: A credit booking of 1.5h
	// WHEN: It is cancelled
	// THEN: A +1.5 refund is appended, the -1.5 spend is untouched,
	//       and the balance is back where it started

	f := newFixture(t)
	ctx := context.Background()
	mid := f.member(t, "olga", cpd.MembershipAssociate, "2")
	item := f.item("course-1", "1.5")

	booked, err := f.coord.BookWithCredits(ctx, booking.Request{MemberID: mid, ItemID: item, IdempotencyKey: "k1"})
	require.NoError(t, err)

	cancelled, err := f.coord.Cancel(ctx, booked.Booking.ID)
	require.NoError(t, err)

	assert.Equal(t, cpd.BookingCancelled, cancelled.Booking.Status)
	assert.NotNil(t, cancelled.Booking.CancelledAt)
	assertHours(t, "2", cancelled.NewBalance, "balance restored")

	history, err := f.ledger.Transactions(ctx, mid, cpd.TransactionFilter{Ascending: true})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, cpd.TxSpent, history[1].Type)
	assertHours(t, "-1.5", history[1].Amount, "spend untouched")
	assert.Equal(t, cpd.TxRefund, history[2].Type)
	assertHours(t, "1.5", history[2].Amount, "refund")
	assert.Equal(t, string(history[1].ID), history[2].ReferenceID)
	assert.Equal(t, history[2].ID, cancelled.Booking.RefundTransactionID)

	f.verify(t, mid)
	assert.Equal(t, []cpd.BookingID{booked.Booking.ID}, f.notifier.cancelled)
}

func TestCancel_TwiceRefundsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mid := f.member(t, "pete", cpd.MembershipAssociate, "1")
	item := f.item("course-1", "1")

	booked, err := f.coord.BookWithCredits(ctx, booking.Request{MemberID: mid, ItemID: item, IdempotencyKey: "k1"})
	require.NoError(t, err)

	_, err = f.coord.Cancel(ctx, booked.Booking.ID)
	require.NoError(t, err)
	again, err := f.coord.Cancel(ctx, booked.Booking.ID)
	require.NoError(t, err)

	assert.True(t, again.Replayed)
	assertHours(t, "1", f.balance(t, mid), "refunded once")
	f.verify(t, mid)
}

func TestCancel_AllowsRebooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mid := f.member(t, "quinn", cpd.MembershipAssociate, "1")
	item := f.item("course-1", "1")

	booked, err := f.coord.BookWithCredits(ctx, booking.Request{MemberID: mid, ItemID: item, IdempotencyKey: "k1"})
	require.NoError(t, err)
	_, err = f.coord.Cancel(ctx, booked.Booking.ID)
	require.NoError(t, err)

	_, err = f.coord.BookWithCredits(ctx, booking.Request{MemberID: mid, ItemID: item, IdempotencyKey: "k2"})
	require.NoError(t, err)
	assertHours(t, "0", f.balance(t, mid), "balance")
}

func TestCancel_UnknownBooking(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, cpd.ErrBookingNotFound)
}

// =============================================================================
// SIDE EFFECTS
// =============================================================================

func TestBook_NotifierFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.notifier.fail = true
	ctx := context.Background()
	mid := f.member(t, "ruth", cpd.MembershipAssociate, "1")
	item := f.item("course-1", "1")

	res, err := f.coord.BookWithCredits(ctx, booking.Request{MemberID: mid, ItemID: item, IdempotencyKey: "k1"})
	require.NoError(t, err)

	stored, err := f.coord.Get(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, cpd.BookingConfirmed, stored.Status)
	assertHours(t, "0", f.balance(t, mid), "debit stands")
}

func TestListForMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mid := f.member(t, "sam", cpd.MembershipAssociate, "3")
	a := f.item("course-a", "1")
	b := f.item("course-b", "1")

	_, err := f.coord.BookWithCredits(ctx, booking.Request{MemberID: mid, ItemID: a, IdempotencyKey: "k1"})
	require.NoError(t, err)
	_, err = f.coord.BookWithCredits(ctx, booking.Request{MemberID: mid, ItemID: b, IdempotencyKey: "k2"})
	require.NoError(t, err)

	list, err := f.coord.ListForMember(ctx, mid)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = f.coord.ListForMember(ctx, "ghost")
	assert.ErrorIs(t, err, cpd.ErrMemberNotFound)
}

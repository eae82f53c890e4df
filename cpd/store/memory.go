// Package store provides an in-memory cpd.Store for tests and local runs.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/cpd-engine/catalogue"
	"github.com/warp/cpd-engine/cpd"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu   sync.RWMutex
	data memoryData

	// conflicts makes the next n balance updates fail with
	// ErrConcurrencyConflict, to exercise retry paths.
	conflicts int
}

type memoryData struct {
	members       map[cpd.MemberID]cpd.Member
	organisations map[cpd.OrganisationID]cpd.Organisation
	transactions  map[cpd.MemberID][]cpd.Transaction
	txByKey       map[string]cpd.Transaction
	items         map[cpd.ItemID]cpd.Item
	bookings      map[cpd.BookingID]cpd.Booking
	bookingByKey  map[string]cpd.BookingID
	runs          []cpd.AllocationRun

	courses  map[cpd.ItemID]catalogue.Course
	variants map[cpd.ItemID]catalogue.Variant
	events   map[cpd.ItemID]catalogue.Event
}

func NewMemory() *Memory {
	return &Memory{data: memoryData{
		members:       make(map[cpd.MemberID]cpd.Member),
		organisations: make(map[cpd.OrganisationID]cpd.Organisation),
		transactions:  make(map[cpd.MemberID][]cpd.Transaction),
		txByKey:       make(map[string]cpd.Transaction),
		items:         make(map[cpd.ItemID]cpd.Item),
		bookings:      make(map[cpd.BookingID]cpd.Booking),
		bookingByKey:  make(map[string]cpd.BookingID),
		courses:       make(map[cpd.ItemID]catalogue.Course),
		variants:      make(map[cpd.ItemID]catalogue.Variant),
		events:        make(map[cpd.ItemID]catalogue.Event),
	}}
}

// InjectConflicts makes the next n balance updates lose their
// compare-and-swap.
func (m *Memory) InjectConflicts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts = n
}

// PutItem registers a bookable item.
func (m *Memory) PutItem(item cpd.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.items[item.ID] = item
}

// =============================================================================
// READER
// =============================================================================

func (m *Memory) GetMember(_ context.Context, id cpd.MemberID) (*cpd.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.member(id)
}

func (m *Memory) ListMembers(_ context.Context) ([]cpd.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]cpd.Member, 0, len(m.data.members))
	for _, mem := range m.data.members {
		result = append(result, mem)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) GetOrganisation(_ context.Context, id cpd.OrganisationID) (*cpd.Organisation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.data.organisations[id]
	if !ok {
		return nil, cpd.ErrOrganisationNotFound
	}
	return &o, nil
}

func (m *Memory) ListTransactions(_ context.Context, memberID cpd.MemberID, filter cpd.TransactionFilter) ([]cpd.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []cpd.Transaction
	for _, tx := range m.data.transactions[memberID] {
		if filter.Matches(tx) {
			result = append(result, tx)
		}
	}
	// Stored in append order, which is created order.
	if !filter.Ascending {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []cpd.Transaction{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// GetItem resolves items registered with PutItem first, then the catalogue.
func (m *Memory) GetItem(_ context.Context, id cpd.ItemID) (*cpd.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if item, ok := m.data.items[id]; ok {
		return &item, nil
	}
	if c, ok := m.data.courses[id]; ok {
		item := c.Item()
		return &item, nil
	}
	if v, ok := m.data.variants[id]; ok {
		item := v.Item(m.data.courses[v.CourseID])
		return &item, nil
	}
	if e, ok := m.data.events[id]; ok {
		item := e.Item()
		return &item, nil
	}
	return nil, cpd.ErrItemNotFound
}

func (m *Memory) GetBooking(_ context.Context, id cpd.BookingID) (*cpd.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.booking(id)
}

func (m *Memory) GetBookingByKey(_ context.Context, key string) (*cpd.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.bookingByIdempotencyKey(key)
}

func (m *Memory) FindActiveBooking(_ context.Context, memberID cpd.MemberID, itemID cpd.ItemID) (*cpd.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.activeBooking(memberID, itemID)
}

func (m *Memory) ListBookings(_ context.Context, memberID cpd.MemberID) ([]cpd.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []cpd.Booking
	for _, b := range m.data.bookings {
		if b.MemberID == memberID {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// =============================================================================
// MEMBER DIRECTORY
// =============================================================================

func (m *Memory) CreateMember(_ context.Context, mem cpd.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data.members[mem.ID]; exists {
		return cpd.Invalid("id", "member %s already exists", mem.ID)
	}
	mem.CPDHours = decimal.Zero
	mem.TotalCPDEarned = decimal.Zero
	mem.TotalCPDSpent = decimal.Zero
	mem.TotalCPDRefunded = decimal.Zero
	mem.Version = 0
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}
	m.data.members[mem.ID] = mem
	return nil
}

func (m *Memory) UpdateMembership(_ context.Context, id cpd.MemberID, patch cpd.MembershipUpdate) (*cpd.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.data.members[id]
	if !ok {
		return nil, cpd.ErrMemberNotFound
	}
	if patch.Type != nil {
		mem.MembershipType = *patch.Type
	}
	if patch.Status != nil {
		mem.MembershipStatus = *patch.Status
	}
	if patch.ClearOrganisation {
		mem.OrganisationID = nil
	} else if patch.OrganisationID != nil {
		org := *patch.OrganisationID
		mem.OrganisationID = &org
	}
	if patch.MonthlyCPDHours != nil {
		mem.MonthlyCPDHours = *patch.MonthlyCPDHours
	}
	if patch.StripeCustomerID != nil {
		mem.StripeCustomerID = *patch.StripeCustomerID
	}
	if patch.StripeSubscriptionID != nil {
		mem.StripeSubscriptionID = *patch.StripeSubscriptionID
	}
	m.data.members[id] = mem
	return &mem, nil
}

func (m *Memory) SaveOrganisation(_ context.Context, o cpd.Organisation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	m.data.organisations[o.ID] = o
	return nil
}

func (m *Memory) ListOrganisations(_ context.Context) ([]cpd.Organisation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]cpd.Organisation, 0, len(m.data.organisations))
	for _, o := range m.data.organisations {
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// RUN STORE
// =============================================================================

func (m *Memory) SaveAllocationRun(_ context.Context, r cpd.AllocationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.data.runs {
		if m.data.runs[i].ID == r.ID {
			m.data.runs[i] = r
			return nil
		}
	}
	m.data.runs = append(m.data.runs, r)
	return nil
}

func (m *Memory) ListAllocationRuns(_ context.Context, limit int) ([]cpd.AllocationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]cpd.AllocationRun, 0, len(m.data.runs))
	for i := len(m.data.runs) - 1; i >= 0; i-- {
		result = append(result, m.data.runs[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// =============================================================================
// CATALOGUE
// =============================================================================

func (m *Memory) GetCourse(_ context.Context, id cpd.ItemID) (*catalogue.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.data.courses[id]
	if !ok {
		return nil, cpd.ErrCourseNotFound
	}
	return &c, nil
}

func (m *Memory) ListCourses(_ context.Context) ([]catalogue.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]catalogue.Course, 0, len(m.data.courses))
	for _, c := range m.data.courses {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SaveCourse(_ context.Context, c catalogue.Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := m.data.courses[c.ID]; ok {
		c.CreatedAt = prev.CreatedAt
		if c.StripeProductID == "" {
			c.StripeProductID = prev.StripeProductID
		}
		c.StripePriceID = prev.StripePriceID
		c.SyncedPrice = prev.SyncedPrice
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.data.courses[c.ID] = c
	return nil
}

func (m *Memory) DeleteCourse(_ context.Context, id cpd.ItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.courses[id]; !ok {
		return cpd.ErrCourseNotFound
	}
	refs := []cpd.ItemID{id}
	for vid, v := range m.data.variants {
		if v.CourseID == id {
			refs = append(refs, vid)
		}
	}
	if m.data.referenced(refs...) {
		return cpd.ErrInUse
	}
	for _, vid := range refs[1:] {
		delete(m.data.variants, vid)
	}
	delete(m.data.courses, id)
	return nil
}

func (m *Memory) SetCourseProduct(_ context.Context, id cpd.ItemID, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data.courses[id]
	if !ok {
		return cpd.ErrCourseNotFound
	}
	c.StripeProductID = productID
	m.data.courses[id] = c
	return nil
}

func (m *Memory) SetCoursePrice(_ context.Context, id cpd.ItemID, priceID string, synced decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data.courses[id]
	if !ok {
		return cpd.ErrCourseNotFound
	}
	c.StripePriceID = priceID
	c.SyncedPrice = synced
	c.UpdatedAt = time.Now().UTC()
	m.data.courses[id] = c
	return nil
}

func (m *Memory) GetVariant(_ context.Context, id cpd.ItemID) (*catalogue.Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data.variants[id]
	if !ok {
		return nil, cpd.ErrVariantNotFound
	}
	return &v, nil
}

func (m *Memory) ListVariants(_ context.Context, courseID cpd.ItemID) ([]catalogue.Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.data.courses[courseID]; !ok {
		return nil, cpd.ErrCourseNotFound
	}
	var result []catalogue.Variant
	for _, v := range m.data.variants {
		if v.CourseID == courseID {
			result = append(result, v)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// SaveVariant keeps the stored provider price reference; only
// SetVariantPrice changes it.
func (m *Memory) SaveVariant(_ context.Context, v catalogue.Variant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.courses[v.CourseID]; !ok {
		return cpd.ErrCourseNotFound
	}
	now := time.Now().UTC()
	if prev, ok := m.data.variants[v.ID]; ok {
		v.CreatedAt = prev.CreatedAt
		v.StripePriceID = prev.StripePriceID
		v.SyncedPrice = prev.SyncedPrice
	} else if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	m.data.variants[v.ID] = v
	return nil
}

func (m *Memory) DeleteVariant(_ context.Context, id cpd.ItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.variants[id]; !ok {
		return cpd.ErrVariantNotFound
	}
	if m.data.referenced(id) {
		return cpd.ErrInUse
	}
	delete(m.data.variants, id)
	return nil
}

func (m *Memory) SetVariantPrice(_ context.Context, id cpd.ItemID, priceID string, synced decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data.variants[id]
	if !ok {
		return cpd.ErrVariantNotFound
	}
	v.StripePriceID = priceID
	v.SyncedPrice = synced
	m.data.variants[id] = v
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id cpd.ItemID) (*catalogue.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data.events[id]
	if !ok {
		return nil, cpd.ErrItemNotFound
	}
	return &e, nil
}

func (m *Memory) ListEvents(_ context.Context) ([]catalogue.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]catalogue.Event, 0, len(m.data.events))
	for _, e := range m.data.events {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartsAt.Before(result[j].StartsAt) })
	return result, nil
}

func (m *Memory) SaveEvent(_ context.Context, e catalogue.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.data.events[e.ID]; ok {
		e.CreatedAt = prev.CreatedAt
	} else if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.data.events[e.ID] = e
	return nil
}

func (m *Memory) DeleteEvent(_ context.Context, id cpd.ItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.events[id]; !ok {
		return cpd.ErrItemNotFound
	}
	if m.data.referenced(id) {
		return cpd.ErrInUse
	}
	delete(m.data.events, id)
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(cpd.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&txView{parent: m}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

type txView struct {
	parent *Memory
}

func (tv *txView) GetMember(_ context.Context, id cpd.MemberID) (*cpd.Member, error) {
	return tv.parent.data.member(id)
}

func (tv *txView) GetOrganisation(_ context.Context, id cpd.OrganisationID) (*cpd.Organisation, error) {
	o, ok := tv.parent.data.organisations[id]
	if !ok {
		return nil, cpd.ErrOrganisationNotFound
	}
	return &o, nil
}

func (tv *txView) UpdateMemberBalance(_ context.Context, mem cpd.Member, expectedVersion int64) error {
	p := tv.parent
	current, ok := p.data.members[mem.ID]
	if !ok {
		return cpd.ErrMemberNotFound
	}
	if p.conflicts > 0 {
		p.conflicts--
		return cpd.ErrConcurrencyConflict
	}
	if current.Version != expectedVersion {
		return cpd.ErrConcurrencyConflict
	}
	current.CPDHours = mem.CPDHours
	current.TotalCPDEarned = mem.TotalCPDEarned
	current.TotalCPDSpent = mem.TotalCPDSpent
	current.TotalCPDRefunded = mem.TotalCPDRefunded
	current.LastCPDAllocationDate = mem.LastCPDAllocationDate
	current.Version = expectedVersion + 1
	p.data.members[mem.ID] = current
	return nil
}

func (tv *txView) InsertTransaction(_ context.Context, tx cpd.Transaction) error {
	d := &tv.parent.data
	if tx.IdempotencyKey != "" {
		if _, exists := d.txByKey[tx.IdempotencyKey]; exists {
			return cpd.ErrDuplicateIdempotencyKey
		}
		d.txByKey[tx.IdempotencyKey] = tx
	}
	d.transactions[tx.MemberID] = append(d.transactions[tx.MemberID], tx)
	return nil
}

func (tv *txView) GetTransactionByKey(_ context.Context, key string) (*cpd.Transaction, error) {
	tx, ok := tv.parent.data.txByKey[key]
	if !ok {
		return nil, cpd.ErrTransactionNotFound
	}
	return &tx, nil
}

func (tv *txView) GetBooking(_ context.Context, id cpd.BookingID) (*cpd.Booking, error) {
	return tv.parent.data.booking(id)
}

func (tv *txView) GetBookingByKey(_ context.Context, key string) (*cpd.Booking, error) {
	return tv.parent.data.bookingByIdempotencyKey(key)
}

func (tv *txView) FindActiveBooking(_ context.Context, memberID cpd.MemberID, itemID cpd.ItemID) (*cpd.Booking, error) {
	return tv.parent.data.activeBooking(memberID, itemID)
}

func (tv *txView) InsertBooking(_ context.Context, b cpd.Booking) error {
	d := &tv.parent.data
	if _, exists := d.bookingByKey[b.IdempotencyKey]; exists {
		return cpd.ErrDuplicateIdempotencyKey
	}
	d.bookings[b.ID] = b
	d.bookingByKey[b.IdempotencyKey] = b.ID
	return nil
}

func (tv *txView) UpdateBookingStatus(_ context.Context, b cpd.Booking) error {
	d := &tv.parent.data
	current, ok := d.bookings[b.ID]
	if !ok {
		return cpd.ErrBookingNotFound
	}
	current.Status = b.Status
	current.PaymentMethod = b.PaymentMethod
	current.RefundTransactionID = b.RefundTransactionID
	current.CancelledAt = b.CancelledAt
	current.UpdatedAt = b.UpdatedAt
	d.bookings[b.ID] = current
	return nil
}

// =============================================================================
// HELPERS (callers hold the lock)
// =============================================================================

func (d *memoryData) member(id cpd.MemberID) (*cpd.Member, error) {
	mem, ok := d.members[id]
	if !ok {
		return nil, cpd.ErrMemberNotFound
	}
	return &mem, nil
}

func (d *memoryData) booking(id cpd.BookingID) (*cpd.Booking, error) {
	b, ok := d.bookings[id]
	if !ok {
		return nil, cpd.ErrBookingNotFound
	}
	return &b, nil
}

func (d *memoryData) bookingByIdempotencyKey(key string) (*cpd.Booking, error) {
	id, ok := d.bookingByKey[key]
	if !ok {
		return nil, cpd.ErrBookingNotFound
	}
	b := d.bookings[id]
	return &b, nil
}

func (d *memoryData) activeBooking(memberID cpd.MemberID, itemID cpd.ItemID) (*cpd.Booking, error) {
	for _, b := range d.bookings {
		if b.MemberID == memberID && b.ItemID == itemID && b.Active() {
			return &b, nil
		}
	}
	return nil, cpd.ErrBookingNotFound
}

// referenced reports whether any booking, cancelled or not, points at
// any of ids.
func (d *memoryData) referenced(ids ...cpd.ItemID) bool {
	for _, b := range d.bookings {
		for _, id := range ids {
			if b.ItemID == id {
				return true
			}
		}
	}
	return false
}

func (d *memoryData) clone() memoryData {
	c := memoryData{
		members:       make(map[cpd.MemberID]cpd.Member, len(d.members)),
		organisations: make(map[cpd.OrganisationID]cpd.Organisation, len(d.organisations)),
		transactions:  make(map[cpd.MemberID][]cpd.Transaction, len(d.transactions)),
		txByKey:       make(map[string]cpd.Transaction, len(d.txByKey)),
		items:         make(map[cpd.ItemID]cpd.Item, len(d.items)),
		bookings:      make(map[cpd.BookingID]cpd.Booking, len(d.bookings)),
		bookingByKey:  make(map[string]cpd.BookingID, len(d.bookingByKey)),
		runs:          append([]cpd.AllocationRun{}, d.runs...),
		courses:       make(map[cpd.ItemID]catalogue.Course, len(d.courses)),
		variants:      make(map[cpd.ItemID]catalogue.Variant, len(d.variants)),
		events:        make(map[cpd.ItemID]catalogue.Event, len(d.events)),
	}
	for k, v := range d.members {
		c.members[k] = v
	}
	for k, v := range d.organisations {
		c.organisations[k] = v
	}
	for k, v := range d.transactions {
		c.transactions[k] = append([]cpd.Transaction{}, v...)
	}
	for k, v := range d.txByKey {
		c.txByKey[k] = v
	}
	for k, v := range d.items {
		c.items[k] = v
	}
	for k, v := range d.bookings {
		c.bookings[k] = v
	}
	for k, v := range d.bookingByKey {
		c.bookingByKey[k] = v
	}
	for k, v := range d.courses {
		c.courses[k] = v
	}
	for k, v := range d.variants {
		c.variants[k] = v
	}
	for k, v := range d.events {
		c.events[k] = v
	}
	return c
}

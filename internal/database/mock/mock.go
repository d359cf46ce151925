// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// MockIdentityStore is a mock implementation of database.IdentityWriter
type MockIdentityStore struct {
	mu         sync.RWMutex
	identities map[string]*database.Identity
	order      []string

	// Error injection
	GetError       error
	ListError      error
	SaveError      error
	AddDescError   error
	SetActiveError error
	DeleteError    error
	DimError       error
}

// NewMockIdentityStore creates a new mock identity store
func NewMockIdentityStore() *MockIdentityStore {
	return &MockIdentityStore{
		identities: make(map[string]*database.Identity),
	}
}

func copyIdentity(i *database.Identity) database.Identity {
	c := *i
	c.Descriptors = make([][]float32, len(i.Descriptors))
	for j, d := range i.Descriptors {
		c.Descriptors[j] = slices.Clone(d)
	}
	return c
}

// Get retrieves an identity by ID
func (m *MockIdentityStore) Get(ctx context.Context, id string) (*database.Identity, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.identities[id]
	if !ok {
		return nil, nil
	}
	c := copyIdentity(i)
	return &c, nil
}

// List returns all identities in insertion order
func (m *MockIdentityStore) List(ctx context.Context) ([]database.Identity, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]database.Identity, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, copyIdentity(m.identities[id]))
	}
	return out, nil
}

// ListActive returns active identities in insertion order
func (m *MockIdentityStore) ListActive(ctx context.Context) ([]database.Identity, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(i database.Identity) bool { return !i.Active }), nil
}

// Count returns the number of active identities
func (m *MockIdentityStore) Count(ctx context.Context) (int, error) {
	active, err := m.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

// Save creates or replaces an identity
func (m *MockIdentityStore) Save(ctx context.Context, identity database.Identity) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[identity.ID]; !ok {
		m.order = append(m.order, identity.ID)
	}
	c := copyIdentity(&identity)
	m.identities[identity.ID] = &c
	return nil
}

// AddDescriptor appends a descriptor to an identity
func (m *MockIdentityStore) AddDescriptor(ctx context.Context, id string, descriptor []float32) error {
	if m.AddDescError != nil {
		return m.AddDescError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.identities[id]
	if !ok {
		return database.ErrNotFound
	}
	i.Descriptors = append(i.Descriptors, slices.Clone(descriptor))
	return nil
}

// SetActive toggles an identity
func (m *MockIdentityStore) SetActive(ctx context.Context, id string, active bool) error {
	if m.SetActiveError != nil {
		return m.SetActiveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.identities[id]
	if !ok {
		return database.ErrNotFound
	}
	i.Active = active
	return nil
}

// Delete removes an identity, missing identities are ignored
func (m *MockIdentityStore) Delete(ctx context.Context, id string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.identities, id)
	m.order = slices.DeleteFunc(m.order, func(o string) bool { return o == id })
	return nil
}

type recordKey struct {
	identityID string
	date       string
}

// MockAttendanceStore is a mock implementation of database.AttendanceStore.
// It enforces the (identity, date) uniqueness and the conditional check-out atomically.
type MockAttendanceStore struct {
	mu      sync.Mutex
	records map[recordKey]*database.AttendanceRecord
	nextID  int64

	// Error injection
	FindError     error
	CreateError   error
	CheckOutError error
	ListError     error

	// BeforeCreate runs before the insert,
	// letting tests simulate a concurrent writer winning the race.
	BeforeCreate func()

	// Call counters
	CreateCalls   int
	CheckOutCalls int
}

// NewMockAttendanceStore creates a new mock attendance store
func NewMockAttendanceStore() *MockAttendanceStore {
	return &MockAttendanceStore{
		records: make(map[recordKey]*database.AttendanceRecord),
	}
}

func keyOf(identityID string, date time.Time) recordKey {
	return recordKey{identityID: identityID, date: date.Format(database.DateLayout)}
}

// Put stores a record directly, bypassing state checks
func (m *MockAttendanceStore) Put(record database.AttendanceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	record.ID = m.nextID
	m.records[keyOf(record.IdentityID, record.Date)] = &record
}

// Len returns the number of stored records
func (m *MockAttendanceStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Find returns the record for (identityID, date)
func (m *MockAttendanceStore) Find(ctx context.Context, identityID string, date time.Time) (*database.AttendanceRecord, error) {
	if m.FindError != nil {
		return nil, m.FindError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[keyOf(identityID, date)]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}

// CreateCheckIn inserts a record unless one already exists
func (m *MockAttendanceStore) CreateCheckIn(ctx context.Context, record database.AttendanceRecord) (*database.AttendanceRecord, error) {
	if m.CreateError != nil {
		return nil, m.CreateError
	}
	if m.BeforeCreate != nil {
		m.BeforeCreate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++

	key := keyOf(record.IdentityID, record.Date)
	if _, exists := m.records[key]; exists {
		return nil, database.ErrConflict
	}
	m.nextID++
	record.ID = m.nextID
	record.CreatedAt = time.Now()
	record.UpdatedAt = record.CreatedAt
	m.records[key] = &record
	c := record
	return &c, nil
}

// CompleteCheckOut sets the check-out time if the record is checked in and not checked out
func (m *MockAttendanceStore) CompleteCheckOut(ctx context.Context, co database.CheckOut) (*database.AttendanceRecord, error) {
	if m.CheckOutError != nil {
		return nil, m.CheckOutError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CheckOutCalls++

	r, ok := m.records[keyOf(co.IdentityID, co.Date)]
	if !ok || r.CheckInTime == nil || r.CheckOutTime != nil || co.Time.Before(*r.CheckInTime) {
		return nil, database.ErrConflict
	}
	t := co.Time
	r.CheckOutTime = &t
	if co.Confidence != nil {
		v := *co.Confidence
		r.ConfidenceScore = &v
	}
	if co.Notes != "" {
		r.Notes = co.Notes
	}
	r.UpdatedAt = time.Now()
	c := *r
	return &c, nil
}

// ListByDate returns records for a day ordered by check-in time
func (m *MockAttendanceStore) ListByDate(ctx context.Context, date time.Time) ([]database.AttendanceRecord, error) {
	return m.List(ctx, database.RecordFilter{From: date, To: date})
}

// List returns records matching the filter
func (m *MockAttendanceStore) List(ctx context.Context, filter database.RecordFilter) ([]database.AttendanceRecord, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to := "", ""
	if !filter.From.IsZero() {
		from = filter.From.Format(database.DateLayout)
	}
	if !filter.To.IsZero() {
		to = filter.To.Format(database.DateLayout)
	}

	var out []database.AttendanceRecord
	for key, r := range m.records {
		if filter.IdentityID != "" && key.identityID != filter.IdentityID {
			continue
		}
		if from != "" && key.date < from {
			continue
		}
		if to != "" && key.date > to {
			continue
		}
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b database.AttendanceRecord) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return compareCheckIn(a, b)
	})
	return out, nil
}

func compareCheckIn(a, b database.AttendanceRecord) int {
	switch {
	case a.CheckInTime == nil && b.CheckInTime == nil:
		return 0
	case a.CheckInTime == nil:
		return 1
	case b.CheckInTime == nil:
		return -1
	}
	return a.CheckInTime.Compare(*b.CheckInTime)
}

// DescriptorDim returns the length of the first descriptor of any other identity
func (m *MockIdentityStore) DescriptorDim(ctx context.Context, excludeID string) (int, error) {
	if m.DimError != nil {
		return 0, m.DimError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if id == excludeID {
			continue
		}
		if i, ok := m.identities[id]; ok && len(i.Descriptors) > 0 {
			return len(i.Descriptors[0]), nil
		}
	}
	return 0, nil
}

// Package gallery holds the in-memory descriptor store the matcher scans.
//
// Readers never lock: every mutation builds a new immutable snapshot and
// publishes it with a single atomic swap, so an enrollment becomes visible
// all at once or not at all.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/facematch"
)

// ErrNoDescriptors is returned when an identity is enrolled without any descriptor.
var ErrNoDescriptors = errors.New("identity has no descriptors")

// Directory supplies the roster of active identities on load and refresh.
type Directory interface {
	ListActive(ctx context.Context) ([]database.Identity, error)
}

type snapshot struct {
	dim     int
	order   []string
	entries map[string]*database.Identity

	indexOnce sync.Once
	index     *descriptorIndex
}

func (s *snapshot) clone() *snapshot {
	c := &snapshot{
		dim:     s.dim,
		order:   slices.Clone(s.order),
		entries: make(map[string]*database.Identity, len(s.entries)),
	}
	for id, e := range s.entries {
		c.entries[id] = e
	}
	return c
}

// Store is a copy-on-write gallery of enrolled identities.
type Store struct {
	mu        sync.Mutex // serializes writers
	current   atomic.Pointer[snapshot]
	fixedDim  int
	dir       Directory
	group     singleflight.Group
	logger    *slog.Logger
	onChange  func(active int)
	onRefresh func(err error)
}

// Option configures a Store.
type Option func(*Store)

// WithDimension fixes the descriptor dimensionality up front.
func WithDimension(dim int) Option {
	return func(s *Store) {
		s.fixedDim = dim
	}
}

// WithDirectory sets the identity directory used by Refresh.
func WithDirectory(dir Directory) Option {
	return func(s *Store) {
		s.dir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithChangeHook registers a callback invoked with the active identity count after every publish.
func WithChangeHook(fn func(active int)) Option {
	return func(s *Store) {
		s.onChange = fn
	}
}

// WithRefreshHook calls fn after every directory reload with its result.
func WithRefreshHook(fn func(err error)) Option {
	return func(s *Store) {
		s.onRefresh = fn
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(&snapshot{dim: s.fixedDim, entries: map[string]*database.Identity{}})
	return s
}

// publish recomputes the dimensionality and swaps in next. Callers hold s.mu.
func (s *Store) publish(next *snapshot) {
	next.dim = s.fixedDim
	if next.dim == 0 {
		for _, id := range next.order {
			if d := next.entries[id].Dim(); d > 0 {
				next.dim = d
				break
			}
		}
	}
	s.current.Store(next)
	if s.onChange != nil {
		s.onChange(next.activeCount())
	}
}

func (s *snapshot) activeCount() int {
	n := 0
	for _, e := range s.entries {
		if e.Active {
			n++
		}
	}
	return n
}

// dimWithout returns the dimensionality the store would have without identity id.
func (s *Store) dimWithout(snap *snapshot, id string) int {
	if s.fixedDim > 0 {
		return s.fixedDim
	}
	for _, other := range snap.order {
		if other == id {
			continue
		}
		if d := snap.entries[other].Dim(); d > 0 {
			return d
		}
	}
	return 0
}

func validateDescriptors(descriptors [][]float32, dim int) error {
	if len(descriptors) == 0 {
		return ErrNoDescriptors
	}
	for i, d := range descriptors {
		if len(d) == 0 {
			return fmt.Errorf("descriptor %d: %w", i, facematch.ErrEmptyDescriptor)
		}
		if dim == 0 {
			dim = len(d)
			continue
		}
		if len(d) != dim {
			return fmt.Errorf("%w: descriptor %d has %d values, expected %d", facematch.ErrDimensionMismatch, i, len(d), dim)
		}
	}
	return nil
}

func cloneIdentity(identity database.Identity) *database.Identity {
	c := identity
	c.Descriptors = make([][]float32, len(identity.Descriptors))
	for i, d := range identity.Descriptors {
		c.Descriptors[i] = slices.Clone(d)
	}
	if identity.Metadata != nil {
		c.Metadata = make(map[string]string, len(identity.Metadata))
		for k, v := range identity.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Validate checks that descriptors could be enrolled for identity id without
// breaking the store's dimensionality.
func (s *Store) Validate(id string, descriptors [][]float32) error {
	return validateDescriptors(descriptors, s.dimWithout(s.current.Load(), id))
}

// Add appends a reference descriptor to an identity, creating an active identity
// named after id if it is not enrolled yet.
func (s *Store) Add(id string, descriptor []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.current.Load()
	if err := validateDescriptors([][]float32{descriptor}, s.dimWithout(snap, "")); err != nil {
		return err
	}

	next := snap.clone()
	if existing, ok := next.entries[id]; ok {
		updated := *existing
		updated.Descriptors = append(slices.Clone(existing.Descriptors), slices.Clone(descriptor))
		next.entries[id] = &updated
	} else {
		next.entries[id] = &database.Identity{
			ID:          id,
			DisplayName: id,
			Descriptors: [][]float32{slices.Clone(descriptor)},
			Active:      true,
		}
		next.order = append(next.order, id)
	}
	s.publish(next)
	return nil
}

// Enroll inserts or replaces an identity with all of its descriptors.
// A replaced identity keeps its scan position.
func (s *Store) Enroll(identity database.Identity) error {
	if identity.ID == "" {
		return errors.New("identity ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.current.Load()
	if err := validateDescriptors(identity.Descriptors, s.dimWithout(snap, identity.ID)); err != nil {
		return err
	}

	next := snap.clone()
	if _, ok := next.entries[identity.ID]; !ok {
		next.order = append(next.order, identity.ID)
	}
	next.entries[identity.ID] = cloneIdentity(identity)
	s.publish(next)
	return nil
}

// Remove deletes an identity and all its descriptors. Removing an unknown identity is a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.current.Load()
	if _, ok := snap.entries[id]; !ok {
		return
	}

	next := snap.clone()
	delete(next.entries, id)
	next.order = slices.DeleteFunc(next.order, func(other string) bool { return other == id })
	s.publish(next)
}

// SetActive toggles whether an identity is matched. Returns false for unknown identities.
func (s *Store) SetActive(id string, active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.current.Load()
	existing, ok := snap.entries[id]
	if !ok {
		return false
	}
	if existing.Active == active {
		return true
	}

	next := snap.clone()
	updated := *existing
	updated.Active = active
	next.entries[id] = &updated
	s.publish(next)
	return true
}

// Replace swaps the whole gallery for the given identities. Identities that fail
// validation are skipped and reported in the returned count.
func (s *Store) Replace(identities []database.Identity) (skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := &snapshot{entries: make(map[string]*database.Identity, len(identities))}
	dim := s.fixedDim
	for _, identity := range identities {
		if err := validateDescriptors(identity.Descriptors, dim); err != nil {
			s.logger.Warn("skipping identity", "identity_id", identity.ID, "error", err)
			skipped++
			continue
		}
		if _, dup := next.entries[identity.ID]; dup {
			skipped++
			continue
		}
		if dim == 0 {
			dim = identity.Dim()
		}
		next.entries[identity.ID] = cloneIdentity(identity)
		next.order = append(next.order, identity.ID)
	}
	s.publish(next)
	return skipped
}

// AllActive yields (identity ID, descriptor) pairs for active identities in enrollment
// order. Each iteration reads the snapshot current at its start, so a sequence can be
// ranged over repeatedly and never observes a partial enrollment.
// Yielded descriptors must not be modified.
func (s *Store) AllActive() iter.Seq2[string, []float32] {
	return func(yield func(string, []float32) bool) {
		snap := s.current.Load()
		for _, id := range snap.order {
			e := snap.entries[id]
			if !e.Active {
				continue
			}
			for _, d := range e.Descriptors {
				if !yield(id, d) {
					return
				}
			}
		}
	}
}

// Dim returns the gallery dimensionality, or 0 if it is not determined yet.
func (s *Store) Dim() int {
	return s.current.Load().dim
}

// Len returns the number of enrolled identities, active or not.
func (s *Store) Len() int {
	return len(s.current.Load().entries)
}

// ActiveCount returns the number of active identities.
func (s *Store) ActiveCount() int {
	return s.current.Load().activeCount()
}

// Get returns an enrolled identity. Its descriptors are shared and must not be modified.
func (s *Store) Get(id string) (database.Identity, bool) {
	e, ok := s.current.Load().entries[id]
	if !ok {
		return database.Identity{}, false
	}
	return *e, true
}

// Identities returns all enrolled identities in enrollment order.
func (s *Store) Identities() []database.Identity {
	snap := s.current.Load()
	out := make([]database.Identity, 0, len(snap.order))
	for _, id := range snap.order {
		out = append(out, *snap.entries[id])
	}
	return out
}

// Refresh reloads the gallery from the identity directory. Concurrent calls share one load.
func (s *Store) Refresh(ctx context.Context) error {
	if s.dir == nil {
		return errors.New("no identity directory configured")
	}

	_, err, _ := s.group.Do("refresh", func() (any, error) {
		identities, err := s.dir.ListActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("list active identities: %w", err)
		}
		skipped := s.Replace(identities)
		s.logger.Info("gallery refreshed", "identities", len(identities)-skipped, "skipped", skipped, "dim", s.Dim())
		return nil, nil
	})
	if s.onRefresh != nil {
		s.onRefresh(err)
	}
	return err
}

// RunRefresh refreshes the gallery every interval until ctx is cancelled.
func (s *Store) RunRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("gallery refresh failed", "error", err)
			}
		}
	}
}

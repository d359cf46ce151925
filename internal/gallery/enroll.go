package gallery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
)

// EnrollResult is returned by Enroller.Enroll.
type EnrollResult struct {
	Identity           database.Identity `json:"-"`
	PossibleDuplicates []Neighbor        `json:"possible_duplicates,omitempty"`
}

// Enroller persists identity changes and then publishes them into the store.
// Descriptors are validated against both the store and every persisted identity,
// inactive ones included, before anything is written. Mutations are serialized so
// two first enrollments cannot fix different dimensionalities.
type Enroller struct {
	mu        sync.Mutex
	store     *Store
	writer    database.IdentityWriter
	threshold float64
	now       func() time.Time
}

// NewEnroller creates an enroller. threshold bounds the distance at which another
// identity is reported as a possible duplicate (<= 0 selects the match threshold).
func NewEnroller(store *Store, writer database.IdentityWriter, threshold float64) *Enroller {
	if threshold <= 0 {
		threshold = constants.DefaultMatchThreshold
	}
	return &Enroller{store: store, writer: writer, threshold: threshold, now: time.Now}
}

// Enroll creates or replaces an identity. An empty ID is assigned a new UUID.
func (e *Enroller) Enroll(ctx context.Context, identity database.Identity) (*EnrollResult, error) {
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	if identity.DisplayName == "" {
		return nil, errors.New("display name is required")
	}
	if len(identity.Descriptors) > constants.MaxDescriptorsPerIdentity {
		return nil, fmt.Errorf("too many descriptors (max %d)", constants.MaxDescriptorsPerIdentity)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validate(ctx, identity.ID, identity.Descriptors); err != nil {
		return nil, err
	}

	duplicates, err := e.possibleDuplicates(identity)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	identity.UpdatedAt = now

	if err := e.writer.Save(ctx, identity); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	if err := e.store.Enroll(identity); err != nil {
		return nil, fmt.Errorf("publish identity: %w", err)
	}
	return &EnrollResult{Identity: identity, PossibleDuplicates: duplicates}, nil
}

// validate checks descriptors for identity id against the in-memory gallery and
// against persistence, which still holds identities a refresh left out. An empty id
// compares against every identity.
func (e *Enroller) validate(ctx context.Context, id string, descriptors [][]float32) error {
	if err := e.store.Validate(id, descriptors); err != nil {
		return err
	}
	if e.store.fixedDim > 0 {
		return nil
	}
	stored, err := e.writer.DescriptorDim(ctx, id)
	if err != nil {
		return fmt.Errorf("stored dimension: %w", err)
	}
	return validateDescriptors(descriptors, stored)
}

func (e *Enroller) possibleDuplicates(identity database.Identity) ([]Neighbor, error) {
	seen := map[string]bool{}
	var out []Neighbor
	for _, d := range identity.Descriptors {
		neighbors, err := e.store.Nearest(d, constants.DefaultDuplicateCandidates)
		if err != nil {
			return nil, fmt.Errorf("duplicate search: %w", err)
		}
		for _, n := range neighbors {
			if n.IdentityID == identity.ID || n.Distance >= e.threshold || seen[n.IdentityID] {
				continue
			}
			seen[n.IdentityID] = true
			out = append(out, n)
		}
	}
	return out, nil
}

// AddDescriptor appends a reference descriptor to an existing identity.
func (e *Enroller) AddDescriptor(ctx context.Context, id string, descriptor []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// The new descriptor must also agree with the identity's own descriptors.
	if err := e.validate(ctx, "", [][]float32{descriptor}); err != nil {
		return err
	}
	if err := e.writer.AddDescriptor(ctx, id, descriptor); err != nil {
		return err
	}
	return e.reload(ctx, id)
}

// ReplaceDescriptors swaps all reference descriptors of an existing identity.
func (e *Enroller) ReplaceDescriptors(ctx context.Context, id string, descriptors [][]float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	identity, err := e.writer.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get identity: %w", err)
	}
	if identity == nil {
		return database.ErrNotFound
	}
	if err := e.validate(ctx, id, descriptors); err != nil {
		return err
	}

	identity.Descriptors = descriptors
	identity.UpdatedAt = e.now()
	if err := e.writer.Save(ctx, *identity); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return e.store.Enroll(*identity)
}

// SetActive toggles matching for an identity. Activation re-validates the identity's
// descriptors first, since the gallery may have changed while it was inactive.
func (e *Enroller) SetActive(ctx context.Context, id string, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !active {
		if err := e.writer.SetActive(ctx, id, false); err != nil {
			return err
		}
		e.store.SetActive(id, false)
		return nil
	}

	identity, err := e.writer.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get identity: %w", err)
	}
	if identity == nil {
		return database.ErrNotFound
	}
	if err := e.validate(ctx, id, identity.Descriptors); err != nil {
		return err
	}
	if err := e.writer.SetActive(ctx, id, true); err != nil {
		return err
	}
	identity.Active = true
	return e.store.Enroll(*identity)
}

// Remove deletes an identity. Removing an unknown identity is not an error.
func (e *Enroller) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.writer.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	e.store.Remove(id)
	return nil
}

// reload re-reads an identity from persistence and publishes it.
func (e *Enroller) reload(ctx context.Context, id string) error {
	identity, err := e.writer.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get identity: %w", err)
	}
	if identity == nil {
		return database.ErrNotFound
	}
	return e.store.Enroll(*identity)
}

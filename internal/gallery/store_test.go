package gallery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/facematch"
)

func vec(dim int, v float32) []float32 {
	d := make([]float32, dim)
	for i := range d {
		d[i] = v
	}
	return d
}

func identity(id string, descriptors ...[]float32) database.Identity {
	return database.Identity{ID: id, DisplayName: id, Descriptors: descriptors, Active: true}
}

func collect(s *Store) map[string]int {
	counts := map[string]int{}
	for id := range s.AllActive() {
		counts[id]++
	}
	return counts
}

func TestStore_AddAndDimension(t *testing.T) {
	s := New()

	if err := s.Add("alice", vec(128, 0)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if s.Dim() != 128 {
		t.Errorf("expected dim 128, got %d", s.Dim())
	}

	err := s.Add("bob", vec(64, 0))
	if !errors.Is(err, facematch.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}

	if err := s.Add("alice", vec(128, 1)); err != nil {
		t.Fatalf("Add() second descriptor error = %v", err)
	}
	if got := collect(s)["alice"]; got != 2 {
		t.Errorf("expected 2 descriptors for alice, got %d", got)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 identity, got %d", s.Len())
	}
}

func TestStore_EnrollRejectsMixedDimensions(t *testing.T) {
	s := New(WithDimension(128))

	err := s.Enroll(identity("carol", vec(64, 0)))
	if !errors.Is(err, facematch.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}

	err = s.Enroll(identity("dave", vec(128, 0), vec(127, 0)))
	if !errors.Is(err, facematch.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch for inconsistent descriptors, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("failed enrollment must leave store untouched, got %d identities", s.Len())
	}

	if err := s.Enroll(database.Identity{ID: "erin", DisplayName: "Erin"}); !errors.Is(err, ErrNoDescriptors) {
		t.Errorf("expected ErrNoDescriptors, got %v", err)
	}
}

func TestStore_EnrollReplaceKeepsOrder(t *testing.T) {
	s := New()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Enroll(identity(id, vec(4, 0))); err != nil {
			t.Fatalf("Enroll(%s) error = %v", id, err)
		}
	}
	if err := s.Enroll(identity("a", vec(4, 1), vec(4, 2))); err != nil {
		t.Fatalf("re-enroll error = %v", err)
	}

	var order []string
	for _, i := range s.Identities() {
		order = append(order, i.ID)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("unexpected order after replace: %v", order)
	}
	if got := collect(s)["a"]; got != 2 {
		t.Errorf("expected 2 descriptors after replace, got %d", got)
	}
}

func TestStore_ReplaceOnlyIdentityMayChangeDimension(t *testing.T) {
	s := New()
	if err := s.Enroll(identity("solo", vec(64, 0))); err != nil {
		t.Fatal(err)
	}
	if err := s.Enroll(identity("solo", vec(128, 0))); err != nil {
		t.Fatalf("replacing the only identity should re-derive dim, got %v", err)
	}
	if s.Dim() != 128 {
		t.Errorf("expected dim 128, got %d", s.Dim())
	}
}

func TestStore_RemoveIsIdempotent(t *testing.T) {
	s := New()
	if err := s.Enroll(identity("a", vec(4, 0))); err != nil {
		t.Fatal(err)
	}

	s.Remove("a")
	s.Remove("a")
	s.Remove("never-enrolled")

	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
	if s.Dim() != 0 {
		t.Errorf("expected dim reset on empty store, got %d", s.Dim())
	}
}

func TestStore_AllActiveSkipsInactiveAndIsRestartable(t *testing.T) {
	s := New()
	_ = s.Enroll(identity("a", vec(4, 0)))
	_ = s.Enroll(identity("b", vec(4, 1)))
	if !s.SetActive("b", false) {
		t.Fatal("SetActive() returned false for enrolled identity")
	}
	if s.SetActive("ghost", false) {
		t.Error("SetActive() returned true for unknown identity")
	}

	seq := s.AllActive()
	for range 2 {
		var ids []string
		for id := range seq {
			ids = append(ids, id)
		}
		if len(ids) != 1 || ids[0] != "a" {
			t.Errorf("expected only a, got %v", ids)
		}
	}
	if s.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", s.ActiveCount())
	}
}

func TestStore_AllActiveEarlyBreak(t *testing.T) {
	s := New()
	_ = s.Enroll(identity("a", vec(2, 0), vec(2, 1), vec(2, 2)))

	n := 0
	for range s.AllActive() {
		n++
		break
	}
	if n != 1 {
		t.Errorf("expected iteration to stop after 1, got %d", n)
	}
}

func TestStore_DescriptorsAreCopied(t *testing.T) {
	s := New()
	d := vec(2, 1)
	_ = s.Add("a", d)
	d[0] = 99

	for _, got := range s.AllActive() {
		if got[0] != 1 {
			t.Errorf("store aliased caller's slice: %v", got)
		}
	}
}

// TestStore_EnrollmentIsAtomic checks that readers never observe a partially
// enrolled identity.
func TestStore_EnrollmentIsAtomic(t *testing.T) {
	s := New()
	const perIdentity = 5

	var wg sync.WaitGroup
	var torn atomic.Bool
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for id, n := range collect(s) {
				if n != perIdentity {
					torn.Store(true)
					t.Errorf("identity %s seen with %d descriptors", id, n)
					return
				}
			}
		}
	}()

	for i := range 200 {
		descs := make([][]float32, perIdentity)
		for j := range descs {
			descs[j] = vec(8, float32(i))
		}
		if err := s.Enroll(identity(string(rune('A'+i%26))+string(rune('a'+i/26)), descs...)); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()

	if torn.Load() {
		t.Fatal("observed partial enrollment")
	}
}

type fakeDirectory struct {
	identities []database.Identity
	err        error
	calls      atomic.Int32
	delay      time.Duration
}

func (d *fakeDirectory) ListActive(ctx context.Context) ([]database.Identity, error) {
	d.calls.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return d.identities, d.err
}

func TestStore_Refresh(t *testing.T) {
	dir := &fakeDirectory{identities: []database.Identity{
		identity("a", vec(4, 0)),
		identity("bad", vec(3, 0)),
		identity("b", vec(4, 1)),
	}}
	s := New(WithDirectory(dir))
	_ = s.Enroll(identity("stale", vec(4, 9)))

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	got := collect(s)
	if len(got) != 2 || got["a"] != 1 || got["b"] != 1 {
		t.Errorf("unexpected gallery after refresh: %v", got)
	}
}

func TestStore_RefreshCoalesces(t *testing.T) {
	dir := &fakeDirectory{identities: []database.Identity{identity("a", vec(4, 0))}, delay: 50 * time.Millisecond}
	s := New(WithDirectory(dir))

	var wg sync.WaitGroup
	for range 5 {
		wg.Go(func() {
			if err := s.Refresh(context.Background()); err != nil {
				t.Errorf("Refresh() error = %v", err)
			}
		})
	}
	wg.Wait()

	if calls := dir.calls.Load(); calls >= 5 {
		t.Errorf("expected concurrent refreshes to share loads, got %d calls", calls)
	}
}

func TestStore_RefreshError(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("db down")}
	s := New(WithDirectory(dir))
	_ = s.Enroll(identity("a", vec(4, 0)))

	if err := s.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if s.Len() != 1 {
		t.Error("failed refresh must keep the current gallery")
	}

	if err := New().Refresh(context.Background()); err == nil {
		t.Error("expected error without directory")
	}
}

func TestStore_ChangeHook(t *testing.T) {
	var last atomic.Int32
	s := New(WithChangeHook(func(active int) { last.Store(int32(active)) }))

	_ = s.Enroll(identity("a", vec(2, 0)))
	_ = s.Enroll(identity("b", vec(2, 0)))
	s.SetActive("a", false)

	if last.Load() != 1 {
		t.Errorf("expected hook to report 1 active identity, got %d", last.Load())
	}
}

func TestStore_Nearest(t *testing.T) {
	s := New()
	_ = s.Enroll(identity("near", vec(4, 0.1)))
	_ = s.Enroll(identity("far", vec(4, 5)))
	_ = s.Enroll(identity("mid", vec(4, 1), vec(4, 0.5)))

	got, err := s.Nearest(vec(4, 0), 2)
	if err != nil {
		t.Fatalf("Nearest() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 neighbors, got %d: %+v", len(got), got)
	}
	if got[0].IdentityID != "near" || got[1].IdentityID != "mid" {
		t.Errorf("unexpected neighbors: %+v", got)
	}

	if _, err := s.Nearest(vec(3, 0), 1); !errors.Is(err, facematch.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}

	empty, err := New().Nearest(vec(4, 0), 3)
	if err != nil || len(empty) != 0 {
		t.Errorf("expected no neighbors from empty store, got %v, %v", empty, err)
	}
}

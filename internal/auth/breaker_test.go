package auth

import (
	"context"
	"errors"
	"testing"
)

type flakyIdentities struct {
	IdentityStore
	err error
}

func (s *flakyIdentities) Find(context.Context, string) (*Identity, error) {
	return nil, s.err
}

type flakyStore struct {
	Store
	identities *flakyIdentities
}

func (s *flakyStore) Identities(context.Context) IdentityStore { return s.identities }

func TestBreakerTripsOnBackendFaults(t *testing.T) {
	backendErr := errors.New("connection refused")
	inner := &flakyStore{Store: NewMemStore(), identities: &flakyIdentities{err: backendErr}}
	store := NewBreakerStore(inner, "test")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Identities(ctx).Find(ctx, "id-1"); !errors.Is(err, backendErr) {
			t.Fatalf("call %d: got %v", i+1, err)
		}
	}
	// Circuit is open: the backend is no longer reached.
	if _, err := store.Identities(ctx).Find(ctx, "id-1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestBreakerIgnoresDomainErrors(t *testing.T) {
	store := NewBreakerStore(NewMemStore(), "test")
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := store.Identities(ctx).Find(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("call %d: got %v", i+1, err)
		}
	}
}

func TestBreakerPassesThroughWrites(t *testing.T) {
	mem := NewMemStore()
	store := NewBreakerStore(mem, "test")
	ctx := context.Background()

	identity := &Identity{ID: "id-1", Email: "a@b.c", Role: RoleUser, Status: IdentityStatusActive}
	if err := store.Identities(ctx).Create(ctx, identity); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Credentials(ctx).Set(ctx, "id-1", "hash"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	hash, err := store.Credentials(ctx).Hash(ctx, "id-1")
	if err != nil || hash != "hash" {
		t.Fatalf("Hash = %q, %v", hash, err)
	}
	got, err := store.Identities(ctx).Find(ctx, "id-1")
	if err != nil || got.Email != "a@b.c" {
		t.Fatalf("Find = %+v, %v", got, err)
	}
}

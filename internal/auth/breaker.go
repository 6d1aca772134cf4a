package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerStore decorates a Store with a circuit breaker around the identity
// and credential lookups, the coordinator's external calls. An open circuit
// surfaces as ErrUnavailable, never as ErrInvalidCredentials, so a flapping
// backend cannot masquerade as an authentication failure. Resilience lives in
// this decorator, outside the state machine.
type BreakerStore struct {
	Store
	cb *gobreaker.CircuitBreaker[any]
}

// NewBreakerStore wraps inner. The breaker trips after five consecutive
// backend failures; domain errors (not found, conflicts) do not count.
func NewBreakerStore(inner Store, name string) *BreakerStore {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isDomainError(err)
		},
	})
	return &BreakerStore{Store: inner, cb: cb}
}

// isDomainError distinguishes expected outcomes from backend faults.
func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrInvalidInput)
}

func (b *BreakerStore) Identities(ctx context.Context) IdentityStore {
	return &breakerIdentities{inner: b.Store.Identities(ctx), cb: b.cb}
}

func (b *BreakerStore) Credentials(ctx context.Context) CredentialStore {
	return &breakerCredentials{inner: b.Store.Credentials(ctx), cb: b.cb}
}

func breakerExec[T any](cb *gobreaker.CircuitBreaker[any], fn func() (T, error)) (T, error) {
	var zero T
	out, err := cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

type breakerIdentities struct {
	inner IdentityStore
	cb    *gobreaker.CircuitBreaker[any]
}

func (s *breakerIdentities) Create(ctx context.Context, id *Identity) error {
	_, err := breakerExec(s.cb, func() (struct{}, error) {
		return struct{}{}, s.inner.Create(ctx, id)
	})
	return err
}

func (s *breakerIdentities) Find(ctx context.Context, id string) (*Identity, error) {
	return breakerExec(s.cb, func() (*Identity, error) {
		return s.inner.Find(ctx, id)
	})
}

func (s *breakerIdentities) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	return breakerExec(s.cb, func() (*Identity, error) {
		return s.inner.FindByEmail(ctx, email)
	})
}

func (s *breakerIdentities) Deactivate(ctx context.Context, id string) error {
	_, err := breakerExec(s.cb, func() (struct{}, error) {
		return struct{}{}, s.inner.Deactivate(ctx, id)
	})
	return err
}

func (s *breakerIdentities) SetMFA(ctx context.Context, id string, enabled bool, method MFAMethod) error {
	_, err := breakerExec(s.cb, func() (struct{}, error) {
		return struct{}{}, s.inner.SetMFA(ctx, id, enabled, method)
	})
	return err
}

type breakerCredentials struct {
	inner CredentialStore
	cb    *gobreaker.CircuitBreaker[any]
}

func (s *breakerCredentials) Set(ctx context.Context, identityID, secretHash string) error {
	_, err := breakerExec(s.cb, func() (struct{}, error) {
		return struct{}{}, s.inner.Set(ctx, identityID, secretHash)
	})
	return err
}

func (s *breakerCredentials) Hash(ctx context.Context, identityID string) (string, error) {
	return breakerExec(s.cb, func() (string, error) {
		return s.inner.Hash(ctx, identityID)
	})
}

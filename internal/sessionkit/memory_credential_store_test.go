package sessionkit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestMemoryCredentialStoreMergesUpdates(t *testing.T) {
	store := NewMemoryCredentialStore(Credential{AccessToken: "A1", RefreshToken: "R1", Role: "customer", IdentityKey: "user@example.com"})
	ctx := context.Background()

	merged, err := store.Set(ctx, CredentialUpdate{AccessToken: Field("A2")})
	if err != nil {
		t.Fatalf("set error: %v", err)
	}
	expected := Credential{AccessToken: "A2", RefreshToken: "R1", Role: "customer", IdentityKey: "user@example.com"}
	if merged != expected || store.Get() != expected {
		t.Fatalf("expected %+v, got %+v", expected, merged)
	}

	if _, err := store.Set(ctx, CredentialUpdate{Role: Field("")}); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if store.Get().Role != "" {
		t.Fatalf("expected explicit empty role to be stored")
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear error: %v", err)
	}
	if store.Get() != (Credential{}) || store.Get().SignedIn() {
		t.Fatalf("expected cleared credential")
	}
}

func TestMemoryCredentialStoreClearIsAtomicForReaders(t *testing.T) {
	store := NewMemoryCredentialStore(Credential{})
	full := Credential{AccessToken: "A", RefreshToken: "R", Role: "shipper", IdentityKey: "courier@example.com"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var partial atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	for reader := 0; reader < 4; reader++ {
		group.Go(func() error {
			for groupCtx.Err() == nil {
				observed := store.Get()
				if observed != full && observed != (Credential{}) {
					partial.Add(1)
				}
			}
			return nil
		})
	}
	group.Go(func() error {
		defer cancel()
		for iteration := 0; iteration < 2000; iteration++ {
			if _, err := store.Set(groupCtx, CredentialUpdate{
				AccessToken:  Field(full.AccessToken),
				RefreshToken: Field(full.RefreshToken),
				Role:         Field(full.Role),
				IdentityKey:  Field(full.IdentityKey),
			}); err != nil {
				return err
			}
			if err := store.Clear(groupCtx); err != nil {
				return err
			}
		}
		return nil
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error: %v", err)
	}
	if partial.Load() != 0 {
		t.Fatalf("readers observed %d partial credentials", partial.Load())
	}
}

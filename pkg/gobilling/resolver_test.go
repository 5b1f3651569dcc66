package gobilling

import (
	"context"
	"errors"
	"testing"
)

// chainStore is a minimal in-memory Store for resolver tests. Only the lookup
// methods the resolvers touch are populated; everything else panics.
type chainStore struct {
	Store
	usersByID    map[string]*User
	usersBySubID map[string]*User
	usersByCust  map[string]*User
	usersByEmail map[string]*User
	subsByProvID map[string]*Subscription
	failWith     error
}

func newChainStore() *chainStore {
	return &chainStore{
		usersByID:    make(map[string]*User),
		usersBySubID: make(map[string]*User),
		usersByCust:  make(map[string]*User),
		usersByEmail: make(map[string]*User),
		subsByProvID: make(map[string]*Subscription),
	}
}

func (s *chainStore) GetUser(_ context.Context, id string) (*User, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	if u, ok := s.usersByID[id]; ok {
		return u, nil
	}
	return nil, ErrUserNotFound
}

func (s *chainStore) GetUserBySubscriptionID(_ context.Context, subID string) (*User, error) {
	if u, ok := s.usersBySubID[subID]; ok {
		return u, nil
	}
	return nil, ErrUserNotFound
}

func (s *chainStore) GetUserByCustomerID(_ context.Context, custID string) (*User, error) {
	if u, ok := s.usersByCust[custID]; ok {
		return u, nil
	}
	return nil, ErrUserNotFound
}

func (s *chainStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	if u, ok := s.usersByEmail[email]; ok {
		return u, nil
	}
	return nil, ErrUserNotFound
}

func (s *chainStore) GetSubscriptionByProviderID(_ context.Context, provID string) (*Subscription, error) {
	if sub, ok := s.subsByProvID[provID]; ok {
		return sub, nil
	}
	return nil, ErrSubscriptionNotFound
}

func TestResolveUser_MetadataWins(t *testing.T) {
	store := newChainStore()
	store.usersByID["u1"] = &User{ID: "u1"}
	store.usersBySubID["sub_1"] = &User{ID: "u2"}

	user, err := ResolveUser(context.Background(), SubscriptionResolvers(store), EventRef{
		UserID:         "u1",
		SubscriptionID: "sub_1",
	})
	if err != nil {
		t.Fatalf("ResolveUser failed: %v", err)
	}
	if user.ID != "u1" {
		t.Errorf("metadata resolver should win, got %s", user.ID)
	}
}

func TestResolveUser_FallsBackToUserField(t *testing.T) {
	store := newChainStore()
	store.usersBySubID["sub_1"] = &User{ID: "u2"}

	user, err := ResolveUser(context.Background(), SubscriptionResolvers(store), EventRef{
		SubscriptionID: "sub_1",
	})
	if err != nil {
		t.Fatalf("ResolveUser failed: %v", err)
	}
	if user.ID != "u2" {
		t.Errorf("expected u2 via user field, got %s", user.ID)
	}
}

func TestResolveUser_FallsBackToSubscriptionTable(t *testing.T) {
	store := newChainStore()
	store.usersByID["u3"] = &User{ID: "u3"}
	store.subsByProvID["sub_1"] = &Subscription{ID: "local-1", UserID: "u3"}

	user, err := ResolveUser(context.Background(), SubscriptionResolvers(store), EventRef{
		SubscriptionID: "sub_1",
	})
	if err != nil {
		t.Fatalf("ResolveUser failed: %v", err)
	}
	if user.ID != "u3" {
		t.Errorf("expected u3 via subscription table, got %s", user.ID)
	}
}

func TestResolveUser_ExhaustedChain(t *testing.T) {
	store := newChainStore()

	_, err := ResolveUser(context.Background(), SubscriptionResolvers(store), EventRef{
		UserID:         "missing",
		SubscriptionID: "sub_missing",
	})
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestResolveUser_RealErrorAbortsChain(t *testing.T) {
	store := newChainStore()
	store.failWith = ErrStoreUnavailable
	store.usersBySubID["sub_1"] = &User{ID: "u2"}

	// The metadata resolver hits the failing GetUser; the chain must stop
	// rather than fall through to a resolver that would have succeeded.
	_, err := ResolveUser(context.Background(), SubscriptionResolvers(store), EventRef{
		UserID:         "u1",
		SubscriptionID: "sub_1",
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("expected wrapped ErrStoreUnavailable, got %v", err)
	}
}

func TestResolveUser_InvoiceChain(t *testing.T) {
	store := newChainStore()
	store.usersByEmail["a@example.com"] = &User{ID: "u4"}

	user, err := ResolveUser(context.Background(), InvoiceResolvers(store), EventRef{
		CustomerID: "cus_unknown",
		Email:      "a@example.com",
	})
	if err != nil {
		t.Fatalf("ResolveUser failed: %v", err)
	}
	if user.ID != "u4" {
		t.Errorf("expected u4 via email, got %s", user.ID)
	}

	store.usersByCust["cus_1"] = &User{ID: "u5"}
	user, err = ResolveUser(context.Background(), InvoiceResolvers(store), EventRef{
		CustomerID: "cus_1",
		Email:      "a@example.com",
	})
	if err != nil {
		t.Fatalf("ResolveUser failed: %v", err)
	}
	if user.ID != "u5" {
		t.Errorf("customer ID should take precedence over email, got %s", user.ID)
	}
}

func TestResolveUser_EmptyRefSkipsAllResolvers(t *testing.T) {
	store := newChainStore()

	_, err := ResolveUser(context.Background(), SubscriptionResolvers(store), EventRef{})
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound for empty ref, got %v", err)
	}
}

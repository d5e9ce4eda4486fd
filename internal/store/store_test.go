package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hub.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRegisterFirstUserBecomesOwner(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	alice, token, err := st.Register(ctx, "alice", "hunter2", "alice@example.com")
	if err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if token == "" {
		t.Fatal("expected a session token for alice")
	}
	if !alice.IsOwner || !alice.HasPatchbayAccess {
		t.Fatalf("first user should be owner with patchbay access, got %+v", alice)
	}

	bob, _, err := st.Register(ctx, "bob", "secret", "")
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}
	if bob.IsOwner || bob.HasPatchbayAccess {
		t.Fatalf("second user should be a plain member, got %+v", bob)
	}
}

func TestRegisterConcurrent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	// Every registration must succeed under write contention; the
	// owner election transaction takes the write lock up front, so
	// concurrent registrations serialise instead of failing busy.
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = st.Register(ctx, fmt.Sprintf("user%d", i), "pw", "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("register user%d: %v", i, err)
		}
	}

	users, err := st.Users(ctx)
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	owners := 0
	for _, u := range users {
		if u.IsOwner {
			owners++
		}
	}
	if len(users) != n || owners != 1 {
		t.Fatalf("expected %d users with exactly one owner, got %d users and %d owners", n, len(users), owners)
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, _, err := st.Register(ctx, "alice", "pw1", ""); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	_, _, err := st.Register(ctx, "alice", "pw2", "")
	if !errors.Is(err, ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
}

func TestLoginRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	reg, _, err := st.Register(ctx, "alice", "hunter2", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, token, err := st.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != reg.ID || got.Username != "alice" {
		t.Fatalf("login returned wrong user: %+v", got)
	}

	resolved, err := st.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("resolve fresh token: %v", err)
	}
	if resolved.ID != reg.ID {
		t.Fatalf("resolved wrong user: %+v", resolved)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, _, err := st.Register(ctx, "alice", "hunter2", ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, _, err := st.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("wrong password: expected ErrBadCredentials, got %v", err)
	}
	// Unknown usernames must be indistinguishable from wrong passwords.
	if _, _, err := st.Login(ctx, "nobody", "whatever"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("unknown user: expected ErrBadCredentials, got %v", err)
	}
}

func TestLogoutInvalidatesToken(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	_, token, err := st.Register(ctx, "alice", "hunter2", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := st.Logout(ctx, token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := st.Resolve(ctx, token); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken after logout, got %v", err)
	}
	// Logging out twice is fine.
	if err := st.Logout(ctx, token); err != nil {
		t.Fatalf("second logout: %v", err)
	}
}

func TestResolveUnknownToken(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	if _, err := st.Resolve(context.Background(), "not-a-token"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestSetPatchbayAccess(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	owner, _, err := st.Register(ctx, "alice", "pw", "")
	if err != nil {
		t.Fatalf("register owner: %v", err)
	}
	bob, bobToken, err := st.Register(ctx, "bob", "pw", "")
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}

	if err := st.SetPatchbayAccess(ctx, bob.ID, true); err != nil {
		t.Fatalf("grant bob: %v", err)
	}
	got, err := st.Resolve(ctx, bobToken)
	if err != nil {
		t.Fatalf("resolve bob: %v", err)
	}
	if !got.HasPatchbayAccess {
		t.Fatal("bob should have patchbay access after grant")
	}

	// Revoking the owner is a silent no-op.
	if err := st.SetPatchbayAccess(ctx, owner.ID, false); err != nil {
		t.Fatalf("revoke owner: %v", err)
	}
	users, err := st.Users(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	for _, u := range users {
		if u.ID == owner.ID && !u.HasPatchbayAccess {
			t.Fatal("owner access must be immutable")
		}
	}

	if err := st.SetPatchbayAccess(ctx, "no-such-id", true); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}

func TestUsersAndCount(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	n, err := st.UserCount(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected empty store, got n=%d err=%v", n, err)
	}

	for _, name := range []string{"alice", "bob", "carol"} {
		if _, _, err := st.Register(ctx, name, "pw", ""); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	users, err := st.Users(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("expected 3 users, got %d", len(users))
	}
	n, err = st.UserCount(ctx)
	if err != nil || n != 3 {
		t.Fatalf("expected count 3, got n=%d err=%v", n, err)
	}
}

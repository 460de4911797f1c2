package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/taxi-session/internal/cache"
	"github.com/and161185/taxi-session/internal/errs"
	"github.com/and161185/taxi-session/internal/identity"
	"github.com/and161185/taxi-session/internal/kv"
	"github.com/and161185/taxi-session/internal/locator"
	"github.com/and161185/taxi-session/internal/model"
	"github.com/and161185/taxi-session/internal/notify"
	"github.com/and161185/taxi-session/internal/resolver"
	"github.com/and161185/taxi-session/internal/treedb"
)

type fakeProvider struct {
	mu        sync.Mutex
	id        model.Identity
	signInErr error
	current   *model.Identity
	signOuts  int
	updates   []model.ProfileUpdate
}

var _ Provider = (*fakeProvider)(nil)

func (p *fakeProvider) SignIn(_ context.Context, email, _ string) (model.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signInErr != nil {
		return model.Identity{}, p.signInErr
	}
	id := p.id
	id.Email = email
	p.current = &id
	return id, nil
}

func (p *fakeProvider) SignOut(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOuts++
	p.current = nil
	return nil
}

func (p *fakeProvider) UpdateProfile(_ context.Context, _ string, upd model.ProfileUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, upd)
	return nil
}

func (p *fakeProvider) Current(context.Context) *model.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	id := *p.current
	return &id
}

func (p *fakeProvider) setCurrent(id *model.Identity) {
	p.mu.Lock()
	p.current = id
	p.mu.Unlock()
}

func (p *fakeProvider) outs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signOuts
}

type toast struct {
	msg  string
	kind notify.Kind
}

type recNotifier struct {
	mu     sync.Mutex
	toasts []toast
	choice notify.Choice
}

var _ notify.Notifier = (*recNotifier)(nil)

func (n *recNotifier) Toast(_ context.Context, msg string, kind notify.Kind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toasts = append(n.toasts, toast{msg, kind})
}

func (n *recNotifier) Confirm(context.Context, notify.Dialog) (notify.Choice, error) {
	return n.choice, nil
}

func (n *recNotifier) all() []toast {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]toast(nil), n.toasts...)
}

// gateResolver blocks every resolution until release is closed.
type gateResolver struct {
	entered chan struct{}
	release chan struct{}
	inner   Resolver
}

func (g *gateResolver) Resolve(ctx context.Context, id model.Identity, mode resolver.Mode) (*model.SessionState, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.inner.Resolve(ctx, id, mode)
}

type errResolver struct{ err error }

func (r errResolver) Resolve(context.Context, model.Identity, resolver.Mode) (*model.SessionState, error) {
	return nil, r.err
}

type env struct {
	c     *Controller
	prov  *fakeProvider
	db    *treedb.Memory
	kv    *kv.Memory
	note  *recNotifier
	inner Resolver
}

func newEnv(t *testing.T, seed map[string]map[string]any) *env {
	t.Helper()
	db := treedb.NewMemory()
	for p, rec := range seed {
		require.NoError(t, db.Set(context.Background(), p, rec))
	}
	e := &env{
		prov:  &fakeProvider{id: model.Identity{UID: "u1", DisplayName: "Auth Name"}},
		db:    db,
		kv:    kv.NewMemory(),
		note:  &recNotifier{choice: notify.Confirmed},
		inner: resolver.New(locator.New(db), nil, zap.NewNop()),
	}
	e.build(e.inner)
	return e
}

func (e *env) build(r Resolver) {
	e.c = New(Deps{
		Provider: e.prov,
		Resolver: r,
		Cache:    cache.New(e.kv, zap.NewNop()),
		DB:       e.db,
		Notifier: e.note,
		Log:      zap.NewNop(),
	})
}

func (e *env) cached(t *testing.T) (string, bool) {
	t.Helper()
	v, ok, err := e.kv.Get(context.Background(), cache.Key)
	require.NoError(t, err)
	return v, ok
}

func signedIn(uid string) identity.Event {
	return identity.Event{Identity: &model.Identity{UID: uid, DisplayName: "Auth Name"}}
}

var rider = map[string]map[string]any{
	"users/u1": {"uid": "u1", "fullName": "Sara", "phone": "0700"},
}

var driver = map[string]map[string]any{
	"drivers/DR1": {"id": "DR1", "uid": "u1", "fullName": "Ali", "isAvailable": false, "status": "approved"},
}

func TestLogin_Rider(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)

	s, err := e.c.Login(context.Background(), "sara@example.com", "secret1")
	require.NoError(t, err)
	require.Equal(t, "Sara", s.FullName)
	require.Equal(t, "sara@example.com", s.Email)
	require.Equal(t, model.Rider, s.UserType)
	require.Equal(t, SignedIn, e.c.State())

	_, ok := e.cached(t)
	require.True(t, ok)
	require.Equal(t, []toast{{"Welcome, Sara", notify.Success}}, e.note.all())
}

func TestLogin_ProfileNotFound(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)

	s, err := e.c.Login(context.Background(), "ghost@example.com", "secret1")
	require.ErrorIs(t, err, errs.ErrProfileNotFound)
	require.Nil(t, s)
	require.Nil(t, e.c.Current())
	require.Equal(t, SignedOut, e.c.State())
	require.Equal(t, 1, e.prov.outs())

	_, ok := e.cached(t)
	require.False(t, ok)
	require.Equal(t, []toast{{"No profile found for this account", notify.Error}}, e.note.all())
}

func TestLogin_InvalidCredentials(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)
	e.prov.signInErr = errs.ErrInvalidCredentials

	_, err := e.c.Login(context.Background(), "sara@example.com", "wrong")
	require.ErrorIs(t, err, errs.ErrInvalidCredentials)
	require.Zero(t, e.prov.outs())
	require.Equal(t, []toast{{"E-mail or password is incorrect", notify.Error}}, e.note.all())
}

func TestLogin_FailureDropsPersistedSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)
	ctx := context.Background()
	_, err := e.c.Login(ctx, "sara@example.com", "secret1")
	require.NoError(t, err)

	e.prov.mu.Lock()
	e.prov.signInErr = errs.ErrInvalidCredentials
	e.prov.mu.Unlock()
	_, err = e.c.Login(ctx, "other@example.com", "wrong")
	require.ErrorIs(t, err, errs.ErrInvalidCredentials)

	require.Equal(t, 1, e.prov.outs())
	require.Nil(t, e.prov.Current(ctx))
	require.Nil(t, e.c.Current())
	_, ok := e.cached(t)
	require.False(t, ok)
}

func TestLogin_SecondLoginWhileRunning(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)
	gate := &gateResolver{entered: make(chan struct{}, 1), release: make(chan struct{}), inner: e.inner}
	e.build(gate)

	done := make(chan error, 1)
	go func() {
		_, err := e.c.Login(context.Background(), "sara@example.com", "secret1")
		done <- err
	}()
	<-gate.entered

	_, err := e.c.Login(context.Background(), "sara@example.com", "secret1")
	require.ErrorIs(t, err, errs.ErrLoginInProgress)
	require.Equal(t, Resolving, e.c.State())

	close(gate.release)
	require.NoError(t, <-done)
	require.Equal(t, []toast{
		{"Sign-in is already in progress", notify.Error},
		{"Welcome, Sara", notify.Success},
	}, e.note.all())
}

func TestLogin_ReplacesExistingSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)
	ctx := context.Background()

	_, err := e.c.Login(ctx, "sara@example.com", "secret1")
	require.NoError(t, err)
	_, err = e.c.Login(ctx, "sara@example.com", "secret1")
	require.NoError(t, err)
	require.Zero(t, e.prov.outs())
	require.Equal(t, "Sara", e.c.Current().FullName)
}

func TestRestore_FallbackThenCache(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()
	e.prov.setCurrent(&model.Identity{UID: "u1"})

	e.c.HandleEvent(ctx, signedIn("u1"))
	s := e.c.Current()
	require.NotNil(t, s)
	require.Equal(t, "Auth Name", s.FullName)
	require.Equal(t, model.Rider, s.UserType)
	_, ok := e.cached(t)
	require.True(t, ok)

	// A profile written later is not seen while the cache holds the session.
	require.NoError(t, e.db.Set(ctx, "users/u1", map[string]any{"fullName": "Sara"}))
	e.c.HandleEvent(ctx, signedIn("u1"))
	require.Equal(t, "Auth Name", e.c.Current().FullName)
	require.Empty(t, e.note.all())
}

func TestRestore_DriverKeepsDriverID(t *testing.T) {
	t.Parallel()
	e := newEnv(t, driver)
	e.prov.setCurrent(&model.Identity{UID: "u1"})

	e.c.HandleEvent(context.Background(), signedIn("u1"))
	s := e.c.Current()
	require.True(t, s.IsDriver())
	require.Equal(t, "DR1", s.DriverID())
}

func TestRestore_CacheOfAnotherIdentityIsDropped(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)
	ctx := context.Background()
	require.NoError(t, cache.New(e.kv, zap.NewNop()).Set(ctx, &model.SessionState{UID: "u2", FullName: "Other"}))
	e.prov.setCurrent(&model.Identity{UID: "u1"})

	e.c.HandleEvent(ctx, signedIn("u1"))
	require.Equal(t, "u1", e.c.Current().UID)
	require.Equal(t, "Sara", e.c.Current().FullName)

	got, err := cache.New(e.kv, zap.NewNop()).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", got.UID)
}

func TestRestore_StaleEventIgnored(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)

	e.c.HandleEvent(context.Background(), signedIn("u1"))
	require.Nil(t, e.c.Current())
	_, ok := e.cached(t)
	require.False(t, ok)
}

func TestRestore_FailureSignsOut(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)
	e.build(errResolver{err: errors.New("db down")})
	e.prov.setCurrent(&model.Identity{UID: "u1"})

	e.c.HandleEvent(context.Background(), signedIn("u1"))
	require.Nil(t, e.c.Current())
	require.Equal(t, 1, e.prov.outs())
	toasts := e.note.all()
	require.Len(t, toasts, 1)
	require.Equal(t, notify.Info, toasts[0].kind)
}

func TestRestore_SupersededBySignOut(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)
	gate := &gateResolver{entered: make(chan struct{}, 1), release: make(chan struct{}), inner: e.inner}
	e.build(gate)
	ctx := context.Background()
	e.prov.setCurrent(&model.Identity{UID: "u1"})

	done := make(chan struct{})
	go func() {
		e.c.HandleEvent(ctx, signedIn("u1"))
		close(done)
	}()
	<-gate.entered
	e.c.HandleEvent(ctx, identity.Event{})
	close(gate.release)
	<-done

	require.Nil(t, e.c.Current())
	require.Equal(t, SignedOut, e.c.State())
	_, ok := e.cached(t)
	require.False(t, ok)
	require.Zero(t, e.prov.outs())
	require.Empty(t, e.note.all())
}

func TestRestore_DoesNotJoinResolutionOfOlderEpoch(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)
	gate := &gateResolver{entered: make(chan struct{}, 2), release: make(chan struct{}), inner: e.inner}
	e.build(gate)
	ctx := context.Background()
	e.prov.setCurrent(&model.Identity{UID: "u1"})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.c.HandleEvent(ctx, signedIn("u1"))
	}()
	<-gate.entered

	e.c.reset(ctx)
	go func() {
		defer wg.Done()
		e.c.HandleEvent(ctx, signedIn("u1"))
	}()
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		close(gate.release)
		t.Fatal("restore after the reset shared the earlier resolution")
	}
	close(gate.release)
	wg.Wait()

	s := e.c.Current()
	require.NotNil(t, s)
	require.Equal(t, "Sara", s.FullName)
	require.Equal(t, SignedIn, e.c.State())
}

func TestSignOutEvent_ClearsCache(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)
	ctx := context.Background()

	_, err := e.c.Login(ctx, "sara@example.com", "secret1")
	require.NoError(t, err)

	e.c.HandleEvent(ctx, identity.Event{})
	require.Nil(t, e.c.Current())
	_, ok := e.cached(t)
	require.False(t, ok)

	// A restart with no sign-in event finds nothing to restore.
	got, err := cache.New(e.kv, zap.NewNop()).Get(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestLogout(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)
	ctx := context.Background()
	_, err := e.c.Login(ctx, "sara@example.com", "secret1")
	require.NoError(t, err)

	e.note.choice = notify.Cancelled
	done, err := e.c.Logout(ctx)
	require.NoError(t, err)
	require.False(t, done)
	require.NotNil(t, e.c.Current())
	require.Zero(t, e.prov.outs())

	e.note.choice = notify.Confirmed
	done, err = e.c.Logout(ctx)
	require.NoError(t, err)
	require.True(t, done)
	require.Nil(t, e.c.Current())
	require.Equal(t, 1, e.prov.outs())
	_, ok := e.cached(t)
	require.False(t, ok)

	toasts := e.note.all()
	require.Equal(t, toast{"Signed out", notify.Success}, toasts[len(toasts)-1])
}

func TestToggleAvailability(t *testing.T) {
	t.Parallel()
	e := newEnv(t, driver)
	ctx := context.Background()
	_, err := e.c.Login(ctx, "ali@example.com", "secret1")
	require.NoError(t, err)

	on, err := e.c.ToggleAvailability(ctx)
	require.NoError(t, err)
	require.True(t, on)

	v, err := e.db.Get(ctx, "drivers/DR1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"id": "DR1", "uid": "u1", "fullName": "Ali", "isAvailable": true, "status": "approved",
	}, v)
	require.Equal(t, true, e.c.Current().Field("isAvailable"))

	got, err := cache.New(e.kv, zap.NewNop()).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, true, got.Field("isAvailable"))

	on, err = e.c.ToggleAvailability(ctx)
	require.NoError(t, err)
	require.False(t, on)

	toasts := e.note.all()
	require.Equal(t, toast{"Status changed to busy", notify.Success}, toasts[len(toasts)-1])
}

func TestToggleAvailability_Rejected(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)
	ctx := context.Background()

	_, err := e.c.ToggleAvailability(ctx)
	require.ErrorIs(t, err, errs.ErrNotSignedIn)

	_, err = e.c.Login(ctx, "sara@example.com", "secret1")
	require.NoError(t, err)
	_, err = e.c.ToggleAvailability(ctx)
	require.ErrorIs(t, err, errs.ErrNotDriver)

	v, err := e.db.Get(ctx, "users/u1")
	require.NoError(t, err)
	require.NotContains(t, v, "isAvailable")
}

func TestUpdateProfile(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)
	ctx := context.Background()
	_, err := e.c.Login(ctx, "sara@example.com", "secret1")
	require.NoError(t, err)

	require.NoError(t, e.c.UpdateProfile(ctx, map[string]any{"fullName": "Sara K", "address": "Main 1"}))

	v, err := e.db.Get(ctx, "users/u1")
	require.NoError(t, err)
	rec, _ := treedb.AsRecord(v)
	require.Equal(t, "Sara K", rec["fullName"])
	require.Equal(t, "Main 1", rec["address"])
	require.Equal(t, "0700", rec["phone"])
	require.IsType(t, int64(0), rec["lastUpdated"])

	s := e.c.Current()
	require.Equal(t, "Sara K", s.FullName)
	require.Equal(t, "Main 1", s.Field("address"))

	require.Len(t, e.prov.updates, 1)
	require.Equal(t, "Sara K", *e.prov.updates[0].DisplayName)
	require.Nil(t, e.prov.updates[0].PhotoURL)
}

func TestUpdateProfile_AliasedKeysMatchResolution(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)
	ctx := context.Background()
	_, err := e.c.Login(ctx, "sara@example.com", "secret1")
	require.NoError(t, err)

	require.NoError(t, e.c.UpdateProfile(ctx, map[string]any{"name": "Other", "imageUrl": "http://img"}))
	mirrored := e.c.Current()
	require.Equal(t, "http://img", mirrored.PhotoURL)
	require.Equal(t, "Sara", mirrored.FullName)

	resolved, err := e.inner.Resolve(ctx, *e.prov.Current(ctx), resolver.Strict)
	require.NoError(t, err)
	require.Equal(t, resolved, mirrored)

	cached, err := cache.New(e.kv, zap.NewNop()).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, resolved.PhotoURL, cached.PhotoURL)
	require.Equal(t, resolved.FullName, cached.FullName)
}

func TestUpdateProfile_DriverKeepsDriverID(t *testing.T) {
	t.Parallel()
	e := newEnv(t, driver)
	ctx := context.Background()
	_, err := e.c.Login(ctx, "ali@example.com", "secret1")
	require.NoError(t, err)

	require.NoError(t, e.c.UpdateProfile(ctx, map[string]any{"vehicleColor": "red"}))
	s := e.c.Current()
	require.Equal(t, "DR1", s.DriverID())
	require.Equal(t, "red", s.Field("vehicleColor"))
	require.Equal(t, model.Driver, s.UserType)
}

func TestUpdateProfile_ReadOnlyField(t *testing.T) {
	t.Parallel()
	e := newEnv(t, driver)
	ctx := context.Background()
	_, err := e.c.Login(ctx, "ali@example.com", "secret1")
	require.NoError(t, err)

	err = e.c.UpdateProfile(ctx, map[string]any{"status": "approved", "phone": "1"})
	require.ErrorIs(t, err, errs.ErrValidation)
	err = e.c.UpdateProfile(ctx, nil)
	require.ErrorIs(t, err, errs.ErrValidation)

	v, err := e.db.Get(ctx, "drivers/DR1")
	require.NoError(t, err)
	require.NotContains(t, v, "phone")
}

func TestRun(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)
	e.prov.setCurrent(&model.Identity{UID: "u1"})

	var seen []*model.SessionState
	e.c.store.Subscribe(ListenerFunc(func(s *model.SessionState) { seen = append(seen, s) }))

	events := make(chan identity.Event, 2)
	events <- signedIn("u1")
	events <- identity.Event{}
	close(events)

	require.NoError(t, e.c.Run(context.Background(), events))
	require.Len(t, seen, 2)
	require.Equal(t, "Sara", seen[0].FullName)
	require.Nil(t, seen[1])
}

func TestRun_ContextCancelled(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.c.Run(ctx, make(chan identity.Event))
	require.ErrorIs(t, err, context.Canceled)
}

func TestRefresh_ReplacesFallback(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()
	e.prov.setCurrent(&model.Identity{UID: "u1", DisplayName: "Auth Name"})

	e.c.HandleEvent(ctx, signedIn("u1"))
	require.Equal(t, "Auth Name", e.c.Current().FullName)

	require.NoError(t, e.db.Set(ctx, "users/u1", map[string]any{"uid": "u1", "fullName": "Sara"}))
	e.c.Refresh(ctx)
	require.Equal(t, "Sara", e.c.Current().FullName)

	got, err := cache.New(e.kv, zap.NewNop()).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "Sara", got.FullName)
}

func TestRefresh_SignedOutIsNoop(t *testing.T) {
	t.Parallel()
	e := newEnv(t, rider)

	e.c.Refresh(context.Background())
	require.Nil(t, e.c.Current())
	require.Equal(t, SignedOut, e.c.State())
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/taxi-session/internal/errs"
	"github.com/and161185/taxi-session/internal/identity"
	"github.com/and161185/taxi-session/internal/locator"
	"github.com/and161185/taxi-session/internal/metrics"
	"github.com/and161185/taxi-session/internal/model"
	"github.com/and161185/taxi-session/internal/notify"
	"github.com/and161185/taxi-session/internal/resolver"
	"github.com/and161185/taxi-session/internal/treedb"
)

// Provider is the part of the identity provider the controller drives.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (model.Identity, error)
	SignOut(ctx context.Context) error
	UpdateProfile(ctx context.Context, uid string, upd model.ProfileUpdate) error
	// Current returns the identity of the persisted session, or nil.
	Current(ctx context.Context) *model.Identity
}

// Resolver builds a SessionState for an identity.
type Resolver interface {
	Resolve(ctx context.Context, id model.Identity, mode resolver.Mode) (*model.SessionState, error)
}

// Cache persists the session between runs.
type Cache interface {
	Get(ctx context.Context) (*model.SessionState, error)
	Set(ctx context.Context, s *model.SessionState) error
	Clear(ctx context.Context) error
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Provider Provider
	Resolver Resolver
	Cache    Cache
	DB       treedb.DB
	Notifier notify.Notifier
	Store    *Store
	Metrics  metrics.Recorder
	Log      *zap.Logger
}

// Fields the profile editor may not touch.
var readOnlyFields = map[string]bool{
	model.KeyUID: true, model.KeyEmail: true, model.KeyUserType: true,
	"id": true, "role": true, "status": true, "isVerified": true, "isAvailable": true,
	"createdAt": true, "lastUpdated": true, "documents": true,
}

var errStale = errors.New("session changed during resolution")

// Controller is the single owner of the session state and the session cache.
type Controller struct {
	provider Provider
	res      Resolver
	cache    Cache
	db       treedb.DB
	notifier notify.Notifier
	store    *Store
	metrics  metrics.Recorder
	log      *zap.Logger

	// mu serializes commits and sign-outs; epoch is bumped by every sign-out and refresh
	// so that a resolution started earlier never commits afterwards.
	mu    sync.Mutex
	epoch atomic.Uint64

	loginBusy atomic.Bool
	group     singleflight.Group
}

// New constructs a Controller.
func New(d Deps) *Controller {
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Store == nil {
		d.Store = NewStore()
	}
	return &Controller{
		provider: d.Provider,
		res:      d.Resolver,
		cache:    d.Cache,
		db:       d.DB,
		notifier: d.Notifier,
		store:    d.Store,
		metrics:  d.Metrics,
		log:      d.Log,
	}
}

// Current returns a copy of the current session, or nil.
func (c *Controller) Current() *model.SessionState { return c.store.Current() }

// State returns the lifecycle state.
func (c *Controller) State() State { return c.store.State() }

// Subscribe registers l for session changes.
func (c *Controller) Subscribe(l Listener) { c.store.Subscribe(l) }

// Run consumes provider events until ctx is done or the channel is closed.
func (c *Controller) Run(ctx context.Context, events <-chan identity.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent applies one provider event: passive restore on sign-in, reset on sign-out.
func (c *Controller) HandleEvent(ctx context.Context, ev identity.Event) {
	if !ev.SignedIn() {
		c.log.Info("provider reported sign-out")
		c.reset(ctx)
		return
	}
	c.restore(ctx, *ev.Identity)
}

// Refresh re-resolves the provider's current identity without consulting the cache.
// Registration flows call it once the new profile record is written, so a fallback
// session committed from the sign-up event is replaced.
func (c *Controller) Refresh(ctx context.Context) {
	id := c.provider.Current(ctx)
	if id == nil || c.loginBusy.Load() {
		return
	}
	log := c.log.With(zap.String("uid", id.UID))

	// Bumping the epoch turns any resolution still in flight for the old record stale.
	c.mu.Lock()
	start := c.epoch.Add(1)
	if err := c.cache.Clear(ctx); err != nil {
		log.Warn("clear session cache", zap.Error(err))
	}
	c.mu.Unlock()

	c.store.setState(Resolving)
	s, err := c.res.Resolve(ctx, *id, resolver.Lenient)
	if err == nil {
		err = c.commit(ctx, start, s, true)
	}
	switch {
	case err == nil:
		c.metrics.RecordRestore("remote")
		log.Info("session refreshed", zap.String("userType", string(s.UserType)))
	case errors.Is(err, errStale):
		log.Info("refresh superseded")
	default:
		c.signOutCorrective(ctx, log, err)
	}
}

// Login authenticates and resolves strictly. Every failure ends signed out with one error toast.
func (c *Controller) Login(ctx context.Context, email, password string) (*model.SessionState, error) {
	if !c.loginBusy.CompareAndSwap(false, true) {
		c.notifier.Toast(ctx, errs.Message(errs.ErrLoginInProgress), notify.Error)
		return nil, errs.ErrLoginInProgress
	}
	defer c.loginBusy.Store(false)

	if c.store.Current() != nil {
		c.reset(ctx)
	}
	start := c.epoch.Load()
	c.store.setState(Authenticating)

	id, err := c.provider.SignIn(ctx, email, password)
	if err != nil {
		return nil, c.failLogin(ctx, err, false)
	}
	log := c.log.With(zap.String("uid", id.UID))

	c.store.setState(Resolving)
	s, err := c.resolve(ctx, start, id, resolver.Strict)
	if err != nil {
		log.Info("login resolution failed", zap.Error(err))
		return nil, c.failLogin(ctx, err, true)
	}
	if err := c.commit(ctx, start, s, true); err != nil {
		log.Warn("login commit failed", zap.Error(err))
		return nil, c.failLogin(ctx, err, true)
	}

	log.Info("signed in", zap.String("userType", string(s.UserType)))
	c.metrics.RecordLogin("ok")
	c.notifier.Toast(ctx, fmt.Sprintf("Welcome, %s", s.FullName), notify.Success)
	return s.Clone(), nil
}

// failLogin ends a failed login signed out. A session persisted before the attempt is
// signed out at the provider too, so it does not come back on the next restore.
func (c *Controller) failLogin(ctx context.Context, err error, authenticated bool) error {
	if authenticated || c.provider.Current(ctx) != nil {
		if serr := c.provider.SignOut(ctx); serr != nil {
			c.log.Warn("provider sign-out after failed login", zap.Error(serr))
		}
	}
	c.reset(ctx)
	if errors.Is(err, errStale) {
		err = errs.ErrUnknown
	}
	c.metrics.RecordLogin(errs.Kind(err).Error())
	c.notifier.Toast(ctx, errs.Message(err), notify.Error)
	return err
}

// Logout asks for confirmation, signs out at the provider and clears the session.
// It reports whether the user went through with it.
func (c *Controller) Logout(ctx context.Context) (bool, error) {
	choice, err := c.notifier.Confirm(ctx, notify.Dialog{
		Title:   "Sign out",
		Text:    "Do you want to sign out?",
		Confirm: "Sign out",
		Cancel:  "Stay",
		Default: notify.Confirmed,
	})
	if err != nil {
		return false, err
	}
	if choice != notify.Confirmed {
		return false, nil
	}

	perr := c.provider.SignOut(ctx)
	c.reset(ctx)
	if perr != nil {
		c.log.Warn("provider sign-out failed", zap.Error(perr))
		c.notifier.Toast(ctx, errs.Message(perr), notify.Error)
		return true, perr
	}
	c.notifier.Toast(ctx, "Signed out", notify.Success)
	return true, nil
}

// restore is the passive path: cache first, lenient resolution otherwise,
// corrective sign-out when resolution fails.
func (c *Controller) restore(ctx context.Context, id model.Identity) {
	log := c.log.With(zap.String("uid", id.UID))
	if c.loginBusy.Load() {
		log.Debug("explicit login running, passive restore skipped")
		return
	}
	if cur := c.provider.Current(ctx); cur == nil || cur.UID != id.UID {
		log.Debug("stale sign-in event skipped")
		return
	}
	start := c.epoch.Load()

	cached, err := c.cache.Get(ctx)
	if err != nil {
		log.Warn("session cache read failed", zap.Error(err))
	}
	if cached != nil && cached.UID == id.UID {
		if err := c.commit(ctx, start, cached, false); err == nil {
			c.metrics.RecordRestore("cache")
			log.Debug("session restored from cache")
		}
		return
	}
	if cached != nil {
		log.Info("cached session belongs to another identity, dropping")
		if err := c.cache.Clear(ctx); err != nil {
			log.Warn("clear session cache", zap.Error(err))
		}
	}

	c.store.setState(Resolving)
	s, err := c.resolve(ctx, start, id, resolver.Lenient)
	if err == nil {
		err = c.commit(ctx, start, s, true)
	}
	switch {
	case err == nil:
		c.metrics.RecordRestore("remote")
		log.Info("session restored", zap.String("userType", string(s.UserType)))
	case errors.Is(err, errStale):
		log.Info("restore superseded by sign-out")
	default:
		c.signOutCorrective(ctx, log, err)
	}
}

// signOutCorrective ends a session whose restoration failed. The failure itself is not shown.
func (c *Controller) signOutCorrective(ctx context.Context, log *zap.Logger, err error) {
	log.Warn("passive restore failed, signing out", zap.Error(err))
	c.metrics.RecordCorrectiveSignOut()
	if serr := c.provider.SignOut(ctx); serr != nil {
		log.Warn("corrective sign-out", zap.Error(serr))
	}
	c.reset(ctx)
	c.notifier.Toast(ctx, "Your session could not be restored, please sign in again", notify.Info)
}

// resolve deduplicates concurrent resolutions of the same uid in the same mode and epoch.
// A caller never joins a resolution launched before the last sign-out or refresh.
func (c *Controller) resolve(ctx context.Context, start uint64, id model.Identity, mode resolver.Mode) (*model.SessionState, error) {
	key := fmt.Sprintf("%s:%d:%s", mode, start, id.UID)
	v, err, shared := c.group.Do(key, func() (any, error) {
		return c.res.Resolve(ctx, id, mode)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Debug("resolution shared", zap.String("uid", id.UID))
	}
	return v.(*model.SessionState).Clone(), nil
}

// commit installs s unless a sign-out happened since start.
func (c *Controller) commit(ctx context.Context, start uint64, s *model.SessionState, writeCache bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch.Load() != start {
		return errStale
	}
	if writeCache {
		if err := c.cache.Set(ctx, s); err != nil {
			return fmt.Errorf("%w: cache: %v", errs.ErrWriteFailure, err)
		}
	}
	c.store.signIn(s)
	return nil
}

// reset clears the cache unconditionally and signs the store out.
func (c *Controller) reset(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch.Add(1)
	if err := c.cache.Clear(ctx); err != nil {
		c.log.Warn("clear session cache", zap.Error(err))
	}
	c.store.Reset()
}

// ToggleAvailability flips isAvailable of the signed-in driver and returns the new value.
// Concurrent toggles from two sessions race; the last write wins.
func (c *Controller) ToggleAvailability(ctx context.Context) (bool, error) {
	s := c.store.Current()
	switch {
	case s == nil:
		return false, c.fail(ctx, errs.ErrNotSignedIn)
	case !s.IsDriver() || s.DriverID() == "":
		return false, c.fail(ctx, errs.ErrNotDriver)
	}

	next := s.Field("isAvailable") != true
	path := treedb.Join(model.DriversPath, s.DriverID())
	if err := c.db.Update(ctx, path, map[string]any{"isAvailable": next}); err != nil {
		c.log.Warn("toggle availability", zap.String("path", path), zap.Error(err))
		return false, c.fail(ctx, fmt.Errorf("%w: %v", errs.ErrWriteFailure, err))
	}

	if err := c.mirror(ctx, s.UID, func(cur *model.SessionState) {
		cur.Fields["isAvailable"] = next
	}); err != nil {
		return next, c.fail(ctx, err)
	}

	status := "busy"
	if next {
		status = "available"
	}
	c.notifier.Toast(ctx, "Status changed to "+status, notify.Success)
	return next, nil
}

// UpdateProfile writes editable profile fields to the session's record and mirrors them locally.
// fullName and photoUrl are also pushed to the identity provider.
func (c *Controller) UpdateProfile(ctx context.Context, fields map[string]any) error {
	s := c.store.Current()
	if s == nil {
		return c.fail(ctx, errs.ErrNotSignedIn)
	}
	if len(fields) == 0 {
		return c.fail(ctx, errs.Invalid("", "Nothing to update"))
	}
	for _, k := range treedb.SortedKeys(fields) {
		if readOnlyFields[k] {
			return c.fail(ctx, errs.Invalid(k, "cannot be changed"))
		}
	}

	path := treedb.Join(model.RidersPath, s.UID)
	if s.IsDriver() && s.DriverID() != "" {
		path = treedb.Join(model.DriversPath, s.DriverID())
	}
	upd := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		upd[k] = v
	}
	upd["lastUpdated"] = treedb.ServerTimestamp
	if err := c.db.Update(ctx, path, upd); err != nil {
		c.log.Warn("update profile", zap.String("path", path), zap.Error(err))
		return c.fail(ctx, fmt.Errorf("%w: %v", errs.ErrWriteFailure, err))
	}

	var pu model.ProfileUpdate
	if v, ok := fields[model.KeyFullName].(string); ok {
		pu.DisplayName = &v
	}
	if v, ok := fields[model.KeyPhotoURL].(string); ok {
		pu.PhotoURL = &v
	}
	if pu.DisplayName != nil || pu.PhotoURL != nil {
		if err := c.provider.UpdateProfile(ctx, s.UID, pu); err != nil {
			c.log.Warn("provider profile update", zap.Error(err))
		}
	}

	rebuilt, err := c.reread(ctx, s, path)
	if err != nil {
		c.log.Warn("reread profile", zap.String("path", path), zap.Error(err))
		return c.fail(ctx, err)
	}

	if err := c.mirror(ctx, s.UID, func(cur *model.SessionState) {
		*cur = *rebuilt
	}); err != nil {
		return c.fail(ctx, err)
	}
	c.notifier.Toast(ctx, "Profile updated", notify.Success)
	return nil
}

// reread loads the record at path after an edit and merges it the way a resolution would,
// so aliased keys such as imageUrl and name keep their precedence.
func (c *Controller) reread(ctx context.Context, s *model.SessionState, path string) (*model.SessionState, error) {
	v, err := c.db.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnknown, err)
	}
	rec, ok := treedb.AsRecord(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s vanished after update", errs.ErrUnknown, path)
	}

	id := model.Identity{UID: s.UID, Email: s.Email}
	if cur := c.provider.Current(ctx); cur != nil && cur.UID == s.UID {
		id = *cur
	}
	segs := treedb.Split(path)
	coll := model.Rider
	if segs[0] == model.DriversPath {
		coll = model.Driver
	}
	return resolver.FromMatch(id, locator.Match{Profile: rec, Collection: coll, Key: segs[len(segs)-1]}), nil
}

// mirror applies edit to the in-memory session of uid and rewrites the cache.
// Nothing happens when the session changed owner in the meantime.
func (c *Controller) mirror(ctx context.Context, uid string, edit func(*model.SessionState)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.store.Current()
	if cur == nil || cur.UID != uid {
		return nil
	}
	edit(cur)
	if err := c.cache.Set(ctx, cur); err != nil {
		return fmt.Errorf("%w: cache: %v", errs.ErrWriteFailure, err)
	}
	c.store.signIn(cur)
	return nil
}

func (c *Controller) fail(ctx context.Context, err error) error {
	c.notifier.Toast(ctx, errs.Message(err), notify.Error)
	return err
}

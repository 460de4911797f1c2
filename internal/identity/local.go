package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/taxi-session/internal/crypto"
	"github.com/and161185/taxi-session/internal/errs"
	"github.com/and161185/taxi-session/internal/kv"
	"github.com/and161185/taxi-session/internal/limiter"
	"github.com/and161185/taxi-session/internal/model"
	"github.com/and161185/taxi-session/internal/repository"
	"github.com/and161185/taxi-session/internal/validate"
)

// TokenKey is the local cache entry holding the persisted session token.
const TokenKey = "authToken"

// PasswordRule is the validator rule for new passwords.
const PasswordRule = "min=6"

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Local is a self-hosted provider: accounts in a repository, sessions as signed tokens in the local cache.
type Local struct {
	accounts repository.AccountRepository
	lim      limiter.Limiter
	tokens   kv.Store
	signKey  []byte
	ttl      time.Duration
	device   limiter.Device
	log      *zap.Logger
	now      func() time.Time
	hasher   pkgcrypto.Hasher

	hub *hub
}

var _ Provider = (*Local)(nil)

// NewLocal constructs a Local provider. device identifies this machine for sign-in throttling.
func NewLocal(accounts repository.AccountRepository, lim limiter.Limiter, tokens kv.Store,
	signKey []byte, ttl time.Duration, device string, log *zap.Logger) *Local {
	return &Local{
		accounts: accounts,
		lim:      lim,
		tokens:   tokens,
		signKey:  signKey,
		ttl:      ttl,
		device:   limiter.HashDevice(device),
		log:      log,
		now:      time.Now,
		hasher:   pkgcrypto.NewHasher(pkgcrypto.DefaultParams),
		hub:      newHub(),
	}
}

func checkEmail(email string) error {
	return validate.Var("email", email, "email")
}

// SignUp creates an account with a per-account salt and signs it in.
func (p *Local) SignUp(ctx context.Context, email, password string) (model.Identity, error) {
	email = strings.TrimSpace(email)
	if err := checkEmail(email); err != nil {
		return model.Identity{}, err
	}
	if err := validate.Var("password", password, PasswordRule); err != nil {
		return model.Identity{}, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.Identity{}, err
	}
	hash, salt, err := p.hasher.Hash(password)
	if err != nil {
		return model.Identity{}, err
	}
	a := &model.Account{
		ID:      id,
		Email:   email,
		PwdHash: hash,
		Salt:    salt,
	}
	if err := p.accounts.Create(ctx, a); err != nil {
		return model.Identity{}, err
	}
	p.log.Info("account created", zap.String("uid", id.String()))

	ident := a.Identity()
	if err := p.startSession(ctx, ident); err != nil {
		return model.Identity{}, err
	}
	return ident, nil
}

// SignIn authenticates with rate limiting by (email, device).
func (p *Local) SignIn(ctx context.Context, email, password string) (model.Identity, error) {
	email = strings.TrimSpace(email)
	if err := checkEmail(email); err != nil {
		return model.Identity{}, err
	}

	key := p.device.Key(email)
	allowed, _, err := p.lim.Allow(ctx, key)
	if err != nil {
		return model.Identity{}, err
	}
	if !allowed {
		return model.Identity{}, errs.ErrRateLimited
	}

	a, err := p.accounts.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return model.Identity{}, err
	}
	if err != nil || !p.hasher.Verify(password, a.Salt, a.PwdHash) {
		if blocked, _, ferr := p.lim.Failure(ctx, key); ferr == nil && blocked {
			return model.Identity{}, errs.ErrRateLimited
		}
		return model.Identity{}, errs.ErrInvalidCredentials
	}
	if a.Disabled {
		return model.Identity{}, errs.ErrAccountDisabled
	}

	if err := p.lim.Success(ctx, key); err != nil {
		p.log.Warn("reset sign-in limiter", zap.Error(err))
	}

	ident := a.Identity()
	if err := p.startSession(ctx, ident); err != nil {
		return model.Identity{}, err
	}
	return ident, nil
}

// SignOut removes the persisted token and notifies watchers.
func (p *Local) SignOut(ctx context.Context) error {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()

	if err := p.tokens.Remove(ctx, TokenKey); err != nil {
		return err
	}
	p.hub.publishLocked(Event{})
	return nil
}

// UpdateProfile changes display name and/or photo of uid.
func (p *Local) UpdateProfile(ctx context.Context, uid string, upd model.ProfileUpdate) error {
	id, err := uuid.FromString(uid)
	if err != nil {
		return errs.ErrNotFound
	}
	return p.accounts.UpdateProfile(ctx, id, upd)
}

// Delete removes the account of uid.
func (p *Local) Delete(ctx context.Context, uid string) error {
	id, err := uuid.FromString(uid)
	if err != nil {
		return errs.ErrNotFound
	}
	return p.accounts.Delete(ctx, id)
}

// Watch replays the persisted session, then streams later changes.
func (p *Local) Watch(ctx context.Context) <-chan Event {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	return p.hub.subscribeLocked(ctx, Event{Identity: p.restore(ctx)})
}

// Current returns the identity of the persisted session, or nil.
func (p *Local) Current(ctx context.Context) *model.Identity {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	return p.restore(ctx)
}

func (p *Local) startSession(ctx context.Context, ident model.Identity) error {
	tok, exp, err := p.issueAccessToken(ident.UID)
	if err != nil {
		return err
	}
	b, err := json.Marshal(tokenFile{AccessToken: tok, ExpiresAt: exp})
	if err != nil {
		return err
	}

	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	if err := p.tokens.Set(ctx, TokenKey, string(b)); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	p.hub.publishLocked(Event{Identity: &ident})
	return nil
}

// restore loads the account behind a valid persisted token. Invalid tokens are dropped.
func (p *Local) restore(ctx context.Context) *model.Identity {
	raw, ok, err := p.tokens.Get(ctx, TokenKey)
	if err != nil {
		p.log.Warn("read persisted session", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	uid, err := p.parse(raw)
	if err == nil {
		var a *model.Account
		if a, err = p.accounts.GetByID(ctx, uid); err == nil && !a.Disabled {
			ident := a.Identity()
			return &ident
		}
		if err == nil {
			err = errs.ErrAccountDisabled
		}
	}
	p.log.Info("persisted session rejected", zap.Error(err))
	if err := p.tokens.Remove(ctx, TokenKey); err != nil {
		p.log.Warn("drop persisted session", zap.Error(err))
	}
	return nil
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (p *Local) issueAccessToken(uid string) (string, time.Time, error) {
	now := p.now()
	exp := now.Add(p.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   uid,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(p.signKey)
	return signed, exp, err
}

func (p *Local) parse(raw string) (uuid.UUID, error) {
	var tf tokenFile
	if err := json.Unmarshal([]byte(raw), &tf); err != nil {
		return uuid.Nil, err
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tf.AccessToken, &claims,
		func(*jwt.Token) (any, error) { return p.signKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromString(claims.Subject)
}

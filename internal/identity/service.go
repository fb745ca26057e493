package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coachline/internal/events"
	"coachline/internal/permission"
)

const (
	DefaultTokenTTL   = 24 * time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultIssuer     = "coachline"
)

type Config struct {
	JWTSecret        string
	Issuer           string
	TokenTTL         time.Duration
	RefreshTTL       time.Duration
	PBKDF2Iterations int
}

type Options struct {
	Store  AccountStore
	Engine *permission.Engine
	// Cache is optional; when nil permissions are derived on every call.
	Cache  *permission.Cache
	Events events.Sink
	Logger zerolog.Logger
	Config Config
	Now    func() time.Time
}

type refreshEntry struct {
	userID    string
	expiresAt time.Time
}

// Service implements registration, login and session management.
type Service struct {
	store  AccountStore
	engine *permission.Engine
	cache  *permission.Cache
	events events.Sink
	log    zerolog.Logger
	cfg    Config
	now    func() time.Time
	tokens signer

	// dummyHash equalizes login timing when the username is unknown.
	dummyHash string

	// accountLocks serializes read-modify-write cycles per account id.
	accountLocks sync.Map

	mu            sync.Mutex
	revoked       map[string]time.Time
	refresh       map[string]refreshEntry
	refreshByUser map[string]string
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("identity: account store required")
	}
	if opts.Engine == nil {
		return nil, errors.New("identity: permission engine required")
	}
	if strings.TrimSpace(opts.Config.JWTSecret) == "" {
		return nil, errors.New("identity: jwt secret required")
	}
	cfg := opts.Config
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.PBKDF2Iterations <= 0 {
		cfg.PBKDF2Iterations = DefaultPBKDF2Iterations
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sink := opts.Events
	if sink == nil {
		sink = events.Discard{}
	}
	dummy, err := HashPassword(uuid.NewString(), cfg.PBKDF2Iterations)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:         opts.Store,
		engine:        opts.Engine,
		cache:         opts.Cache,
		events:        sink,
		log:           opts.Logger.With().Str("component", "identity").Logger(),
		cfg:           cfg,
		now:           now,
		tokens:        signer{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer, ttl: cfg.TokenTTL, now: now},
		dummyHash:     dummy,
		revoked:       map[string]time.Time{},
		refresh:       map[string]refreshEntry{},
		refreshByUser: map[string]string{},
	}, nil
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Register creates an active account with the role's default level and
// certifications. The role defaults to user.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Account, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return Account{}, fmt.Errorf("%w: username", ErrMissingField)
	}
	if req.Password == "" {
		return Account{}, fmt.Errorf("%w: password", ErrMissingField)
	}
	role := req.Role
	if role == "" {
		role = permission.RoleUser
	}
	profile, ok := permission.ProfileFor(role)
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}
	hash, err := HashPassword(req.Password, s.cfg.PBKDF2Iterations)
	if err != nil {
		return Account{}, err
	}
	ts := s.timestamp()
	acct := Account{
		ID:             uuid.NewString(),
		Username:       username,
		Email:          strings.TrimSpace(req.Email),
		Name:           req.Name,
		PasswordHash:   hash,
		Role:           role,
		Level:          profile.DefaultLevel,
		Certifications: profile.DefaultCertifications,
		Status:         permission.StatusActive,
		CoachID:        req.CoachID,
		TeamID:         req.TeamID,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	if err := s.store.Create(ctx, acct); err != nil {
		return Account{}, err
	}
	s.audit(ctx, events.AccountRegistered, acct.ID, acct.ID, events.Payload{"username": acct.Username, "role": acct.Role})
	s.log.Info().Str("user_id", acct.ID).Str("role", string(acct.Role)).Msg("account registered")
	return acct, nil
}

// Login verifies credentials and issues a token pair. Unknown usernames and
// wrong passwords return the same ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	acct, err := s.store.GetByUsername(ctx, username)
	if errors.Is(err, ErrAccountNotFound) {
		VerifyPassword(password, s.dummyHash)
		s.loginFailed(ctx, "", "user_not_found")
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, err
	}
	if !VerifyPassword(password, acct.PasswordHash) {
		s.loginFailed(ctx, acct.ID, "wrong_password")
		return LoginResult{}, ErrInvalidCredentials
	}
	switch acct.Status {
	case permission.StatusSuspended:
		s.loginFailed(ctx, acct.ID, "suspended")
		return LoginResult{}, ErrAccountSuspended
	case permission.StatusInactive:
		s.loginFailed(ctx, acct.ID, "inactive")
		return LoginResult{}, ErrAccountInactive
	}

	acct, err = s.mutateQuiet(ctx, acct.ID, func(a *Account) error {
		switch a.Status {
		case permission.StatusSuspended:
			return ErrAccountSuspended
		case permission.StatusInactive:
			return ErrAccountInactive
		}
		a.LastLoginAt = s.timestamp()
		return nil
	})
	if err != nil {
		return LoginResult{}, err
	}
	result, err := s.issuePair(acct)
	if err != nil {
		return LoginResult{}, err
	}
	s.audit(ctx, events.AccountLoggedIn, acct.ID, acct.ID, nil)
	s.log.Info().Str("user_id", acct.ID).Msg("login succeeded")
	return result, nil
}

func (s *Service) loginFailed(ctx context.Context, userID, reason string) {
	s.log.Warn().Str("user_id", userID).Str("reason", reason).Msg("login failed")
	s.audit(ctx, events.AccountLoginFailed, userID, userID, events.Payload{"reason": reason})
}

func (s *Service) issuePair(acct Account) (LoginResult, error) {
	token, payload, err := s.tokens.issue(acct)
	if err != nil {
		return LoginResult{}, fmt.Errorf("sign token: %w", err)
	}
	refresh, err := newRefreshToken()
	if err != nil {
		return LoginResult{}, fmt.Errorf("refresh token: %w", err)
	}
	s.mu.Lock()
	if old, ok := s.refreshByUser[acct.ID]; ok {
		delete(s.refresh, old)
	}
	s.refresh[refresh] = refreshEntry{userID: acct.ID, expiresAt: s.now().Add(s.cfg.RefreshTTL)}
	s.refreshByUser[acct.ID] = refresh
	s.mu.Unlock()
	return LoginResult{
		Token:        token,
		RefreshToken: refresh,
		ExpiresAt:    payload.ExpiresAt,
		Identity:     s.identityFor(acct),
	}, nil
}

// VerifyToken validates signature, expiry and revocation.
func (s *Service) VerifyToken(_ context.Context, token string) (TokenPayload, error) {
	payload, err := s.tokens.parse(token)
	if err != nil {
		return TokenPayload{}, err
	}
	s.mu.Lock()
	_, revoked := s.revoked[payload.TokenID]
	s.mu.Unlock()
	if revoked {
		return TokenPayload{}, ErrInvalidToken
	}
	return payload, nil
}

// Refresh exchanges a refresh token for a new pair. The presented refresh
// token is consumed whether or not the exchange succeeds.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (LoginResult, error) {
	s.mu.Lock()
	entry, ok := s.refresh[refreshToken]
	if ok {
		delete(s.refresh, refreshToken)
		if s.refreshByUser[entry.userID] == refreshToken {
			delete(s.refreshByUser, entry.userID)
		}
	}
	s.mu.Unlock()
	if !ok || !s.now().Before(entry.expiresAt) {
		return LoginResult{}, ErrInvalidRefreshToken
	}
	acct, err := s.store.Get(ctx, entry.userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, ErrInvalidRefreshToken
		}
		return LoginResult{}, err
	}
	switch acct.Status {
	case permission.StatusSuspended:
		return LoginResult{}, ErrAccountSuspended
	case permission.StatusInactive:
		return LoginResult{}, ErrAccountInactive
	}
	return s.issuePair(acct)
}

// Logout revokes the presented token immediately and drops the user's
// refresh token.
func (s *Service) Logout(ctx context.Context, token string) error {
	payload, err := s.VerifyToken(ctx, token)
	if err != nil {
		return err
	}
	now := s.now()
	s.mu.Lock()
	for jti, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, jti)
		}
	}
	s.revoked[payload.TokenID] = time.Unix(payload.ExpiresAt, 0)
	if rt, ok := s.refreshByUser[payload.UserID]; ok {
		delete(s.refresh, rt)
		delete(s.refreshByUser, payload.UserID)
	}
	s.mu.Unlock()
	s.audit(ctx, events.AccountLoggedOut, payload.UserID, payload.UserID, nil)
	return nil
}

// Identity materializes the permission identity for acct. Permissions are
// always recomputed.
func (s *Service) Identity(acct Account) permission.Identity {
	return s.identityFor(acct)
}

func (s *Service) IdentityByID(ctx context.Context, userID string) (permission.Identity, error) {
	acct, err := s.store.Get(ctx, userID)
	if err != nil {
		return permission.Identity{}, err
	}
	return s.identityFor(acct), nil
}

// Authenticate verifies token and returns the caller's current identity.
func (s *Service) Authenticate(ctx context.Context, token string) (permission.Identity, error) {
	payload, err := s.VerifyToken(ctx, token)
	if err != nil {
		return permission.Identity{}, err
	}
	id, err := s.IdentityByID(ctx, payload.UserID)
	if errors.Is(err, ErrAccountNotFound) {
		return permission.Identity{}, ErrInvalidToken
	}
	return id, err
}

func (s *Service) identityFor(acct Account) permission.Identity {
	id := permission.Identity{
		ID:             acct.ID,
		Role:           acct.Role,
		Level:          acct.Level,
		Certifications: append([]string(nil), acct.Certifications...),
		Status:         acct.Status,
		SpecialtyTags:  append([]string(nil), acct.SpecialtyTags...),
		CoachID:        acct.CoachID,
		TeamID:         acct.TeamID,
	}
	if s.cache != nil {
		id.Permissions = s.cache.Permissions(id)
	} else {
		id.Permissions = s.engine.UserPermissions(id)
	}
	return id
}

func (s *Service) Account(ctx context.Context, id string) (Account, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Accounts(ctx context.Context) ([]Account, error) {
	return s.store.List(ctx)
}

// ChangeRole switches the account's role. A level outside the new role's
// range is reset to the role default.
func (s *Service) ChangeRole(ctx context.Context, actorID, userID string, role permission.Role) (Account, error) {
	profile, ok := permission.ProfileFor(role)
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}
	return s.mutate(ctx, actorID, userID, events.AccountRoleChanged, func(a *Account) (events.Payload, error) {
		from := a.Role
		a.Role = role
		if !permission.LevelInRange(role, a.Level) {
			a.Level = profile.DefaultLevel
		}
		return events.Payload{"from": from, "to": role, "level": a.Level}, nil
	})
}

func (s *Service) SetLevel(ctx context.Context, actorID, userID string, level int) (Account, error) {
	return s.mutate(ctx, actorID, userID, events.AccountLevelChanged, func(a *Account) (events.Payload, error) {
		if !permission.LevelInRange(a.Role, level) {
			return nil, fmt.Errorf("%w: level %d for %s", ErrLevelOutOfRange, level, a.Role)
		}
		from := a.Level
		a.Level = level
		return events.Payload{"from": from, "to": level}, nil
	})
}

func (s *Service) AddCertification(ctx context.Context, actorID, userID, cert string) (Account, error) {
	cert = strings.TrimSpace(cert)
	if cert == "" {
		return Account{}, fmt.Errorf("%w: certification", ErrMissingField)
	}
	return s.mutate(ctx, actorID, userID, events.AccountCertAdded, func(a *Account) (events.Payload, error) {
		for _, c := range a.Certifications {
			if c == cert {
				return events.Payload{"certification": cert, "already_held": true}, nil
			}
		}
		a.Certifications = append(a.Certifications, cert)
		return events.Payload{"certification": cert}, nil
	})
}

func (s *Service) SetStatus(ctx context.Context, actorID, userID string, status permission.Status) (Account, error) {
	if !permission.ValidStatus(status) {
		return Account{}, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	acct, err := s.mutate(ctx, actorID, userID, events.AccountStatusChanged, func(a *Account) (events.Payload, error) {
		from := a.Status
		a.Status = status
		return events.Payload{"from": from, "to": status}, nil
	})
	if err != nil {
		return Account{}, err
	}
	if status == permission.StatusSuspended || status == permission.StatusInactive {
		s.mu.Lock()
		if rt, ok := s.refreshByUser[userID]; ok {
			delete(s.refresh, rt)
			delete(s.refreshByUser, userID)
		}
		s.mu.Unlock()
	}
	return acct, nil
}

func (s *Service) lockAccount(id string) func() {
	v, _ := s.accountLocks.LoadOrStore(id, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// mutateQuiet applies fn to the stored account under its lock and persists
// the result without touching updated_at or the audit log.
func (s *Service) mutateQuiet(ctx context.Context, userID string, fn func(*Account) error) (Account, error) {
	defer s.lockAccount(userID)()
	acct, err := s.store.Get(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	if err := fn(&acct); err != nil {
		return Account{}, err
	}
	if err := s.store.Update(ctx, acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

func (s *Service) mutate(ctx context.Context, actorID, userID, evtType string, fn func(*Account) (events.Payload, error)) (Account, error) {
	var payload events.Payload
	acct, err := s.mutateQuiet(ctx, userID, func(a *Account) error {
		p, err := fn(a)
		if err != nil {
			return err
		}
		payload = p
		a.UpdatedAt = s.timestamp()
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.audit(ctx, evtType, userID, actorID, payload)
	s.log.Info().Str("user_id", userID).Str("actor_id", actorID).Str("event", evtType).Msg("account updated")
	return acct, nil
}

func (s *Service) audit(ctx context.Context, evtType, entityID, actorID string, payload events.Payload) {
	err := s.events.Append(ctx, events.Event{
		Type:       evtType,
		EntityKind: "account",
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    payload,
	})
	if err != nil {
		s.log.Error().Err(err).Str("event", evtType).Msg("append audit event")
	}
}

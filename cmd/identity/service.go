package identity

import (
	"context"
	"log/slog"
	"time"

	"craft/cmd/internal/auth/token"
	"craft/cmd/internal/metrics"
	"craft/cmd/security/password"
)

// Resolver turns a token subject back into a live profile.
type Resolver interface {
	Resolve(ctx context.Context, subject string) (Profile, error)
}

// Authenticator verifies login credentials and yields the identity to
// embed in tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, login, plainPassword string, now time.Time) (token.Identity, error)
}

// Service implements Resolver and Authenticator over a Store.
type Service struct {
	log   *slog.Logger
	store Store
	pw    password.Config

	// dummyHash absorbs a full password verify when the login is unknown,
	// so the not-found path costs the same as a wrong password.
	dummyHash string
	verify    func(encodedHash, plain string) (bool, error)
}

// NewService constructs an identity service. Password policy comes from the
// environment with library defaults as fallback.
func NewService(log *slog.Logger, store Store) *Service {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := password.FromEnv()
	if err != nil {
		log.Warn("identity.password.config.fallback", "err", err)
		cfg = password.DefaultConfig()
	}

	svc := &Service{log: log, store: store, pw: cfg, verify: cfg.Verify}
	dummy, err := cfg.Hash("craft timing equalizer credential")
	if err != nil {
		log.Warn("identity.dummy_hash.fail", "err", err)
	}
	svc.dummyHash = dummy
	return svc
}

// Register creates a new principal with a hashed password.
func (s *Service) Register(ctx context.Context, in CreateProfileInput) (Profile, error) {
	hash, err := s.pw.Hash(in.Password)
	if err != nil {
		return Profile{}, OpError{Op: "identity.Register", Kind: ErrInvalidInput, Msg: err.Error()}
	}
	in.Password = hash

	profile, err := s.store.CreateProfile(ctx, in)
	if err != nil {
		return Profile{}, err
	}
	s.log.Info("identity.register", "sub", profile.ID, "username", profile.Username)
	return profile, nil
}

// Authenticate checks login + password. Every failure path returns
// ErrBadCredentials so callers cannot probe for valid accounts.
func (s *Service) Authenticate(ctx context.Context, login, plainPassword string, now time.Time) (token.Identity, error) {
	profile, err := s.store.GetByLogin(ctx, NormalizeLogin(login))
	if err != nil {
		if IsNotFound(err) {
			// Unknown accounts still pay for a verify; response timing must
			// not reveal whether the login exists.
			_, _ = s.verify(s.dummyHash, plainPassword)
			metrics.Logins.WithLabelValues("bad_credentials").Inc()
			return token.Identity{}, ErrBadCredentials
		}
		metrics.Logins.WithLabelValues("error").Inc()
		return token.Identity{}, err
	}

	match, err := s.verify(profile.PasswordHash, plainPassword)
	if err != nil || !match {
		metrics.Logins.WithLabelValues("bad_credentials").Inc()
		return token.Identity{}, ErrBadCredentials
	}
	if profile.Disabled {
		metrics.Logins.WithLabelValues("disabled").Inc()
		s.log.Warn("identity.login.disabled", "sub", profile.ID)
		return token.Identity{}, ErrBadCredentials
	}

	metrics.Logins.WithLabelValues("ok").Inc()
	s.log.Info("identity.login", "sub", profile.ID)
	return profile.Identity(), nil
}

// Resolve loads the live profile for a token subject.
func (s *Service) Resolve(ctx context.Context, subject string) (Profile, error) {
	return s.store.GetByID(ctx, subject)
}

// UpdateRoles replaces a profile's role set.
func (s *Service) UpdateRoles(ctx context.Context, subject string, roles map[string]bool, now time.Time) (Profile, error) {
	profile, err := s.store.UpdateRoles(ctx, subject, roles, now)
	if err != nil {
		return Profile{}, err
	}
	s.log.Info("identity.roles.update", "sub", subject, "roles", profile.RoleList())
	return profile, nil
}

// Disable marks an account unusable for future logins.
func (s *Service) Disable(ctx context.Context, subject string, now time.Time) error {
	if err := s.store.SetDisabled(ctx, subject, true, now); err != nil {
		return err
	}
	s.log.Warn("identity.disable", "sub", subject)
	return nil
}

package refresh

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"craft/cmd/internal/auth/token"
	"craft/cmd/internal/metrics"
	sectoken "craft/cmd/security/token"
)

// Service implements the refresh rotation protocol on top of a Store.
//
// It owns the security decisions (replay response, lineage revocation);
// the Store owns atomicity.
type Service struct {
	log   *slog.Logger
	codec *token.Codec
	store Store
}

// NewService constructs a rotation service.
func NewService(log *slog.Logger, codec *token.Codec, store Store) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log, codec: codec, store: store}
}

// Issue creates a fresh access+refresh pair for an identity and persists
// the refresh record. This is the login path.
func (s *Service) Issue(ctx context.Context, id token.Identity, now time.Time) (token.Pair, error) {
	pair, err := s.codec.Issue(id, now)
	if err != nil {
		return token.Pair{}, err
	}

	rec := Record{
		JTI:       pair.RefreshJTI,
		Subject:   id.Subject,
		TokenHash: sectoken.HashRefreshTokenHex(pair.RefreshToken),
		IssuedAt:  now,
		ExpiresAt: pair.RefreshExpiresAt,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return token.Pair{}, err
	}

	s.log.Info("auth.session.issue", "sub", id.Subject, "jti", pair.RefreshJTI)
	return pair, nil
}

// Rotate exchanges a refresh token for a new access+refresh pair.
//
// Failure modes:
//   - token.ErrExpired / ErrInvalidSignature / ErrMalformed: codec rejection.
//   - ErrRevoked: no active record for the token.
//   - ErrReplayed: the token was already consumed; the subject's entire
//     refresh lineage has been revoked as a security response.
//
// Concurrent rotations of one token produce exactly one success; the
// loser observes ErrReplayed (or ErrRevoked after a lineage wipe).
func (s *Service) Rotate(ctx context.Context, refreshToken string, now time.Time) (token.Pair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	// Sanity bounds against pathological inputs.
	if refreshToken == "" || len(refreshToken) > 8192 {
		metrics.Rotations.WithLabelValues("revoked").Inc()
		return token.Pair{}, ErrRevoked
	}

	claims, err := s.codec.Verify(refreshToken, now, token.PurposeRefresh)
	if err != nil {
		metrics.Rotations.WithLabelValues(rotateOutcome(err)).Inc()
		return token.Pair{}, err
	}

	// Issue the successor pair up front: the codec is pure, so a discarded
	// pair on a lost race has no side effects.
	pair, err := s.codec.Issue(claims.Identity, now)
	if err != nil {
		metrics.Rotations.WithLabelValues("error").Inc()
		return token.Pair{}, err
	}

	successor := Record{
		JTI:       pair.RefreshJTI,
		Subject:   claims.Identity.Subject,
		TokenHash: sectoken.HashRefreshTokenHex(pair.RefreshToken),
		ParentJTI: claims.JTI,
		IssuedAt:  now,
		ExpiresAt: pair.RefreshExpiresAt,
	}

	presentedHash := sectoken.HashRefreshTokenHex(refreshToken)
	status, old, err := s.store.Consume(ctx, now, claims.JTI, presentedHash, successor)
	if err != nil {
		metrics.Rotations.WithLabelValues("error").Inc()
		return token.Pair{}, err
	}

	switch status {
	case ConsumeOK:
		metrics.Rotations.WithLabelValues("ok").Inc()
		s.log.Info("auth.rotate.ok", "sub", old.Subject, "jti", claims.JTI, "successor", successor.JTI)
		return pair, nil

	case ConsumeReplayed:
		// Security incident: nuke the whole lineage for this subject.
		metrics.Rotations.WithLabelValues("replayed").Inc()
		metrics.ReplayIncidents.Inc()
		s.log.Warn("auth.rotate.replay", "sub", old.Subject, "jti", claims.JTI)
		if err := s.store.RevokeSubject(ctx, old.Subject); err != nil {
			s.log.Error("auth.rotate.replay.revoke_all.fail", "sub", old.Subject, "err", err)
		}
		return token.Pair{}, ErrReplayed

	case ConsumeExpired:
		metrics.Rotations.WithLabelValues("expired").Inc()
		return token.Pair{}, token.ErrExpired

	case ConsumeHashMismatch:
		// Valid signature and known jti, but a different credential string.
		// Indistinguishable from a revoked token for the caller.
		metrics.Rotations.WithLabelValues("revoked").Inc()
		s.log.Warn("auth.rotate.hash_mismatch", "jti", claims.JTI)
		return token.Pair{}, ErrRevoked

	default: // ConsumeNotFound
		metrics.Rotations.WithLabelValues("revoked").Inc()
		return token.Pair{}, ErrRevoked
	}
}

// Revoke invalidates the single refresh credential presented (logout of
// one session). An already-expired token is treated as a successful
// no-op; an unknown or mismatched one reports ErrRevoked.
func (s *Service) Revoke(ctx context.Context, refreshToken string, now time.Time) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" || len(refreshToken) > 8192 {
		return ErrRevoked
	}

	claims, err := s.codec.Verify(refreshToken, now, token.PurposeRefresh)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil
		}
		return err
	}

	rec, ok, err := s.store.Get(ctx, claims.JTI)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if !sectoken.HashesEqual(rec.TokenHash, sectoken.HashRefreshTokenHex(refreshToken)) {
		return ErrRevoked
	}

	s.log.Info("auth.session.revoke", "sub", rec.Subject, "jti", claims.JTI)
	return s.store.Delete(ctx, claims.JTI)
}

// RevokeSubject invalidates every refresh credential for subject
// (forced logout / logout everywhere).
func (s *Service) RevokeSubject(ctx context.Context, subject string) error {
	s.log.Info("auth.session.revoke_all", "sub", subject)
	return s.store.RevokeSubject(ctx, subject)
}

func rotateOutcome(err error) string {
	if errors.Is(err, token.ErrExpired) {
		return "expired"
	}
	return "revoked"
}

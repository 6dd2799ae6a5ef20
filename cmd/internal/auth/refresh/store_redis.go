package refresh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis.
//
// Each record is a hash at craft:refresh:<jti>, indexed per subject in the
// set craft:refresh:sub:<subject>. Record keys expire with the credential,
// so consumed records stay visible for replay detection until natural
// expiry and then vanish on their own. The subject set carries the TTL of
// the newest record in the lineage and vanishes with it.
//
// Consume runs as a Lua script, which Redis executes atomically; that is
// the rotation linearization point for this backend.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore creates a Redis-backed refresh store. The client lifecycle
// is owned by the caller; Close is a no-op.
func NewRedisStore(rdb redis.UniversalClient) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("refresh: nil redis client")
	}
	return &RedisStore{rdb: rdb}, nil
}

// Close is a no-op; the client is owned by the app.
func (s *RedisStore) Close() error { return nil }

func recordKey(jti string) string     { return "craft:refresh:" + jti }
func subjectKey(subject string) string { return "craft:refresh:sub:" + subject }

// consumeScript checks and consumes a record, then installs its successor,
// in one atomic server-side step.
//
// KEYS[1] record key, KEYS[2] successor record key, KEYS[3] successor
// subject set. ARGV: now_unix, token_hash, then the successor fields and
// its TTL in seconds. Returns {status, subject, consumed_flag} where
// status is one of ok|not_found|hash_mismatch|expired|replayed.
var consumeScript = redis.NewScript(`
local rec = redis.call('HGETALL', KEYS[1])
if #rec == 0 then
  return {'not_found', '', ''}
end
local f = {}
for i = 1, #rec, 2 do
  f[rec[i]] = rec[i+1]
end
if f['token_hash'] ~= ARGV[2] then
  return {'hash_mismatch', f['subject'], f['consumed']}
end
if f['consumed'] == '1' then
  return {'replayed', f['subject'], f['consumed']}
end
if tonumber(f['expires_at']) <= tonumber(ARGV[1]) then
  return {'expired', f['subject'], f['consumed']}
end
redis.call('HSET', KEYS[1], 'consumed', '1', 'consumed_at', ARGV[1])
redis.call('HSET', KEYS[2],
  'subject', ARGV[3],
  'token_hash', ARGV[4],
  'parent_jti', ARGV[5],
  'issued_at', ARGV[6],
  'expires_at', ARGV[7],
  'consumed', '0',
  'consumed_at', '')
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[8]))
redis.call('SADD', KEYS[3], ARGV[9])
redis.call('EXPIRE', KEYS[3], tonumber(ARGV[8]))
return {'ok', f['subject'], f['consumed']}
`)

// Create inserts a fresh record with a TTL matching its expiry.
func (s *RedisStore) Create(ctx context.Context, rec Record) error {
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return errors.New("refresh: record already expired")
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, recordKey(rec.JTI), recordFields(rec))
	pipe.Expire(ctx, recordKey(rec.JTI), ttl)
	pipe.SAdd(ctx, subjectKey(rec.Subject), rec.JTI)
	// The newest record in a subject's lineage always expires last, so
	// refreshing the index TTL on every write keeps the set alive exactly
	// as long as its live records.
	pipe.Expire(ctx, subjectKey(rec.Subject), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Get loads a record by jti.
func (s *RedisStore) Get(ctx context.Context, jti string) (Record, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, recordKey(jti)).Result()
	if err != nil {
		return Record{}, false, err
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	rec, err := recordFromFields(jti, fields)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Consume runs the atomic consume script.
func (s *RedisStore) Consume(ctx context.Context, now time.Time, jti, tokenHash string, successor Record) (ConsumeStatus, Record, error) {
	ttl := successor.ExpiresAt.Sub(now)
	if ttl <= 0 {
		ttl = time.Second
	}

	res, err := consumeScript.Run(ctx, s.rdb,
		[]string{recordKey(jti), recordKey(successor.JTI), subjectKey(successor.Subject)},
		now.Unix(),
		tokenHash,
		successor.Subject,
		successor.TokenHash,
		successor.ParentJTI,
		successor.IssuedAt.Unix(),
		successor.ExpiresAt.Unix(),
		int64(ttl.Seconds())+1,
		successor.JTI,
	).Slice()
	if err != nil {
		return ConsumeNotFound, Record{}, err
	}
	if len(res) != 3 {
		return ConsumeNotFound, Record{}, fmt.Errorf("refresh: unexpected script reply %v", res)
	}

	statusWord, _ := res[0].(string)
	if statusWord == "not_found" {
		return ConsumeNotFound, Record{}, nil
	}

	// Re-read the old record for the caller; it may already be consumed
	// again elsewhere, but subject and lineage are immutable.
	old, ok, err := s.Get(ctx, jti)
	if err != nil {
		return ConsumeNotFound, Record{}, err
	}
	if !ok {
		return ConsumeNotFound, Record{}, nil
	}

	switch statusWord {
	case "ok":
		return ConsumeOK, old, nil
	case "hash_mismatch":
		return ConsumeHashMismatch, old, nil
	case "expired":
		return ConsumeExpired, old, nil
	case "replayed":
		return ConsumeReplayed, old, nil
	default:
		return ConsumeNotFound, Record{}, fmt.Errorf("refresh: unknown consume status %q", statusWord)
	}
}

// Delete removes a single record and its subject-set entry.
func (s *RedisStore) Delete(ctx context.Context, jti string) error {
	rec, ok, err := s.Get(ctx, jti)
	if err != nil || !ok {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, recordKey(jti))
	pipe.SRem(ctx, subjectKey(rec.Subject), jti)
	_, err = pipe.Exec(ctx)
	return err
}

// RevokeSubject deletes the subject set and every record it indexes.
func (s *RedisStore) RevokeSubject(ctx context.Context, subject string) error {
	jtis, err := s.rdb.SMembers(ctx, subjectKey(subject)).Result()
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	for _, jti := range jtis {
		pipe.Del(ctx, recordKey(jti))
	}
	pipe.Del(ctx, subjectKey(subject))
	_, err = pipe.Exec(ctx)
	return err
}

func recordFields(rec Record) map[string]any {
	consumedAt := ""
	if rec.ConsumedAt != nil {
		consumedAt = strconv.FormatInt(rec.ConsumedAt.Unix(), 10)
	}
	consumed := "0"
	if rec.Consumed {
		consumed = "1"
	}
	return map[string]any{
		"subject":     rec.Subject,
		"token_hash":  rec.TokenHash,
		"parent_jti":  rec.ParentJTI,
		"issued_at":   strconv.FormatInt(rec.IssuedAt.Unix(), 10),
		"expires_at":  strconv.FormatInt(rec.ExpiresAt.Unix(), 10),
		"consumed":    consumed,
		"consumed_at": consumedAt,
	}
}

func recordFromFields(jti string, fields map[string]string) (Record, error) {
	issuedAt, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("refresh: bad issued_at for %s: %w", jti, err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("refresh: bad expires_at for %s: %w", jti, err)
	}

	rec := Record{
		JTI:       jti,
		Subject:   fields["subject"],
		TokenHash: fields["token_hash"],
		ParentJTI: fields["parent_jti"],
		IssuedAt:  time.Unix(issuedAt, 0).UTC(),
		ExpiresAt: time.Unix(expiresAt, 0).UTC(),
		Consumed:  fields["consumed"] == "1",
	}
	if raw := fields["consumed_at"]; raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("refresh: bad consumed_at for %s: %w", jti, err)
		}
		at := time.Unix(ts, 0).UTC()
		rec.ConsumedAt = &at
	}
	return rec, nil
}

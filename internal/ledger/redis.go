package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

// All keys share the {tcap} hash tag so the seal script touches a single
// cluster slot.
const (
	redisRecordPrefix  = "{tcap}:record:"
	redisCreatorPrefix = "{tcap}:creator:"
	redisClockKey      = "{tcap}:clock"
)

// sealScript checks for an existing record, assigns the commit timestamp
// from the stored high-water mark and writes the record and creator index
// entry in one atomic step.
//
// Returns {status, sealed_at_micros}: 0 = already sealed, 1 = replayed,
// 2 = committed.
var sealScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  local cur = redis.call('HMGET', KEYS[1], 'creator', 'attempt', 'sealed_at')
  if ARGV[4] ~= '' and cur[1] == ARGV[2] and cur[2] == ARGV[4] then
    return {1, cur[3]}
  end
  return {0, ''}
end
local ts = tonumber(ARGV[5])
local last = tonumber(redis.call('GET', KEYS[3]) or '0')
if ts < last then ts = last end
local stamp = string.format('%d', ts)
redis.call('SET', KEYS[3], stamp)
redis.call('HSET', KEYS[1], 'creator', ARGV[2], 'sealed_at', stamp, 'metadata', ARGV[3], 'attempt', ARGV[4])
redis.call('RPUSH', KEYS[2], ARGV[1])
return {2, stamp}
`)

// RedisLedger stores each record as a hash and each creator index as a list.
type RedisLedger struct {
	observers

	rdb    *redis.Client
	clock  Clock
	logger *zap.Logger
}

var _ Ledger = (*RedisLedger)(nil)

// NewRedisLedger creates a RedisLedger using rdb.
func NewRedisLedger(rdb *redis.Client, logger *zap.Logger, opts ...Option) *RedisLedger {
	o := buildOptions(append([]Option{WithLogger(logger)}, opts...))
	return &RedisLedger{rdb: rdb, clock: o.clock, logger: o.logger}
}

// Seal implements Ledger.
func (l *RedisLedger) Seal(ctx context.Context, req SealRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := l.clock.Now().UTC().Truncate(time.Microsecond)
	res, err := sealScript.Run(ctx, l.rdb,
		[]string{redisRecordPrefix + req.Key.String(), redisCreatorPrefix + req.Creator, redisClockKey},
		req.Key.String(), req.Creator, req.Metadata, req.AttemptID, now.UnixMicro(),
	).Slice()
	if err != nil {
		return nil, unavailable("run seal script", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("seal script: unexpected reply %v", res)
	}

	status, _ := res[0].(int64)
	if status == 0 {
		return nil, ErrAlreadySealed
	}
	stampStr, _ := res[1].(string)
	micros, err := strconv.ParseInt(stampStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("seal script: bad timestamp %q: %w", stampStr, err)
	}

	if status == 1 {
		rec, err := l.Lookup(ctx, req.Key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("replayed record %s vanished", req.Key)
		}
		return &Receipt{Record: rec, Replayed: true}, nil
	}

	rec := &Record{
		Key:       req.Key,
		Creator:   req.Creator,
		SealedAt:  time.UnixMicro(micros).UTC(),
		Metadata:  req.Metadata,
		AttemptID: req.AttemptID,
	}
	l.logger.Debug("fingerprint sealed",
		zap.String("key", rec.Key.String()),
		zap.String("creator", rec.Creator),
	)
	l.notify(ctx, rec)
	return &Receipt{Record: rec.clone()}, nil
}

// Lookup implements Reader.
func (l *RedisLedger) Lookup(ctx context.Context, key fingerprint.Key) (*Record, error) {
	fields, err := l.rdb.HGetAll(ctx, redisRecordPrefix+key.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable("lookup record", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	micros, err := strconv.ParseInt(fields["sealed_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt sealed_at for %s: %w", key, err)
	}
	rec := &Record{
		Key:       key,
		Creator:   fields["creator"],
		SealedAt:  time.UnixMicro(micros).UTC(),
		AttemptID: fields["attempt"],
	}
	if m := fields["metadata"]; m != "" {
		rec.Metadata = []byte(m)
	}
	return rec, nil
}

// RecordsFor implements Reader.
func (l *RedisLedger) RecordsFor(ctx context.Context, creator string) ([]fingerprint.Key, error) {
	raw, err := l.rdb.LRange(ctx, redisCreatorPrefix+creator, 0, -1).Result()
	if err != nil {
		return nil, unavailable("read creator index", err)
	}
	keys := make([]fingerprint.Key, 0, len(raw))
	for _, s := range raw {
		k, err := fingerprint.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("corrupt key in creator index: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

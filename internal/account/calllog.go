package account

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowCountScript is a sliding-window Lua script that only
// counts — it never rejects — since the call log's job is to answer
// count_in_window(account_id, window), not to gate requests itself (the
// pool applies the threshold).
//
// KEYS[1] = call-log key for one account
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = window size (nanoseconds)
// ARGV[3] = member to add (empty string = read-only count)
var slidingWindowCountScript = redis.NewScript(`
	local key    = KEYS[1]
	local now    = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local member = ARGV[3]

	redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

	if member ~= '' then
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
	end

	return redis.call('ZCARD', key)
`)

const callLogRetention = 7 * 24 * time.Hour

// CallLogRecorder implements C3: a sliding-window per-account request tally.
// It is called once per successful upstream completion, never per SSE event
// and never for failed requests (those bump the account's error_count
// instead — see Store.UpdateCounters).
type CallLogRecorder struct {
	store *Store
	rdb   *redis.Client
}

// NewCallLogRecorder builds a recorder. rdb may be nil, in which case every
// window count falls back to a COUNT query against the call_logs table.
func NewCallLogRecorder(store *Store, rdb *redis.Client) *CallLogRecorder {
	return &CallLogRecorder{store: store, rdb: rdb}
}

// Record appends one row with the current timestamp (§4.3).
func (r *CallLogRecorder) Record(ctx context.Context, accountID, model string) error {
	now := time.Now().UTC()

	if err := r.store.db.WithContext(ctx).Create(&CallLog{
		AccountID: accountID,
		Timestamp: now,
		Model:     model,
	}).Error; err != nil {
		return fmt.Errorf("calllog: record: %w", err)
	}

	if r.rdb != nil {
		member := fmt.Sprintf("%d-%d", now.UnixNano(), rand.Int63())
		slidingWindowCountScript.Run(ctx, r.rdb,
			[]string{redisKey(accountID)},
			now.UnixNano(), callLogRetention.Nanoseconds(), member,
		) // best-effort: a Redis error here doesn't fail the call, the DB row already landed.
	}

	return nil
}

// CountInWindow returns the number of rows with timestamp >= now-window.
func (r *CallLogRecorder) CountInWindow(ctx context.Context, accountID string, window time.Duration) (int, error) {
	if r.rdb != nil {
		n, err := slidingWindowCountScript.Run(ctx, r.rdb,
			[]string{redisKey(accountID)},
			time.Now().UnixNano(), window.Nanoseconds(), "",
		).Int()
		if err == nil {
			return n, nil
		}
		// Redis unavailable — fall through to the DB.
	}

	var count int64
	since := time.Now().UTC().Add(-window)
	err := r.store.db.WithContext(ctx).Model(&CallLog{}).
		Where("account_id = ? AND timestamp >= ?", accountID, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("calllog: count window: %w", err)
	}
	return int(count), nil
}

// Stats returns {1h, 24h, total} for an account.
type Stats struct {
	LastHour  int
	Last24h   int
	Total     int64
}

func (r *CallLogRecorder) Stats(ctx context.Context, accountID string) (Stats, error) {
	oneH, err := r.CountInWindow(ctx, accountID, time.Hour)
	if err != nil {
		return Stats{}, err
	}
	day, err := r.CountInWindow(ctx, accountID, 24*time.Hour)
	if err != nil {
		return Stats{}, err
	}
	var total int64
	if err := r.store.db.WithContext(ctx).Model(&CallLog{}).
		Where("account_id = ?", accountID).Count(&total).Error; err != nil {
		return Stats{}, fmt.Errorf("calllog: stats total: %w", err)
	}
	return Stats{LastHour: oneH, Last24h: day, Total: total}, nil
}

// Purge deletes rows older than 7 days, run out of band (§3).
func (r *CallLogRecorder) Purge(ctx context.Context) (int64, error) {
	res := r.store.db.WithContext(ctx).
		Where("timestamp < ?", time.Now().UTC().Add(-callLogRetention)).
		Delete(&CallLog{})
	return res.RowsAffected, res.Error
}

func redisKey(accountID string) string {
	return "calllog:" + accountID
}

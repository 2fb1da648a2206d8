package engagement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mutter0815/campaign-engine/internal/campaign"
)

const defaultTTL = 90 * 24 * time.Hour

// keepLatest stores a signal time only if it is newer than the one already held.
var keepLatest = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if (not cur) or tonumber(cur) < tonumber(ARGV[2]) then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Redis keeps one hash per (campaign, recipient): field = kind, value = unix millis of
// the latest signal. Inbox and booking integrations write it through Record.
type Redis struct {
	rc     *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(rc *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "engagement"
	}
	return &Redis{rc: rc, prefix: prefix, ttl: defaultTTL}
}

// Dial parses a redis:// URL the way the rest of the stack configures clients.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rc := redis.NewClient(opt)
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rc, nil
}

func (r *Redis) Key(campaignID int64, email string) string {
	return fmt.Sprintf("%s:%d:%s", r.prefix, campaignID, normalize(email))
}

func (r *Redis) Record(ctx context.Context, campaignID int64, email string, kind campaign.EngagementKind, at time.Time) error {
	err := keepLatest.Run(ctx, r.rc, []string{r.Key(campaignID, email)},
		string(kind), at.UnixMilli(), r.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("%w: record engagement: %w", campaign.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *Redis) HasEngaged(ctx context.Context, campaignID int64, email string, since time.Time) (bool, error) {
	vals, err := r.rc.HGetAll(ctx, r.Key(campaignID, email)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: read engagement: %w", campaign.ErrStoreUnavailable, err)
	}
	return engagedSince(vals, since), nil
}

func engagedSince(vals map[string]string, since time.Time) bool {
	for _, v := range vals {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		if ms >= since.UnixMilli() {
			return true
		}
	}
	return false
}

// Package analytics keeps per-schedule daily verdict counters in Redis.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/pixlewatch/internal/domain"
)

// DefaultRetention keeps a day bucket around for the longest stats window the API serves.
const DefaultRetention = 90 * 24 * time.Hour

type RedisSink struct {
	client    redis.Cmdable
	retention time.Duration
}

func NewRedisSink(client redis.Cmdable, retention time.Duration) *RedisSink {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSink{client: client, retention: retention}
}

// Record counts result in its schedule/verdict/day bucket. Errors are logged;
// analytics never affects a run.
func (s *RedisSink) Record(ctx context.Context, result domain.TestResult) {
	if err := s.Write(ctx, result); err != nil {
		log.Printf("analytics: schedule=%s verdict=%s: %v", result.ScheduleID, result.Verdict, err)
	}
}

func (s *RedisSink) Write(ctx context.Context, result domain.TestResult) error {
	key := buildKey(result.ScheduleID.String(), result.Verdict, result.TestedAt)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Counts returns the verdict counters of one schedule for the UTC day containing day.
func (s *RedisSink) Counts(ctx context.Context, scheduleID string, day time.Time) (map[domain.Verdict]int64, error) {
	verdicts := []domain.Verdict{domain.VerdictNull, domain.VerdictPass, domain.VerdictFail, domain.VerdictError}
	keys := make([]string, len(verdicts))
	for i, v := range verdicts {
		keys[i] = buildKey(scheduleID, v, day)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make(map[domain.Verdict]int64, len(verdicts))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var n int64
		if _, err := fmt.Sscan(str, &n); err == nil {
			out[verdicts[i]] = n
		}
	}
	return out, nil
}

func buildKey(scheduleID string, verdict domain.Verdict, t time.Time) string {
	return fmt.Sprintf("vr:s:%s:%s:%s", scheduleID, verdict, t.UTC().Format("20060102"))
}

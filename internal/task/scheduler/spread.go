package scheduler

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

// Spread returns a random delay in [0, min(every, limit)) so that many
// schedules registered at once do not fire together. The tag is mixed in so
// equal schedules still land apart.
func Spread(every, limit time.Duration, tag string) time.Duration {
	span := min(every, limit)
	if span <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	r := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), h.Sum64()))
	return time.Duration(r.Int64N(int64(span)))
}

// spreadSchedule fires first at first, then follows base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

package scheduler

import (
	"time"

	"extracthub/internal/model"
)

// ForecastBucket is one hour of the schedule forecast.
type ForecastBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// Forecast buckets the expected fires of every registered trigger over the
// next 24 hours, starting at the current hour.
func (s *Scheduler) Forecast(now time.Time) []ForecastBucket {
	start := now.Truncate(time.Hour)
	end := start.Add(24 * time.Hour)
	counts := make([]int, 24)

	s.mu.Lock()
	for _, j := range s.jobs {
		switch j.kind {
		case model.TriggerOneOff:
			if !j.oneOff.Before(start) && j.oneOff.Before(end) {
				counts[int(j.oneOff.Sub(start)/time.Hour)]++
			}
		default:
			entry := s.cron.Entry(j.entryID)
			if entry.Schedule == nil {
				continue
			}
			for t := entry.Schedule.Next(now); !t.IsZero() && t.Before(end); t = entry.Schedule.Next(t) {
				if t.Before(start) {
					continue
				}
				counts[int(t.Sub(start)/time.Hour)]++
			}
		}
	}
	s.mu.Unlock()

	out := make([]ForecastBucket, 24)
	for i := range counts {
		label := start.Add(time.Duration(i) * time.Hour).Format("2006-01-02 15:00")
		if i == 0 {
			label = "now"
		}
		out[i] = ForecastBucket{Hour: label, Count: counts[i]}
	}
	return out
}

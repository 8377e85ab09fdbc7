package orchestrator

import (
	"time"

	"github.com/surge-downloader/hotupdate/internal/engine/types"
	"github.com/surge-downloader/hotupdate/internal/utils"
)

// sampler turns byte counts into snapshots, at most one per distinct tick
type sampler struct {
	interval time.Duration
	clock    func() time.Time
	start    time.Time

	lastTick  int64
	lastBytes int64
	lastTime  time.Time
	peak      int64
	speed     float64
}

func newSampler(interval time.Duration, clock func() time.Time) *sampler {
	now := clock()
	return &sampler{
		interval: interval,
		clock:    clock,
		start:    now,
		lastTick: -1,
		lastTime: now,
	}
}

// sample returns a snapshot when the current tick differs from the last sampled one.
// force emits regardless of the tick (used for the final snapshot).
func (s *sampler) sample(done, total int64, force bool) (types.ProgressSnapshot, bool) {
	// Failed tasks drop out of the sum; reported progress never goes backwards
	if done < s.peak {
		done = s.peak
	}
	s.peak = done

	now := s.clock()
	tick := int64(now.Sub(s.start) / s.interval)
	if tick == s.lastTick && !force {
		return types.ProgressSnapshot{}, false
	}

	if dt := now.Sub(s.lastTime).Seconds(); dt > 0 {
		s.speed = float64(done-s.lastBytes) / dt
	}
	s.lastTick = tick
	s.lastBytes = done
	s.lastTime = now

	return types.ProgressSnapshot{
		BytesDone:  done,
		BytesTotal: total,
		SpeedBps:   s.speed,
		Speed:      utils.FormatSpeed(int64(s.speed)),
	}, true
}

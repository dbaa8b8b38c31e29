package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"subsync/store"
)

const (
	defaultSchedulerTick  = 20 * time.Second
	defaultUpdateInterval = 6 * time.Hour
)

// Scheduler periodically updates subscription groups with auto update
// enabled once their interval has elapsed.
type Scheduler struct {
	Updater *Updater
	Tick    time.Duration

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	lastAttempt map[int64]time.Time
	now         func() time.Time
}

func NewScheduler(updater *Updater, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = defaultSchedulerTick
	}
	return &Scheduler{
		Updater:     updater,
		Tick:        tick,
		lastAttempt: make(map[int64]time.Time),
		now:         time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.runTick(ctx)
		ticker := time.NewTicker(s.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runTick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	groups, err := s.Updater.Store.ListGroups(ctx)
	if err != nil {
		logrus.Warnf("[Subscription] scheduler list groups failed: %v", err)
		return
	}
	for _, id := range s.dueGroups(groups) {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Updater.Update(ctx, id, false); err != nil {
			logrus.Warnln("[Subscription] scheduled update failed:", id, err)
		}
	}
}

func (s *Scheduler) dueGroups(groups []*store.Group) []int64 {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastAttempt == nil {
		s.lastAttempt = make(map[int64]time.Time)
	}
	due := make([]int64, 0, len(groups))
	for _, group := range groups {
		sub := group.Subscription
		if group.Type != store.GroupSubscription || sub == nil || !sub.AutoUpdate {
			continue
		}
		if s.Updater.IsUpdating(group.ID) {
			continue
		}
		interval := time.Duration(sub.UpdateInterval) * time.Minute
		if interval <= 0 {
			interval = defaultUpdateInterval
		}
		last := time.Unix(sub.LastUpdated, 0)
		if attempt, ok := s.lastAttempt[group.ID]; ok && attempt.After(last) {
			last = attempt
		}
		if now.Sub(last) >= interval {
			s.lastAttempt[group.ID] = now
			due = append(due, group.ID)
		}
	}
	return due
}

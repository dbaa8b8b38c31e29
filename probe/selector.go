package probe

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"subsync/store"
)

const (
	selectAttempts = 2
	selectTimeout  = 2 * time.Second
)

var selectURLs = []string{
	"https://www.youtube.com/generate_204",
	"https://i.instagram.com/",
}

type Selection struct {
	// Skipped is set when another selection for the group was running.
	Skipped  bool
	BestID   int64
	BestName string
	// Scores holds the summed latency in ms of every entity that answered.
	Scores map[int64]int
}

// Selector picks the fastest endpoint of a group.
type Selector struct {
	Store    store.Store
	Prober   Prober
	Gate     *Gate
	URLs     []string
	Attempts int
	Timeout  time.Duration
}

func NewSelector(s store.Store, p Prober, gate *Gate) *Selector {
	if gate == nil {
		gate = NewGate()
	}
	return &Selector{
		Store:    s,
		Prober:   p,
		Gate:     gate,
		URLs:     selectURLs,
		Attempts: selectAttempts,
		Timeout:  selectTimeout,
	}
}

type scored struct {
	entity *store.Entity
	score  int
}

// SelectBest probes every non-aggregate entity of the group, stores the
// winner as the group's preferred endpoint and refreshes the latency of
// every entity that answered. Ties keep the entity met first.
func (s *Selector) SelectBest(ctx context.Context, groupID int64) (Selection, error) {
	release, ok := s.Gate.TryAcquire(fmt.Sprintf("select:%d", groupID))
	if !ok {
		logrus.Debugf("[Probe] selection for group %d already running", groupID)
		return Selection{Skipped: true}, nil
	}
	defer release()

	group, err := s.Store.GetGroup(ctx, groupID)
	if err != nil {
		return Selection{}, err
	}
	all, err := s.Store.ListByGroup(ctx, groupID)
	if err != nil {
		return Selection{}, err
	}
	profiles := make([]*store.Entity, 0, len(all))
	for _, e := range all {
		if e.Descriptor != nil && !e.Descriptor.IsAggregate() {
			profiles = append(profiles, e)
		}
	}
	selection := Selection{Scores: make(map[int64]int)}
	if len(profiles) == 0 {
		return selection, nil
	}

	var results []scored
	for _, profile := range profiles {
		if err := ctx.Err(); err != nil {
			return selection, err
		}
		score, ok := s.score(ctx, profile)
		if !ok {
			continue
		}
		results = append(results, scored{entity: profile, score: score})
		selection.Scores[profile.ID] = score
	}
	if len(results) == 0 {
		logrus.Infof("[Probe] group %d: no endpoint answered", groupID)
		return selection, nil
	}

	best := results[0]
	for _, r := range results[1:] {
		if r.score < best.score {
			best = r
		}
	}
	selection.BestID = best.entity.ID
	selection.BestName = best.entity.DisplayName()

	group.PreferredID = best.entity.ID
	if err := s.Store.UpdateGroup(ctx, group); err != nil {
		return selection, fmt.Errorf("store preferred endpoint: %w", err)
	}

	for _, r := range results {
		r.entity.Status = store.StatusAvailable
		r.entity.Ping = r.score
		r.entity.Error = ""
	}
	if group.Order == store.OrderOrigin {
		sorted := make([]scored, len(results))
		copy(sorted, results)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].score < sorted[j].score })
		seen := make(map[int64]struct{}, len(sorted))
		var order int64 = 1
		for _, r := range sorted {
			r.entity.Order = order
			order++
			seen[r.entity.ID] = struct{}{}
		}
		for _, profile := range profiles {
			if _, ok := seen[profile.ID]; ok {
				continue
			}
			profile.Order = order
			order++
		}
		if _, err := s.Store.UpdateEntities(ctx, profiles); err != nil {
			return selection, fmt.Errorf("update entities: %w", err)
		}
	} else {
		updated := make([]*store.Entity, 0, len(results))
		for _, r := range results {
			updated = append(updated, r.entity)
		}
		if _, err := s.Store.UpdateEntities(ctx, updated); err != nil {
			return selection, fmt.Errorf("update entities: %w", err)
		}
	}
	logrus.Infof("[Probe] group %d: selected %s (%dms)", groupID, selection.BestName, best.score)
	return selection, nil
}

// score runs the configured attempts and keeps the lowest summed latency.
func (s *Selector) score(ctx context.Context, e *store.Entity) (int, bool) {
	best, found := 0, false
	for i := 0; i < s.Attempts; i++ {
		results, err := probeAll(ctx, s.Prober, e.Descriptor, s.URLs, s.Timeout)
		if err != nil {
			logrus.Debugf("[Probe] %s attempt %d failed: %v", e.DisplayName(), i+1, err)
			continue
		}
		total := 0
		for _, elapsed := range results {
			total += millis(elapsed)
		}
		if !found || total < best {
			best, found = total, true
		}
	}
	return best, found
}

// Package reconcile merges a freshly parsed descriptor set into the stored
// entities of a group.
package reconcile

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"subsync/descriptor"
	"subsync/store"
	"subsync/util"
)

// Insert is a descriptor that has no stored counterpart yet.
type Insert struct {
	Name       string
	Order      int64
	Descriptor *descriptor.Descriptor
}

// Changes is the outcome of Plan. Entities in Updated and Reordered already
// carry their new content and order.
type Changes struct {
	Added     []Insert
	Updated   []*store.Entity
	Reordered []*store.Entity
	Unchanged []*store.Entity
	Deleted   []*store.Entity

	// UpdatedNames maps the stored name to the incoming one.
	UpdatedNames map[string]string
	// Expected is the size of the group once the changes are applied.
	Expected int
}

// Changed counts deletions, insertions and content updates. Pure reorders
// are not counted.
func (c *Changes) Changed() int {
	return len(c.Deleted) + len(c.Added) + len(c.Updated)
}

type Summary struct {
	Changed    int               `json:"changed"`
	Added      []string          `json:"added,omitempty"`
	Updated    map[string]string `json:"updated,omitempty"`
	Deleted    []string          `json:"deleted,omitempty"`
	Duplicates []string          `json:"duplicates,omitempty"`
	Reordered  int               `json:"reordered"`
	Unchanged  int               `json:"unchanged"`
}

// Plan diffs incoming against existing, keyed by display name. Aggregate
// descriptors are pinned to order 0 and do not consume a position; all
// others get 1, 2, ... in input order. Incoming names are expected to be
// unique already; a later duplicate name replaces the earlier one.
func Plan(existing []*store.Entity, incoming []*descriptor.Descriptor) *Changes {
	byName := util.NewOrderedMap[string, *descriptor.Descriptor]()
	for _, d := range incoming {
		if d == nil {
			continue
		}
		byName.Set(d.DisplayName(), d)
	}

	changes := &Changes{
		UpdatedNames: make(map[string]string),
		Expected:     byName.Len(),
	}
	replace := make(map[string]*store.Entity, len(existing))
	for _, e := range existing {
		name := e.DisplayName()
		if !byName.Has(name) {
			changes.Deleted = append(changes.Deleted, e)
			continue
		}
		if _, taken := replace[name]; taken {
			// two stored entities share a name; keep the first
			changes.Deleted = append(changes.Deleted, e)
			continue
		}
		replace[name] = e
	}

	var userOrder int64 = 1
	byName.Range(func(name string, d *descriptor.Descriptor) bool {
		desired := userOrder
		if d.IsAggregate() {
			desired = 0
		} else {
			userOrder++
		}

		entity, ok := replace[name]
		if !ok {
			changes.Added = append(changes.Added, Insert{Name: name, Order: desired, Descriptor: d.Clone()})
			return true
		}
		switch {
		case !entity.Descriptor.Equal(d):
			changes.UpdatedNames[entity.DisplayName()] = name
			entity.Descriptor = d.Clone()
			entity.Order = desired
			changes.Updated = append(changes.Updated, entity)
		case entity.Order != desired:
			entity.Order = desired
			changes.Reordered = append(changes.Reordered, entity)
		default:
			changes.Unchanged = append(changes.Unchanged, entity)
		}
		return true
	})
	return changes
}

// Engine applies planned changes to a store.
type Engine struct {
	Store store.Store
}

func NewEngine(s store.Store) *Engine {
	return &Engine{Store: s}
}

// Apply commits changes for groupID: inserts first, then one batch update
// and one batch delete. A stored count that disagrees with the plan is
// logged and otherwise ignored.
func (e *Engine) Apply(ctx context.Context, groupID int64, changes *Changes) (Summary, error) {
	summary := Summary{
		Changed:   changes.Changed(),
		Updated:   changes.UpdatedNames,
		Reordered: len(changes.Reordered),
		Unchanged: len(changes.Unchanged),
	}

	for _, insert := range changes.Added {
		entity := &store.Entity{
			GroupID:    groupID,
			Order:      insert.Order,
			Descriptor: insert.Descriptor,
		}
		if _, err := e.Store.AddEntity(ctx, entity); err != nil {
			return summary, fmt.Errorf("insert %q: %w", insert.Name, err)
		}
		summary.Added = append(summary.Added, insert.Name)
		logrus.Debugf("[Reconcile] inserted %s", insert.Name)
	}

	toUpdate := make([]*store.Entity, 0, len(changes.Updated)+len(changes.Reordered))
	toUpdate = append(toUpdate, changes.Updated...)
	toUpdate = append(toUpdate, changes.Reordered...)
	if n, err := e.Store.UpdateEntities(ctx, toUpdate); err != nil {
		return summary, fmt.Errorf("update entities: %w", err)
	} else if n > 0 {
		logrus.Debugf("[Reconcile] updated %d entities (%d reordered)", n, len(changes.Reordered))
	}

	if n, err := e.Store.DeleteEntities(ctx, changes.Deleted); err != nil {
		return summary, fmt.Errorf("delete entities: %w", err)
	} else if n > 0 {
		logrus.Debugf("[Reconcile] deleted %d entities", n)
	}
	for _, entity := range changes.Deleted {
		summary.Deleted = append(summary.Deleted, entity.DisplayName())
	}
	for _, entity := range changes.Unchanged {
		logrus.Tracef("[Reconcile] ignored %s", entity.DisplayName())
	}

	count, err := e.Store.CountByGroup(ctx, groupID)
	if err != nil {
		logrus.Warnf("[Reconcile] count group %d failed: %v", groupID, err)
	} else if count != changes.Expected {
		logrus.Warnf("[Reconcile] group %d holds %d entities, expected %d", groupID, count, changes.Expected)
	}
	return summary, nil
}

// Run loads the stored entities of groupID, plans against incoming and
// applies the result.
func (e *Engine) Run(ctx context.Context, groupID int64, incoming []*descriptor.Descriptor) (Summary, error) {
	existing, err := e.Store.ListByGroup(ctx, groupID)
	if err != nil {
		return Summary{}, fmt.Errorf("list group %d: %w", groupID, err)
	}
	changes := Plan(existing, incoming)
	logrus.Debugf("[Reconcile] group %d: %d new, %d to replace, %d to delete",
		groupID, len(changes.Added), len(existing)-len(changes.Deleted), len(changes.Deleted))
	return e.Apply(ctx, groupID, changes)
}

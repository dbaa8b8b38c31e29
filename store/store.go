// Package store persists groups and the endpoints they own.
package store

import (
	"context"
	"errors"
	"strings"

	"subsync/descriptor"
)

var ErrNotFound = errors.New("not found")

type GroupType string

const (
	GroupBasic        GroupType = "basic"
	GroupSubscription GroupType = "subscription"
)

// GroupOrder decides how a group's entities are presented.
type GroupOrder string

const (
	OrderOrigin  GroupOrder = "origin"
	OrderByName  GroupOrder = "by_name"
	OrderByDelay GroupOrder = "by_delay"
)

// Entity status values as reported by probes.
const (
	StatusUntested    = 0
	StatusAvailable   = 1
	StatusUnreachable = 2
	StatusError       = 3
)

type Subscription struct {
	Link           string            `json:"link"`
	UserAgent      string            `json:"user_agent,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	ForceResolve   bool              `json:"force_resolve,omitempty"`
	Deduplicate    bool              `json:"deduplicate,omitempty"`
	AutoUpdate     bool              `json:"auto_update,omitempty"`
	UpdateInterval int               `json:"update_interval_min,omitempty"`
	LastUpdated    int64             `json:"last_updated,omitempty"`
	UserInfo       string            `json:"user_info,omitempty"`
}

type Group struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	Type         GroupType     `json:"type"`
	Order        GroupOrder    `json:"order"`
	PreferredID  int64         `json:"preferred_id,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	out := *g
	if g.Subscription != nil {
		sub := *g.Subscription
		if g.Subscription.Headers != nil {
			sub.Headers = make(map[string]string, len(g.Subscription.Headers))
			for k, v := range g.Subscription.Headers {
				sub.Headers[k] = v
			}
		}
		out.Subscription = &sub
	}
	return &out
}

// Entity is one stored endpoint of a group.
type Entity struct {
	ID         int64                  `json:"id"`
	GroupID    int64                  `json:"group_id"`
	Order      int64                  `json:"order"`
	Descriptor *descriptor.Descriptor `json:"descriptor"`
	Status     int                    `json:"status"`
	Ping       int                    `json:"ping"`
	Error      string                 `json:"error,omitempty"`
}

func (e *Entity) DisplayName() string {
	if e.Descriptor == nil {
		return ""
	}
	return e.Descriptor.DisplayName()
}

func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Descriptor = e.Descriptor.Clone()
	return &out
}

// Store is the persistence contract used by the update and probe engines.
// ListByGroup returns entities ordered by Order, then ID.
type Store interface {
	CreateGroup(ctx context.Context, g *Group) (int64, error)
	GetGroup(ctx context.Context, id int64) (*Group, error)
	ListGroups(ctx context.Context) ([]*Group, error)
	UpdateGroup(ctx context.Context, g *Group) error
	DeleteGroup(ctx context.Context, id int64) error

	ListByGroup(ctx context.Context, groupID int64) ([]*Entity, error)
	CountByGroup(ctx context.Context, groupID int64) (int, error)
	AddEntity(ctx context.Context, e *Entity) (int64, error)
	UpdateEntities(ctx context.Context, list []*Entity) (int, error)
	DeleteEntities(ctx context.Context, list []*Entity) (int, error)
	NextOrder(ctx context.Context, groupID int64) (int64, error)
}

func normalizeGroup(g *Group) {
	g.Name = strings.TrimSpace(g.Name)
	if g.Type == "" {
		g.Type = GroupBasic
		if g.Subscription != nil {
			g.Type = GroupSubscription
		}
	}
	if g.Order == "" {
		g.Order = OrderOrigin
	}
	if g.Subscription != nil {
		g.Subscription.Link = strings.TrimSpace(g.Subscription.Link)
	}
}

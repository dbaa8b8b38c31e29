package subscription

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"subsync/reconcile"
	"subsync/store"
)

// NotificationSink receives the outcome of every update.
type NotificationSink interface {
	OnUpdateSuccess(group *store.Group, summary reconcile.Summary, byUser bool)
	OnUpdateFailure(group *store.Group, message string)
}

// LogSink reports updates through logrus.
type LogSink struct{}

func (LogSink) OnUpdateSuccess(group *store.Group, summary reconcile.Summary, byUser bool) {
	fields := logrus.Fields{
		"group":   group.Name,
		"changed": summary.Changed,
		"by_user": byUser,
	}
	if summary.Changed == 0 {
		logrus.WithFields(fields).Infof("[Subscription] %s is up to date", group.Name)
		return
	}
	logrus.WithFields(fields).Infof("[Subscription] %s updated: %d added, %d updated, %d deleted, %d duplicates",
		group.Name, len(summary.Added), len(summary.Updated), len(summary.Deleted), len(summary.Duplicates))
	if len(summary.Added) > 0 {
		logrus.Debugf("[Subscription] added: %s", strings.Join(summary.Added, ", "))
	}
	if len(summary.Updated) > 0 {
		pairs := make([]string, 0, len(summary.Updated))
		for from, to := range summary.Updated {
			if from == to {
				pairs = append(pairs, from)
			} else {
				pairs = append(pairs, from+" => "+to)
			}
		}
		sort.Strings(pairs)
		logrus.Debugf("[Subscription] updated: %s", strings.Join(pairs, ", "))
	}
	if len(summary.Deleted) > 0 {
		logrus.Debugf("[Subscription] deleted: %s", strings.Join(summary.Deleted, ", "))
	}
	if len(summary.Duplicates) > 0 {
		logrus.Debugf("[Subscription] duplicates: %s", strings.Join(summary.Duplicates, ", "))
	}
}

func (LogSink) OnUpdateFailure(group *store.Group, message string) {
	logrus.WithField("group", group.Name).Errorf("[Subscription] update %s failed: %s", group.Name, message)
}

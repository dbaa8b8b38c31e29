// Package subscription fetches subscription feeds and merges them into
// their groups.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"subsync/dedup"
	"subsync/descriptor"
	"subsync/parser"
	"subsync/reconcile"
	"subsync/singbox"
	"subsync/store"
	"subsync/util"
)

var (
	ErrNoProxies = errors.New("no proxies found")
	ErrUpdating  = errors.New("subscription is updating")
)

const defaultGroupNamePrefix = "Subscription #"

type Updater struct {
	Store   store.Store
	Fetcher Fetcher
	Engine  *reconcile.Engine
	Sink    NotificationSink

	lookupIPAddr func(ctx context.Context, host string) ([]net.IPAddr, error)
	now          func() time.Time

	mu       sync.Mutex
	updating map[int64]struct{}
}

func NewUpdater(s store.Store, fetcher Fetcher, sink NotificationSink) *Updater {
	if sink == nil {
		sink = LogSink{}
	}
	return &Updater{
		Store:        s,
		Fetcher:      fetcher,
		Engine:       reconcile.NewEngine(s),
		Sink:         sink,
		lookupIPAddr: net.DefaultResolver.LookupIPAddr,
		now:          time.Now,
		updating:     make(map[int64]struct{}),
	}
}

func (u *Updater) begin(groupID int64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.updating == nil {
		u.updating = make(map[int64]struct{})
	}
	if _, ok := u.updating[groupID]; ok {
		return false
	}
	u.updating[groupID] = struct{}{}
	return true
}

func (u *Updater) finish(groupID int64) {
	u.mu.Lock()
	delete(u.updating, groupID)
	u.mu.Unlock()
}

// IsUpdating reports whether an update of groupID is in flight.
func (u *Updater) IsUpdating(groupID int64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.updating[groupID]
	return ok
}

// Update refreshes one subscription group. Failures are reported to the
// sink as well as returned.
func (u *Updater) Update(ctx context.Context, groupID int64, byUser bool) (reconcile.Summary, error) {
	group, err := u.Store.GetGroup(ctx, groupID)
	if err != nil {
		return reconcile.Summary{}, err
	}
	if group.Subscription == nil || strings.TrimSpace(group.Subscription.Link) == "" {
		return reconcile.Summary{}, fmt.Errorf("group %d has no subscription", groupID)
	}
	if !u.begin(groupID) {
		return reconcile.Summary{}, ErrUpdating
	}
	defer u.finish(groupID)

	logrus.Infof("[Subscription] updating %s", group.Name)
	summary, err := u.doUpdate(ctx, group, byUser)
	if err != nil {
		u.Sink.OnUpdateFailure(group, err.Error())
		return summary, err
	}
	return summary, nil
}

func (u *Updater) userAgent(sub *store.Subscription) string {
	if ua := strings.TrimSpace(sub.UserAgent); ua != "" {
		return ua
	}
	return util.UserAgent()
}

func (u *Updater) doUpdate(ctx context.Context, group *store.Group, byUser bool) (reconcile.Summary, error) {
	sub := group.Subscription
	resp, err := u.Fetcher.Fetch(ctx, Request{
		URL:       sub.Link,
		UserAgent: u.userAgent(sub),
		Headers:   sub.Headers,
	})
	if err != nil {
		return reconcile.Summary{}, fmt.Errorf("fetch subscription: %w", err)
	}
	rawText := string(resp.Body)

	var (
		proxies         []*descriptor.Descriptor
		aggregateConfig string
	)
	if links := extractSubscriptionLinks(rawText); len(links) > 0 {
		logrus.Debugf("[Subscription] %s is a meta subscription with %d sources", group.Name, len(links))
		rawTexts := make([]string, 0, len(links))
		for _, link := range links {
			subResp, err := u.Fetcher.Fetch(ctx, Request{URL: link, UserAgent: u.userAgent(sub), Headers: sub.Headers})
			if err != nil {
				logrus.Warnf("[Subscription] skip source %s: %v", link, err)
				continue
			}
			subText := string(subResp.Body)
			if strings.TrimSpace(subText) == "" {
				continue
			}
			rawTexts = append(rawTexts, subText)
			list, err := parser.ParseRaw(subText, "")
			if err != nil {
				logrus.Debugf("[Subscription] source %s: %v", link, err)
				continue
			}
			proxies = append(proxies, list...)
		}
		if len(proxies) == 0 {
			return reconcile.Summary{}, ErrNoProxies
		}
		aggregateConfig = singbox.Sanitize(singbox.BuildAggregate(rawTexts))
	} else {
		proxies, err = parser.ParseRaw(rawText, "")
		if err != nil && !errors.Is(err, parser.ErrNoMatch) {
			return reconcile.Summary{}, fmt.Errorf("parse subscription: %w", err)
		}
		if len(proxies) == 0 {
			return reconcile.Summary{}, ErrNoProxies
		}
		aggregateConfig = singbox.Sanitize(singbox.ConvertToConfig(rawText))
	}

	sub.UserInfo = strings.TrimSpace(resp.Header.Get("Subscription-Userinfo"))
	if strings.HasPrefix(group.Name, defaultGroupNamePrefix) {
		if remoteName := decodeFilename(resp.Header.Get("Content-Disposition")); remoteName != "" {
			logrus.Infof("[Subscription] rename %s to %s", group.Name, remoteName)
			group.Name = remoteName
		}
	}

	if aggregateConfig == "" {
		aggregateConfig = singbox.Sanitize(singbox.ConvertToConfig(rawText))
	}
	hasAggregate := lo.ContainsBy(proxies, func(d *descriptor.Descriptor) bool { return d.IsAggregate() })
	if !hasAggregate && aggregateConfig != "" {
		aggregate := &descriptor.Descriptor{
			Kind:   descriptor.KindConfig,
			Name:   descriptor.AggregateAutoName,
			Config: descriptor.Config{Aggregate: true, Raw: aggregateConfig},
		}
		proxies = append([]*descriptor.Descriptor{aggregate}, proxies...)
	}

	proxies = dedup.ResolveNames(proxies)
	if sub.ForceResolve {
		u.forceResolve(ctx, proxies)
	}
	var duplicates []string
	if sub.Deduplicate {
		before := len(proxies)
		proxies, duplicates = dedup.Deduplicate(proxies)
		logrus.Debugf("[Subscription] deduplicated %d -> %d", before, len(proxies))
	}

	summary, err := u.Engine.Run(ctx, group.ID, proxies)
	if err != nil {
		return summary, err
	}
	summary.Duplicates = duplicates

	sub.LastUpdated = u.now().Unix()
	if err := u.Store.UpdateGroup(ctx, group); err != nil {
		return summary, fmt.Errorf("save group: %w", err)
	}
	u.Sink.OnUpdateSuccess(group, summary, byUser)
	return summary, nil
}

// forceResolve pins every hostname endpoint to its first address. The
// hostname is kept as TLS server name and transport host so the
// handshake still matches.
func (u *Updater) forceResolve(ctx context.Context, list []*descriptor.Descriptor) {
	cache := make(map[string]string)
	for _, d := range list {
		if d.Kind == descriptor.KindConfig {
			continue
		}
		host := strings.TrimSpace(d.Server)
		if host == "" || descriptor.IsIP(host) {
			continue
		}
		ip, ok := cache[host]
		if !ok {
			addrs, err := u.lookupIPAddr(ctx, host)
			if err != nil || len(addrs) == 0 {
				logrus.Debugf("[Subscription] resolve %s failed: %v", host, err)
				cache[host] = ""
				continue
			}
			ip = addrs[0].IP.String()
			cache[host] = ip
		}
		if ip == "" {
			continue
		}
		if d.TLS.Enabled && d.TLS.ServerName == "" {
			d.TLS.ServerName = host
		}
		if (d.Transport.Type == "ws" || d.Transport.Type == "http" || d.Transport.Type == "httpupgrade") && d.Transport.Host == "" {
			d.Transport.Host = host
		}
		d.Server = ip
	}
}

// extractSubscriptionLinks returns the lines of a meta subscription, a
// body listing further subscription URLs.
func extractSubscriptionLinks(rawText string) []string {
	var links []string
	for _, line := range strings.Split(rawText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			links = append(links, line)
		}
	}
	return lo.Uniq(links)
}

// decodeFilename extracts the file name suggested by a Content-Disposition
// header, RFC 5987 encoded names included.
func decodeFilename(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(params["filename"])
}

// ImportProfiles parses local content and appends the result to groupID.
func (u *Updater) ImportProfiles(ctx context.Context, text, fileName string, groupID int64) ([]string, error) {
	proxies, err := parser.ParseRaw(text, fileName)
	if err != nil && !errors.Is(err, parser.ErrNoMatch) {
		return nil, err
	}
	if len(proxies) == 0 {
		return nil, ErrNoProxies
	}
	existing, err := u.Store.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(proxies))
	taken := lo.SliceToMap(existing, func(e *store.Entity) (string, struct{}) {
		return e.DisplayName(), struct{}{}
	})
	for _, d := range dedup.ResolveNames(proxies) {
		name := d.DisplayName()
		for i := 1; ; i++ {
			if _, ok := taken[name]; !ok {
				break
			}
			name = fmt.Sprintf("%s (%d)", d.DisplayName(), i)
		}
		d.Name = name
		taken[name] = struct{}{}
		order, err := u.Store.NextOrder(ctx, groupID)
		if err != nil {
			return names, err
		}
		if d.IsAggregate() {
			order = 0
		}
		if _, err := u.Store.AddEntity(ctx, &store.Entity{GroupID: groupID, Order: order, Descriptor: d}); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	logrus.Infof("[Subscription] imported %d profiles into group %d", len(names), groupID)
	return names, nil
}

package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"subsync/geo"
	"subsync/store"
)

const (
	geoTagTimeout = 5 * time.Second
	geoTagScope   = "geotag"
)

var geoTagURLs = []string{
	"https://www.instagram.com/",
	"https://www.youtube.com/",
}

// Locator turns a host into geographic information.
type Locator interface {
	Resolve(ctx context.Context, host string) (geo.Info, error)
}

type TagReport struct {
	Skipped bool
	Renamed []string
	Deleted []string
}

// GeoTagger renames every reachable endpoint of a group after its location
// and latency and removes the unreachable ones. Only one run may be active
// at a time across all groups.
type GeoTagger struct {
	Store   store.Store
	Prober  Prober
	Locator Locator
	Gate    *Gate
	URLs    []string
	Timeout time.Duration
}

func NewGeoTagger(s store.Store, p Prober, locator Locator, gate *Gate) *GeoTagger {
	if gate == nil {
		gate = NewGate()
	}
	return &GeoTagger{
		Store:   s,
		Prober:  p,
		Locator: locator,
		Gate:    gate,
		URLs:    geoTagURLs,
		Timeout: geoTagTimeout,
	}
}

func (g *GeoTagger) RunForGroup(ctx context.Context, groupID int64) (TagReport, error) {
	release, ok := g.Gate.TryAcquire(geoTagScope)
	if !ok {
		logrus.Debugf("[Probe] geo tagging already running, skip group %d", groupID)
		return TagReport{Skipped: true}, nil
	}
	defer release()

	profiles, err := g.Store.ListByGroup(ctx, groupID)
	if err != nil {
		return TagReport{}, err
	}
	var (
		report   TagReport
		toUpdate []*store.Entity
		toDelete []*store.Entity
	)
	for _, profile := range profiles {
		if profile.Descriptor == nil || profile.Descriptor.IsAggregate() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		results, err := probeAll(ctx, g.Prober, profile.Descriptor, g.URLs, g.Timeout)
		if err != nil {
			logrus.Debugf("[Probe] %s unreachable: %v", profile.DisplayName(), err)
			toDelete = append(toDelete, profile)
			continue
		}
		var latency time.Duration
		for _, elapsed := range results {
			if elapsed > latency {
				latency = elapsed
			}
		}

		var info geo.Info
		if host := resolveServerHost(profile); host != "" && g.Locator != nil {
			located, err := g.Locator.Resolve(ctx, host)
			if err != nil {
				logrus.Debugf("[Geo] locate %s failed: %v", host, err)
			} else {
				info = located
			}
		}
		profile.Descriptor.Name = TagName(info, millis(latency))
		profile.Status = store.StatusAvailable
		profile.Ping = millis(latency)
		profile.Error = ""
		toUpdate = append(toUpdate, profile)
		report.Renamed = append(report.Renamed, profile.Descriptor.Name)
	}

	if len(toUpdate) > 0 {
		if _, err := g.Store.UpdateEntities(ctx, toUpdate); err != nil {
			return report, fmt.Errorf("update entities: %w", err)
		}
	}
	if len(toDelete) > 0 {
		if _, err := g.Store.DeleteEntities(ctx, toDelete); err != nil {
			return report, fmt.Errorf("delete entities: %w", err)
		}
		for _, profile := range toDelete {
			report.Deleted = append(report.Deleted, profile.DisplayName())
		}
	}
	logrus.Infof("[Probe] group %d: tagged %d, removed %d", groupID, len(report.Renamed), len(report.Deleted))
	return report, nil
}

// resolveServerHost prefers the descriptor's own server and falls back to
// the server field of an opaque configuration.
func resolveServerHost(e *store.Entity) string {
	d := e.Descriptor
	if host := strings.TrimSpace(d.Server); host != "" && host != "127.0.0.1" {
		return host
	}
	return d.ConfigHost()
}

// TagName formats "<flag> <country> - <city> - <latency>ms".
func TagName(info geo.Info, latencyMS int) string {
	country := strings.TrimSpace(info.Country)
	if country == "" {
		country = "Unknown Country"
	}
	city := strings.TrimSpace(info.City)
	if city == "" {
		city = "Unknown City"
	}
	return fmt.Sprintf("%s %s - %s - %dms", FlagFromCountryCode(info.CountryCode), country, city, latencyMS)
}

// FlagFromCountryCode maps a two letter ISO code to its regional indicator
// pair. Anything else yields "??".
func FlagFromCountryCode(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) != 2 {
		return "??"
	}
	var b strings.Builder
	for i := 0; i < 2; i++ {
		ch := c[i]
		if ch < 'A' || ch > 'Z' {
			return "??"
		}
		b.WriteRune(rune(0x1F1E6 + int(ch-'A')))
	}
	return b.String()
}

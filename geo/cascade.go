package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Cascade asks its providers in order until one returns a usable answer.
// Answers are cached per IP and concurrent lookups of one IP share a call.
type Cascade struct {
	providers []Provider

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]Info
}

func NewCascade(providers ...Provider) *Cascade {
	return &Cascade{providers: providers, cache: make(map[string]Info)}
}

// Close releases the providers that hold resources, such as an open MMDB.
func (c *Cascade) Close() error {
	var errs []error
	for _, p := range c.providers {
		if closer, ok := p.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", p.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// NewDefaultCascade builds the public provider chain: ip-api, ipapi.co,
// ipinfo, then the offline database when mmdbPath is set.
func NewDefaultCascade(timeout time.Duration, mmdbPath string) (*Cascade, error) {
	providers := []Provider{
		NewIPAPI("", timeout),
		NewIPAPICo("", timeout),
		NewIPInfo("", timeout),
	}
	if mmdbPath != "" {
		db, err := OpenMMDB(mmdbPath)
		if err != nil {
			return nil, err
		}
		providers = append(providers, db)
	}
	return NewCascade(providers...), nil
}

func (c *Cascade) Lookup(ctx context.Context, ip string) (Info, error) {
	c.mu.Lock()
	info, ok := c.cache[ip]
	c.mu.Unlock()
	if ok {
		return info, nil
	}
	v, err, _ := c.group.Do(ip, func() (any, error) {
		for _, provider := range c.providers {
			info, err := provider.Lookup(ctx, ip)
			if err != nil {
				logrus.Debugf("[Geo] %s lookup %s failed: %v", provider.Name(), ip, err)
				continue
			}
			if !info.Usable() {
				logrus.Debugf("[Geo] %s returned no country for %s", provider.Name(), ip)
				continue
			}
			c.mu.Lock()
			c.cache[ip] = info
			c.mu.Unlock()
			return info, nil
		}
		return Info{}, fmt.Errorf("no provider located %s", ip)
	})
	if err != nil {
		return Info{}, err
	}
	return v.(Info), nil
}

// Resolve maps host to an IP and looks it up.
func (c *Cascade) Resolve(ctx context.Context, host string) (Info, error) {
	ip, err := ResolveIP(ctx, host)
	if err != nil {
		return Info{}, err
	}
	return c.Lookup(ctx, ip)
}

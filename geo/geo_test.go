package geo

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestResolveIPLiteral(t *testing.T) {
	for _, host := range []string{"1.2.3.4", "[2001:db8::1]", "2001:db8::1"} {
		ip, err := ResolveIP(context.Background(), host)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", host, err)
		}
		if strings.Contains(ip, "[") || net.ParseIP(ip) == nil {
			t.Fatalf("unexpected ip for %s: %s", host, ip)
		}
	}
}

func TestResolveIPUsesDNS(t *testing.T) {
	old := lookupIPAddr
	defer func() { lookupIPAddr = old }()
	lookupIPAddr = func(_ context.Context, host string) ([]net.IPAddr, error) {
		if host != "example.com" {
			return nil, errors.New("unexpected host")
		}
		return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
	}
	ip, err := ResolveIP(context.Background(), "example.com")
	if err != nil || ip != "93.184.216.34" {
		t.Fatalf("unexpected resolve result: %s %v", ip, err)
	}
	if _, err := ResolveIP(context.Background(), " "); err == nil {
		t.Fatalf("expected error for blank host")
	}
}

func TestIPAPIFallsBackToRegion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/1.2.3.4" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"success","country":"Germany","countryCode":"DE","city":"","regionName":"Hesse"}`))
	}))
	defer srv.Close()
	info, err := NewIPAPI(srv.URL, time.Second).Lookup(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if info.Country != "Germany" || info.CountryCode != "DE" || info.City != "Hesse" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestIPAPIRejectsFailStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"fail","message":"private range"}`))
	}))
	defer srv.Close()
	if _, err := NewIPAPI(srv.URL, time.Second).Lookup(context.Background(), "10.0.0.1"); err == nil {
		t.Fatalf("expected error for fail status")
	}
}

func TestIPInfoDerivesCountryName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"country":"JP","city":"Tokyo"}`))
	}))
	defer srv.Close()
	info, err := NewIPInfo(srv.URL, time.Second).Lookup(context.Background(), "1.1.1.1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if info.Country != "Japan" || info.CountryCode != "JP" || info.City != "Tokyo" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

type fakeProvider struct {
	name  string
	info  Info
	err   error
	calls atomic.Int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Lookup(context.Context, string) (Info, error) {
	f.calls.Add(1)
	return f.info, f.err
}

func TestCascadeFallsThrough(t *testing.T) {
	failing := &fakeProvider{name: "a", err: errors.New("down")}
	blank := &fakeProvider{name: "b", info: Info{CountryCode: "US"}}
	good := &fakeProvider{name: "c", info: Info{Country: "France", CountryCode: "FR", City: "Paris"}}
	never := &fakeProvider{name: "d", info: Info{Country: "X", CountryCode: "XX"}}
	c := NewCascade(failing, blank, good, never)

	info, err := c.Lookup(context.Background(), "5.6.7.8")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if info.CountryCode != "FR" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if never.calls.Load() != 0 {
		t.Fatalf("provider after a usable answer was queried")
	}
	if _, err := c.Lookup(context.Background(), "5.6.7.8"); err != nil {
		t.Fatalf("cached lookup failed: %v", err)
	}
	if good.calls.Load() != 1 {
		t.Fatalf("unexpected provider calls: %d", good.calls.Load())
	}
}

func TestCascadeAllFail(t *testing.T) {
	c := NewCascade(&fakeProvider{name: "a", err: errors.New("down")})
	if _, err := c.Lookup(context.Background(), "5.6.7.8"); err == nil {
		t.Fatalf("expected error when no provider answers")
	}
}

type closingProvider struct {
	fakeProvider
	closed int
}

func (c *closingProvider) Close() error {
	c.closed++
	return nil
}

func TestCascadeCloseReleasesProviders(t *testing.T) {
	db := &closingProvider{fakeProvider: fakeProvider{name: "mmdb"}}
	c := NewCascade(&fakeProvider{name: "http"}, db)
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if db.closed != 1 {
		t.Fatalf("unexpected close count: %d", db.closed)
	}
}

func TestCountryName(t *testing.T) {
	if got := CountryName("DE"); got != "Germany" {
		t.Fatalf("unexpected country name: %s", got)
	}
	if got := CountryName("1"); got != "1" {
		t.Fatalf("unexpected fallback: %s", got)
	}
}

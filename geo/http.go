package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

// HTTPProvider queries one public geolocation service.
type HTTPProvider struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	build   func(base, ip string) string
	decode  func(body []byte) (Info, error)
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Lookup(ctx context.Context, ip string) (Info, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return Info{}, fmt.Errorf("%s rate limiter: %w", p.name, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.build(p.baseURL, ip), nil)
	if err != nil {
		return Info{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("%s request: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("%s unexpected status: %s", p.name, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Info{}, fmt.Errorf("%s read body: %w", p.name, err)
	}
	return p.decode(body)
}

func newHTTPProvider(name, base string, timeout time.Duration, every time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		name:    name,
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

// NewIPAPI queries ip-api.com. An empty base uses the public endpoint.
func NewIPAPI(base string, timeout time.Duration) *HTTPProvider {
	if base == "" {
		base = "http://ip-api.com"
	}
	// free tier allows 45 requests per minute
	p := newHTTPProvider("ip-api", base, timeout, 1400*time.Millisecond)
	p.build = func(base, ip string) string {
		return base + "/json/" + url.PathEscape(ip) + "?fields=status,country,countryCode,city,regionName"
	}
	p.decode = func(body []byte) (Info, error) {
		var payload struct {
			Status      string `json:"status"`
			Country     string `json:"country"`
			CountryCode string `json:"countryCode"`
			City        string `json:"city"`
			RegionName  string `json:"regionName"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return Info{}, fmt.Errorf("ip-api decode: %w", err)
		}
		if payload.Status != "success" {
			return Info{}, fmt.Errorf("ip-api status %q", payload.Status)
		}
		city := payload.City
		if strings.TrimSpace(city) == "" {
			city = payload.RegionName
		}
		return Info{Country: payload.Country, CountryCode: payload.CountryCode, City: city}, nil
	}
	return p
}

// NewIPAPICo queries ipapi.co.
func NewIPAPICo(base string, timeout time.Duration) *HTTPProvider {
	if base == "" {
		base = "https://ipapi.co"
	}
	p := newHTTPProvider("ipapi.co", base, timeout, time.Second)
	p.build = func(base, ip string) string {
		return base + "/" + url.PathEscape(ip) + "/json/"
	}
	p.decode = func(body []byte) (Info, error) {
		var payload struct {
			CountryName string `json:"country_name"`
			CountryCode string `json:"country_code"`
			City        string `json:"city"`
			Error       bool   `json:"error"`
			Reason      string `json:"reason"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return Info{}, fmt.Errorf("ipapi.co decode: %w", err)
		}
		if payload.Error {
			return Info{}, fmt.Errorf("ipapi.co: %s", payload.Reason)
		}
		return Info{Country: payload.CountryName, CountryCode: payload.CountryCode, City: payload.City}, nil
	}
	return p
}

// NewIPInfo queries ipinfo.io, which only reports the ISO code; the
// country name is derived from it.
func NewIPInfo(base string, timeout time.Duration) *HTTPProvider {
	if base == "" {
		base = "https://ipinfo.io"
	}
	p := newHTTPProvider("ipinfo", base, timeout, time.Second)
	p.build = func(base, ip string) string {
		return base + "/" + url.PathEscape(ip) + "/json"
	}
	p.decode = func(body []byte) (Info, error) {
		var payload struct {
			Country string `json:"country"`
			City    string `json:"city"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return Info{}, fmt.Errorf("ipinfo decode: %w", err)
		}
		code := strings.TrimSpace(payload.Country)
		if code == "" {
			return Info{}, fmt.Errorf("ipinfo: empty country")
		}
		return Info{Country: CountryName(code), CountryCode: code, City: payload.City}, nil
	}
	return p
}

// CountryName returns the English name of an ISO 3166 code, or the code
// itself when it is unknown.
func CountryName(code string) string {
	region, err := language.ParseRegion(code)
	if err != nil {
		return code
	}
	if name := display.Regions(language.English).Name(region); name != "" && !strings.EqualFold(name, "Unknown Region") {
		return name
	}
	return code
}

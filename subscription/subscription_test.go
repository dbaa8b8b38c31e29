package subscription

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"subsync/descriptor"
	"subsync/reconcile"
	"subsync/store"
)

const (
	linkA = "vless://11111111-2222-3333-4444-555555555555@example.com:443?security=tls&sni=foo.com#A"
	linkB = "trojan://secret@t.example.com:443#B"
)

type fakeFetcher map[string]*Response

func (f fakeFetcher) Fetch(_ context.Context, req Request) (*Response, error) {
	resp, ok := f[req.URL]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return resp, nil
}

func textResponse(body string, header http.Header) *Response {
	if header == nil {
		header = http.Header{}
	}
	return &Response{Body: []byte(body), Header: header}
}

type recordingSink struct {
	successes []reconcile.Summary
	failures  []string
}

func (r *recordingSink) OnUpdateSuccess(_ *store.Group, summary reconcile.Summary, _ bool) {
	r.successes = append(r.successes, summary)
}

func (r *recordingSink) OnUpdateFailure(_ *store.Group, message string) {
	r.failures = append(r.failures, message)
}

func newSubscriptionGroup(t *testing.T, s store.Store, name, link string, configure func(*store.Subscription)) int64 {
	t.Helper()
	sub := &store.Subscription{Link: link}
	if configure != nil {
		configure(sub)
	}
	id, err := s.CreateGroup(context.Background(), &store.Group{Name: name, Subscription: sub})
	if err != nil {
		t.Fatalf("create group failed: %v", err)
	}
	return id
}

func TestUpdateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	header := http.Header{}
	header.Set("Subscription-Userinfo", "upload=1; download=2; total=3")
	header.Set("Content-Disposition", `attachment; filename="My Feed"`)
	fetcher := fakeFetcher{"https://sub.example/feed": textResponse(linkA+"\n"+linkB+"\n", header)}
	sink := &recordingSink{}
	u := NewUpdater(s, fetcher, sink)
	gid := newSubscriptionGroup(t, s, "Subscription #1", "https://sub.example/feed", nil)

	summary, err := u.Update(ctx, gid, true)
	if err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if len(summary.Added) != 3 || summary.Added[0] != descriptor.AggregateAutoName || summary.Added[1] != "A" || summary.Added[2] != "B" {
		t.Fatalf("unexpected added: %v", summary.Added)
	}
	list, _ := s.ListByGroup(ctx, gid)
	if !list[0].Descriptor.IsAggregate() || list[0].Order != 0 || list[1].Order != 1 || list[2].Order != 2 {
		t.Fatalf("unexpected stored orders: %d %d %d", list[0].Order, list[1].Order, list[2].Order)
	}
	group, _ := s.GetGroup(ctx, gid)
	if group.Name != "My Feed" {
		t.Fatalf("group not renamed: %q", group.Name)
	}
	if group.Subscription.UserInfo != "upload=1; download=2; total=3" || group.Subscription.LastUpdated == 0 {
		t.Fatalf("subscription metadata not stored: %+v", group.Subscription)
	}

	summary, err = u.Update(ctx, gid, false)
	if err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if summary.Changed != 0 || len(summary.Added)+len(summary.Updated)+len(summary.Deleted) != 0 {
		t.Fatalf("second update was not a no-op: %+v", summary)
	}
	if len(sink.successes) != 2 || len(sink.failures) != 0 {
		t.Fatalf("unexpected notifications: %d successes, %v", len(sink.successes), sink.failures)
	}
}

func TestUpdateMetaSubscriptionSkipsFailedSources(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	fetcher := fakeFetcher{
		"https://meta.example/list": textResponse("# sources\nhttps://a.example/sub\nhttps://down.example/sub\nhttps://a.example/sub\n", nil),
		"https://a.example/sub":     textResponse(linkA+"\n"+linkB, nil),
	}
	u := NewUpdater(s, fetcher, &recordingSink{})
	gid := newSubscriptionGroup(t, s, "meta", "https://meta.example/list", nil)
	summary, err := u.Update(ctx, gid, false)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if len(summary.Added) != 3 {
		t.Fatalf("unexpected added: %v", summary.Added)
	}
	list, _ := s.ListByGroup(ctx, gid)
	if !list[0].Descriptor.IsAggregate() || list[0].Descriptor.Config.Raw == "" {
		t.Fatalf("aggregate document missing: %+v", list[0].Descriptor)
	}
}

func TestUpdateNoProxies(t *testing.T) {
	s := store.NewMemory()
	sink := &recordingSink{}
	u := NewUpdater(s, fakeFetcher{"https://sub.example/x": textResponse("nothing to see here", nil)}, sink)
	gid := newSubscriptionGroup(t, s, "g", "https://sub.example/x", nil)
	if _, err := u.Update(context.Background(), gid, true); !errors.Is(err, ErrNoProxies) {
		t.Fatalf("expected ErrNoProxies, got %v", err)
	}
	if len(sink.failures) != 1 {
		t.Fatalf("failure not reported: %v", sink.failures)
	}
}

func TestUpdateFetchFailure(t *testing.T) {
	s := store.NewMemory()
	sink := &recordingSink{}
	u := NewUpdater(s, fakeFetcher{}, sink)
	gid := newSubscriptionGroup(t, s, "g", "https://down.example/x", nil)
	if _, err := u.Update(context.Background(), gid, true); err == nil {
		t.Fatalf("expected fetch failure")
	}
	if len(sink.failures) != 1 {
		t.Fatalf("failure not reported: %v", sink.failures)
	}
}

func TestUpdateRejectsConcurrentRun(t *testing.T) {
	s := store.NewMemory()
	u := NewUpdater(s, fakeFetcher{}, &recordingSink{})
	gid := newSubscriptionGroup(t, s, "g", "https://sub.example/x", nil)
	u.begin(gid)
	defer u.finish(gid)
	if _, err := u.Update(context.Background(), gid, true); !errors.Is(err, ErrUpdating) {
		t.Fatalf("expected ErrUpdating, got %v", err)
	}
}

func TestUpdateDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	dup := "trojan://secret@t.example.com:443#C"
	u := NewUpdater(s, fakeFetcher{"https://sub.example/d": textResponse(linkB+"\n"+dup, nil)}, &recordingSink{})
	gid := newSubscriptionGroup(t, s, "g", "https://sub.example/d", func(sub *store.Subscription) {
		sub.Deduplicate = true
	})
	summary, err := u.Update(ctx, gid, true)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if len(summary.Duplicates) != 2 || summary.Duplicates[0] != "B (1)" || summary.Duplicates[1] != "C (1)" {
		t.Fatalf("unexpected duplicates: %v", summary.Duplicates)
	}
	if n, _ := s.CountByGroup(ctx, gid); n != 2 {
		t.Fatalf("unexpected entity count: %d", n)
	}
}

func TestForceResolveKeepsHostname(t *testing.T) {
	u := NewUpdater(store.NewMemory(), fakeFetcher{}, nil)
	u.lookupIPAddr = func(_ context.Context, host string) ([]net.IPAddr, error) {
		return []net.IPAddr{{IP: net.ParseIP("203.0.113.7")}}, nil
	}
	d := &descriptor.Descriptor{Kind: descriptor.KindTrojan, Server: "t.example.com", Port: 443, Password: "p",
		TLS: descriptor.TLS{Enabled: true}, Transport: descriptor.Transport{Type: "ws"}}
	ip := &descriptor.Descriptor{Kind: descriptor.KindSOCKS, Server: "198.51.100.1", Port: 1080}
	u.forceResolve(context.Background(), []*descriptor.Descriptor{d, ip})
	if d.Server != "203.0.113.7" || d.TLS.ServerName != "t.example.com" || d.Transport.Host != "t.example.com" {
		t.Fatalf("unexpected resolved descriptor: %+v", d)
	}
	if ip.Server != "198.51.100.1" {
		t.Fatalf("ip literal changed: %s", ip.Server)
	}
}

func TestImportProfiles(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	gid, _ := s.CreateGroup(ctx, &store.Group{Name: "local"})
	u := NewUpdater(s, fakeFetcher{}, nil)
	if _, err := u.ImportProfiles(ctx, linkA, "", gid); err != nil {
		t.Fatalf("first import failed: %v", err)
	}
	names, err := u.ImportProfiles(ctx, linkA+"\n"+linkB, "", gid)
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if len(names) != 2 || names[0] != "A (1)" || names[1] != "B" {
		t.Fatalf("unexpected imported names: %v", names)
	}
	if _, err := u.ImportProfiles(ctx, "plain text", "", gid); !errors.Is(err, ErrNoProxies) {
		t.Fatalf("expected ErrNoProxies, got %v", err)
	}
}

func TestDecodeFilename(t *testing.T) {
	cases := map[string]string{
		`attachment; filename="feed.yaml"`:                    "feed.yaml",
		`attachment; filename*=UTF-8''%E6%B5%8B%E8%AF%95.yaml`: "测试.yaml",
		"": "",
	}
	for header, want := range cases {
		if got := decodeFilename(header); got != want {
			t.Fatalf("unexpected filename for %q: %q", header, got)
		}
	}
}

func TestHTTPFetcherSendsHeadersAndDecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "subsync-test" || r.Header.Get("X-Token") != "abc" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte(linkA))
		_ = zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Subscription-Userinfo", "total=1")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	fetcher, err := NewHTTPFetcher(FetchOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new fetcher failed: %v", err)
	}
	resp, err := fetcher.Fetch(context.Background(), Request{
		URL:       srv.URL,
		UserAgent: "subsync-test",
		Headers:   map[string]string{"X-Token": "abc"},
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if string(resp.Body) != linkA || resp.Header.Get("Subscription-Userinfo") != "total=1" {
		t.Fatalf("unexpected response: %q %v", resp.Body, resp.Header)
	}

	if _, err := fetcher.Fetch(context.Background(), Request{URL: srv.URL}); err == nil {
		t.Fatalf("expected status error")
	}
}

func TestHTTPFetcherRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gz" {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			_, _ = zw.Write(bytes.Repeat([]byte("a"), 64))
			_ = zw.Close()
			w.Header().Set("Content-Encoding", "gzip")
			_, _ = w.Write(buf.Bytes())
			return
		}
		_, _ = w.Write([]byte(linkB))
	}))
	defer srv.Close()

	exact, _ := NewHTTPFetcher(FetchOptions{MaxBodyBytes: int64(len(linkB))})
	resp, err := exact.Fetch(context.Background(), Request{URL: srv.URL})
	if err != nil || string(resp.Body) != linkB {
		t.Fatalf("unexpected fetch at the limit: %v", err)
	}

	small, _ := NewHTTPFetcher(FetchOptions{MaxBodyBytes: int64(len(linkB)) - 1})
	if _, err := small.Fetch(context.Background(), Request{URL: srv.URL}); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	inflated, _ := NewHTTPFetcher(FetchOptions{MaxBodyBytes: 48})
	if _, err := inflated.Fetch(context.Background(), Request{URL: srv.URL + "/gz"}); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge after decompression, got %v", err)
	}
}

func TestHTTPFetcherReadsLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.txt")
	if err := os.WriteFile(path, []byte(linkB), 0o600); err != nil {
		t.Fatalf("write file failed: %v", err)
	}
	fetcher, _ := NewHTTPFetcher(FetchOptions{})
	for _, link := range []string{path, "file://" + path} {
		resp, err := fetcher.Fetch(context.Background(), Request{URL: link})
		if err != nil {
			t.Fatalf("fetch %s failed: %v", link, err)
		}
		if string(resp.Body) != linkB || decodeFilename(resp.Header.Get("Content-Disposition")) != "nodes.txt" {
			t.Fatalf("unexpected local response: %q", resp.Body)
		}
	}
}

func TestRequestURLCandidates(t *testing.T) {
	got := requestURLCandidates("https://raw.githubusercontent.com/u/r/main/sub.txt", "https://mirror.example/")
	if len(got) != 2 || got[0] != "https://mirror.example/https://raw.githubusercontent.com/u/r/main/sub.txt" {
		t.Fatalf("unexpected candidates: %v", got)
	}
	if got := requestURLCandidates("https://api.github.com/x", "https://mirror.example"); len(got) != 1 {
		t.Fatalf("api host mirrored: %v", got)
	}
	if got := requestURLCandidates("https://sub.example/x", ""); len(got) != 1 {
		t.Fatalf("unexpected candidates without mirror: %v", got)
	}
}

func TestSchedulerDueGroups(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sched := NewScheduler(NewUpdater(store.NewMemory(), fakeFetcher{}, nil), time.Second)
	sched.now = func() time.Time { return now }
	groups := []*store.Group{
		{ID: 1, Type: store.GroupSubscription, Subscription: &store.Subscription{AutoUpdate: true, UpdateInterval: 60, LastUpdated: now.Add(-2 * time.Hour).Unix()}},
		{ID: 2, Type: store.GroupSubscription, Subscription: &store.Subscription{AutoUpdate: true, UpdateInterval: 60, LastUpdated: now.Add(-10 * time.Minute).Unix()}},
		{ID: 3, Type: store.GroupSubscription, Subscription: &store.Subscription{AutoUpdate: false}},
		{ID: 4, Type: store.GroupBasic},
		{ID: 5, Type: store.GroupSubscription, Subscription: &store.Subscription{AutoUpdate: true}},
	}
	due := sched.dueGroups(groups)
	if len(due) != 2 || due[0] != 1 || due[1] != 5 {
		t.Fatalf("unexpected due groups: %v", due)
	}
	if due := sched.dueGroups(groups); len(due) != 0 {
		t.Fatalf("failed attempts retried too early: %v", due)
	}
}

package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	M "github.com/sagernet/sing/common/metadata"
	singSocks "github.com/sagernet/sing/protocol/socks"
	"github.com/sagernet/sing/protocol/socks/socks5"
	"github.com/sirupsen/logrus"

	"subsync/descriptor"
	"subsync/singbox"
)

const (
	defaultBoxBinary    = "sing-box"
	defaultStartTimeout = 10 * time.Second
	probeOutboundTag    = "proxy"
)

// BoxProber runs each descriptor in a short lived sing-box process that
// exposes a local SOCKS5 inbound and measures HTTP requests sent through it.
type BoxProber struct {
	Binary       string
	WorkDir      string
	StartTimeout time.Duration
}

func NewBoxProber(binary, workDir string) *BoxProber {
	if strings.TrimSpace(binary) == "" {
		binary = defaultBoxBinary
	}
	if strings.TrimSpace(workDir) == "" {
		workDir = filepath.Join(os.TempDir(), "subsync-probe")
	}
	return &BoxProber{Binary: binary, WorkDir: workDir, StartTimeout: defaultStartTimeout}
}

func (b *BoxProber) Probe(ctx context.Context, d *descriptor.Descriptor, url string, timeout time.Duration) (time.Duration, error) {
	results, err := b.ProbeAll(ctx, d, []string{url}, timeout)
	if err != nil {
		return 0, err
	}
	return results[0], nil
}

// ProbeAll starts one instance for d and requests every url through it in
// order. The first failing url aborts the run.
func (b *BoxProber) ProbeAll(ctx context.Context, d *descriptor.Descriptor, urls []string, timeout time.Duration) ([]time.Duration, error) {
	port, err := pickAvailableLocalTCPPort()
	if err != nil {
		return nil, fmt.Errorf("pick socks port: %w", err)
	}
	raw, err := buildProbeConfig(d, port)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(b.WorkDir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.CreateTemp(b.WorkDir, "probe-*.json")
	if err != nil {
		return nil, err
	}
	configPath := file.Name()
	defer os.Remove(configPath)
	if _, err := file.Write(raw); err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, err
	}

	socksAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	process, err := b.start(ctx, configPath, socksAddr)
	if err != nil {
		return nil, err
	}
	defer process.Close()

	client := newSOCKSHTTPClient(socksAddr, timeout)
	defer client.CloseIdleConnections()
	results := make([]time.Duration, 0, len(urls))
	for _, url := range urls {
		elapsed, err := timedGet(ctx, client, url, timeout)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", url, err)
		}
		results = append(results, elapsed)
	}
	return results, nil
}

type boxProcess struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

func (p *boxProcess) Close() error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Kill()
	<-p.exited
	return nil
}

func (b *BoxProber) start(ctx context.Context, configPath, socksAddr string) (*boxProcess, error) {
	if _, err := exec.LookPath(b.Binary); err != nil {
		return nil, fmt.Errorf("sing-box binary not found: %s (%w)", b.Binary, err)
	}
	cmd := exec.CommandContext(ctx, b.Binary, "run", "-c", configPath)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Dir = filepath.Dir(configPath)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sing-box failed: %w", err)
	}
	process := &boxProcess{cmd: cmd, exited: make(chan struct{})}
	exited := process.exited
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	startTimeout := b.StartTimeout
	if startTimeout <= 0 {
		startTimeout = defaultStartTimeout
	}
	deadline := time.Now().Add(startTimeout)
	for {
		if checkTCPReachable(socksAddr, 300*time.Millisecond) {
			logrus.Debugf("[Probe] sing-box ready on %s", socksAddr)
			return process, nil
		}
		select {
		case <-exited:
			return nil, fmt.Errorf("sing-box exited before socks is ready: %s", strings.TrimSpace(stderr.String()))
		default:
		}
		if time.Now().After(deadline) {
			_ = process.Close()
			return nil, fmt.Errorf("sing-box startup timeout: %s", socksAddr)
		}
		select {
		case <-ctx.Done():
			_ = process.Close()
			return nil, ctx.Err()
		case <-exited:
			return nil, fmt.Errorf("sing-box exited before socks is ready: %s", strings.TrimSpace(stderr.String()))
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// buildProbeConfig writes a minimal document routing everything through
// the descriptor. Aggregate documents keep their own outbounds and only get
// the local inbound.
func buildProbeConfig(d *descriptor.Descriptor, socksPort int) ([]byte, error) {
	if socksPort <= 0 || socksPort > 65535 {
		return nil, fmt.Errorf("invalid socks port: %d", socksPort)
	}
	inbounds := []any{
		map[string]any{
			"type":        "socks",
			"tag":         "socks-in",
			"listen":      "127.0.0.1",
			"listen_port": socksPort,
		},
	}
	var cfg map[string]any
	if d.IsAggregate() {
		dec := json.NewDecoder(strings.NewReader(d.Config.Raw))
		dec.UseNumber()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode aggregate config: %w", err)
		}
		cfg["inbounds"] = inbounds
	} else {
		outbound, err := singbox.Outbound(d, probeOutboundTag)
		if err != nil {
			return nil, err
		}
		cfg = map[string]any{
			"outbounds": []any{
				outbound,
				map[string]any{"type": "direct", "tag": "direct"},
			},
			"inbounds": inbounds,
			"route": map[string]any{
				"final": probeOutboundTag,
			},
		}
	}
	cfg["log"] = map[string]any{"disabled": true}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

func newSOCKSHTTPClient(socksAddr string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DisableKeepAlives:     true,
		ForceAttemptHTTP2:     false,
		ResponseHeaderTimeout: timeout,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dest := M.ParseSocksaddr(addr)
			if !dest.IsValid() {
				return nil, fmt.Errorf("invalid destination: %s", addr)
			}
			return dialSOCKS5Connect(ctx, socksAddr, dest)
		},
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func timedGet(ctx context.Context, client *http.Client, url string, timeout time.Duration) (time.Duration, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return 0, fmt.Errorf("http status %d", resp.StatusCode)
	}
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	return elapsed, nil
}

func dialSOCKS5Connect(ctx context.Context, server string, destination M.Socksaddr) (net.Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", server)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	if _, err := singSocks.ClientHandshake5(conn, socks5.CommandConnect, destination, "", ""); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func pickAvailableLocalTCPPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok || addr.Port <= 0 {
		return 0, fmt.Errorf("invalid listener addr: %v", ln.Addr())
	}
	return addr.Port, nil
}

func checkTCPReachable(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

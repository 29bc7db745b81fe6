// ABOUTME: Best-effort VPN and hosting-provider detection via an ip reputation API
// ABOUTME: Failures never block a user; answers are cached for an hour

package throttle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/rewards-gateway/internal/ttlcache"
)

const vpnCacheTTL = time.Hour

// VPNResult is the answer of a lookup. Checked is false when the lookup failed.
type VPNResult struct {
	Checked bool
	Proxy   bool
	Hosting bool
}

// IsVPN reports whether the address looks like a proxy or datacenter exit
func (r VPNResult) IsVPN() bool {
	return r.Proxy || r.Hosting
}

// VPNChecker looks up an ip address
type VPNChecker interface {
	Lookup(ctx context.Context, ip string) VPNResult
}

// VPNDetector queries an ip-api.com compatible endpoint
type VPNDetector struct {
	endpoint   string
	httpClient *http.Client
	cache      *ttlcache.Cache[string, VPNResult]
	logger     *slog.Logger
}

// NewVPNDetector creates a detector for endpoint, e.g. "http://ip-api.com/json/".
func NewVPNDetector(endpoint string, timeout time.Duration, logger *slog.Logger) *VPNDetector {
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return &VPNDetector{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cache:  ttlcache.New[string, VPNResult](vpnCacheTTL, 10_000),
		logger: logger,
	}
}

type ipAPIResponse struct {
	Status  string `json:"status"`
	Proxy   bool   `json:"proxy"`
	Hosting bool   `json:"hosting"`
}

// Lookup never fails: any error yields an unchecked, non-VPN result.
func (d *VPNDetector) Lookup(ctx context.Context, ip string) VPNResult {
	if ip == "" || ip == unknownIP {
		return VPNResult{}
	}
	if cached, ok := d.cache.Get(ip); ok {
		return cached
	}

	result, err := d.query(ctx, ip)
	if err != nil {
		d.logger.Debug("vpn lookup failed", "ip", ip, "error", err)
		return VPNResult{}
	}
	d.cache.Set(ip, result)
	return result
}

func (d *VPNDetector) query(ctx context.Context, ip string) (VPNResult, error) {
	u := d.endpoint + url.PathEscape(ip) + "?fields=status,proxy,hosting"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return VPNResult{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return VPNResult{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return VPNResult{}, fmt.Errorf("lookup returned status %d", resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return VPNResult{}, fmt.Errorf("decode response: %w", err)
	}
	if body.Status != "success" {
		return VPNResult{}, fmt.Errorf("lookup status %q", body.Status)
	}

	return VPNResult{Checked: true, Proxy: body.Proxy, Hosting: body.Hosting}, nil
}

// Close releases the lookup cache
func (d *VPNDetector) Close() {
	d.cache.Close()
}

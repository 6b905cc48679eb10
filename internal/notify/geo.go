package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/metrics"
)

// UnknownLocation is reported when a lookup fails.
const UnknownLocation = "unknown"

// Geolocator resolves client IPs to "country, region" for notifications.
// Lookups are best effort and cached per IP.
type Geolocator struct {
	httpClient *http.Client
	baseURL    string
	cache      *ttlcache.Cache[string, string]
	logger     *slog.Logger
}

// NewGeolocator queries baseURL (http://ip-api.com) and caches answers for ttl.
func NewGeolocator(baseURL string, ttl time.Duration, logger *slog.Logger) *Geolocator {
	if baseURL == "" {
		baseURL = "http://ip-api.com"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
		ttlcache.WithCapacity[string, string](10_000),
	)
	return &Geolocator{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		cache:      cache,
		logger:     logger.With("component", "geolocator"),
	}
}

// Start runs expiry of cached entries until Stop is called.
func (g *Geolocator) Start() {
	g.cache.Start()
}

// Stop ends Start.
func (g *Geolocator) Stop() {
	g.cache.Stop()
}

type ipAPIResponse struct {
	Status     string `json:"status"`
	Country    string `json:"country"`
	RegionName string `json:"regionName"`
}

// Locate returns "country, region" for ip, or UnknownLocation.
func (g *Geolocator) Locate(ctx context.Context, ip string) string {
	if ip == "" {
		return UnknownLocation
	}
	if item := g.cache.Get(ip); item != nil {
		return item.Value()
	}
	loc, err := g.lookup(ctx, ip)
	if err != nil {
		g.logger.Debug("geolocation failed", "ip", ip, "error", err)
		return UnknownLocation
	}
	g.cache.Set(ip, loc, ttlcache.DefaultTTL)
	return loc
}

func (g *Geolocator) lookup(ctx context.Context, ip string) (loc string, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.UpstreamRequests.WithLabelValues("ip-api", "json", outcome).Inc()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/json/"+ip, nil)
	if err != nil {
		return "", err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	if res.Status != "" && res.Status != "success" {
		return "", fmt.Errorf("lookup status %q", res.Status)
	}
	return res.Country + ", " + res.RegionName, nil
}

package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

// OSRMClient asks an OSRM server for driving durations and falls back to
// straight-line travel when the router is unreachable or finds no route.
type OSRMClient struct {
	endpoint string
	http     *http.Client
	fallback Client
	logger   *slog.Logger
}

func NewOSRMClient(endpoint string, fallback Client, logger *slog.Logger) *OSRMClient {
	if fallback == nil {
		fallback = Straight{SpeedMps: DefaultSpeedMps}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OSRMClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: 2 * time.Second},
		fallback: fallback,
		logger:   logger,
	}
}

func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	secs, err := o.route(ctx, from, to)
	if err != nil {
		o.logger.Debug("osrm lookup failed, using fallback", "error", err)
		return o.fallback.EstimateSeconds(ctx, from, to)
	}
	return secs, nil
}

func (o *OSRMClient) route(ctx context.Context, from, to models.Coord) (float64, error) {
	// /route/v1/driving/{lon1},{lat1};{lon2},{lat2}
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out struct {
		Routes []struct {
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return out.Routes[0].Duration, nil
}

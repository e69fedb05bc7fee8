package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/leshachaplin/presence/internal/domain"
	"github.com/leshachaplin/presence/internal/retryhttp"
)

const (
	locationPath   = "/v1/map/location"
	defaultTimeout = 3 * time.Second
)

type Config struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Client resolves coordinates to a Place. It is best-effort: every failure
// is logged and reported as a nil Place.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *retryablehttp.Client
	logger  zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		timeout: timeout,
		http:    retryhttp.New(retryhttp.Config{Timeout: timeout}, logger),
		logger:  logger,
	}
}

type locationResponse struct {
	Features []struct {
		Properties struct {
			Context *domain.Place `json:"context"`
		} `json:"properties"`
	} `json:"features"`
}

func (c *Client) Lookup(ctx context.Context, lat, lng float64) *domain.Place {
	if invalid(lat) || invalid(lng) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	place, err := c.lookup(ctx, lat, lng)
	if err != nil {
		c.logger.Warn().Err(err).Float64("lat", lat).Float64("lng", lng).Msg("reverse geocode failed")
		return nil
	}
	return place
}

func (c *Client) lookup(ctx context.Context, lat, lng float64) (*domain.Place, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(lng, 'f', -1, 64))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+locationPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}

	var body locationResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode location: %w", err)
	}
	if len(body.Features) == 0 {
		return nil, fmt.Errorf("no features")
	}
	return body.Features[len(body.Features)-1].Properties.Context, nil
}

func invalid(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// Geocoder resolves a pickup address to coordinates. Called by trip
// creation only when the inbound draft carries no coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address, language string) (models.Coord, error)
}

// HTTPClient queries a nominatim-compatible search endpoint.
type HTTPClient struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (c *HTTPClient) Geocode(ctx context.Context, address, language string) (models.Coord, error) {
	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "json")
	q.Set("limit", "1")
	if language != "" {
		q.Set("accept-language", language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"/search?"+q.Encode(), nil)
	if err != nil {
		return models.Coord{}, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return models.Coord{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Coord{}, fmt.Errorf("geocode: status %d", resp.StatusCode)
	}
	var out []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return models.Coord{}, err
	}
	if len(out) == 0 {
		return models.Coord{}, fmt.Errorf("geocode: no result for %q", address)
	}
	lat, err := strconv.ParseFloat(out[0].Lat, 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("geocode: bad lat: %w", err)
	}
	lng, err := strconv.ParseFloat(out[0].Lon, 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("geocode: bad lon: %w", err)
	}
	return models.Coord{Lat: lat, Lng: lng}, nil
}

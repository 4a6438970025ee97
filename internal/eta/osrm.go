package eta

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/haul-dispatch/internal/models"
)

// OSRMClient resolves truck travel times against an OSRM routing server.
// The coordinator uses it to put a road-time pickup ETA on offers instead
// of the straight-line fallback.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

type osrmRouteResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

// EstimateSeconds asks OSRM for the fastest driving route between the two
// points and returns its duration. Coordinates go on the path lon-first per
// the OSRM convention.
func (c *OSRMClient) EstimateSeconds(from, to models.Coord) (float64, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false",
		c.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	resp, err := c.Client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var body osrmRouteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return 0, fmt.Errorf("osrm: no route (code=%s)", body.Code)
	}
	return body.Routes[0].Duration, nil
}

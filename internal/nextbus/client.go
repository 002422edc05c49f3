package nextbus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a thin client for the NextBus public JSON feed
type Client struct {
	baseURL string
	agency  string
	client  *http.Client
}

// NewClient creates a client for one transit agency
func NewClient(baseURL, agency string) *Client {
	return &Client{
		baseURL: baseURL,
		agency:  agency,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ListRoutes returns all routes the agency publishes
func (c *Client) ListRoutes(ctx context.Context) ([]RouteInfo, error) {
	params := url.Values{}
	params.Set("command", "routeList")
	params.Set("a", c.agency)

	var resp routeListResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch route list: %w", err)
	}
	return resp.Route, nil
}

// RouteConfig returns the coordinates of every stop on a route, keyed by
// stop tag. Stops whose coordinates fail to parse are dropped with a
// warning; callers treat missing entries as unknown coordinates.
func (c *Client) RouteConfig(ctx context.Context, routeTag string) (map[string]StopCoordinates, error) {
	params := url.Values{}
	params.Set("command", "routeConfig")
	params.Set("a", c.agency)
	params.Set("r", routeTag)

	var resp routeConfigResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch route config: %w", err)
	}

	coordinates := make(map[string]StopCoordinates, len(resp.Route.Stop))
	for _, stop := range resp.Route.Stop {
		lat, latErr := strconv.ParseFloat(stop.Lat, 64)
		lon, lonErr := strconv.ParseFloat(stop.Lon, 64)
		if latErr != nil || lonErr != nil {
			log.Printf("Warning: stop %s on route %s has unparseable coordinates (%q, %q)",
				stop.Tag, routeTag, stop.Lat, stop.Lon)
			continue
		}
		coordinates[stop.Tag] = StopCoordinates{Latitude: lat, Longitude: lon}
	}
	return coordinates, nil
}

// Schedule returns the published schedules for a route, one per
// (direction, service class). A payload without a route key means the
// provider has no schedule for the route; that is returned as nil with no
// error.
func (c *Client) Schedule(ctx context.Context, routeTag string) ([]RouteSchedule, error) {
	params := url.Values{}
	params.Set("command", "schedule")
	params.Set("a", c.agency)
	params.Set("r", routeTag)

	var resp scheduleResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch schedule: %w", err)
	}

	var schedules []RouteSchedule
	for _, route := range resp.Route {
		schedule := RouteSchedule{
			Tag:          route.Tag,
			Title:        route.Title,
			Direction:    route.Direction,
			ServiceClass: route.ServiceClass,
			Name:         route.ScheduleClass,
		}

		for _, stop := range route.Header.Stop {
			schedule.Stops = append(schedule.Stops, ScheduleStop{
				Tag:   stop.Tag,
				Title: stop.Name,
			})
		}

		for _, trip := range route.Trips {
			blockID, err := strconv.ParseInt(trip.BlockID, 10, 64)
			if err != nil {
				log.Printf("Warning: block ID %q in schedule for route %s is not an integer, dropping trip",
					trip.BlockID, routeTag)
				continue
			}

			parsed := Trip{BlockID: blockID}
			for _, stop := range trip.Stops {
				epochMS, err := strconv.ParseInt(stop.EpochTime, 10, 64)
				if err != nil {
					log.Printf("Warning: epoch time %q for stop %s on route %s is not an integer, dropping stop",
						stop.EpochTime, stop.Tag, routeTag)
					continue
				}
				parsed.Stops = append(parsed.Stops, TripStop{Tag: stop.Tag, EpochMS: epochMS})
			}
			schedule.Trips = append(schedule.Trips, parsed)
		}

		schedules = append(schedules, schedule)
	}
	return schedules, nil
}

// PredictionsForMultiStops returns one snapshot of predictions for the
// given stops of a route. Every stop present in the response gets an
// entry, possibly empty. Predictions with a non-integer block ID, trip
// tag or seconds value are dropped with a log line; the fetch as a whole
// still succeeds.
func (c *Client) PredictionsForMultiStops(ctx context.Context, routeTag string, stopTags []string) (PredictionSet, error) {
	params := url.Values{}
	params.Set("command", "predictionsForMultiStops")
	params.Set("a", c.agency)
	for _, stopTag := range stopTags {
		params.Add("stops", routeTag+"|"+stopTag)
	}

	var resp predictionsResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch predictions: %w", err)
	}

	predictions := make(PredictionSet, len(resp.Predictions))
	for _, stop := range resp.Predictions {
		blocks := make(map[int64]map[int64]int)
		for _, direction := range stop.Direction {
			for _, p := range direction.Prediction {
				blockID, err := strconv.ParseInt(p.Block, 10, 64)
				if err != nil {
					log.Printf("Block ID %q is not an integer", p.Block)
					continue
				}
				tripTag, err := strconv.ParseInt(p.TripTag, 10, 64)
				if err != nil {
					log.Printf("Trip tag %q is not an integer", p.TripTag)
					continue
				}
				seconds, err := strconv.Atoi(p.Seconds)
				if err != nil {
					log.Printf("Seconds %q is not an integer", p.Seconds)
					continue
				}

				if blocks[blockID] == nil {
					blocks[blockID] = make(map[int64]int)
				}
				blocks[blockID][tripTag] = seconds
			}
		}
		predictions[stop.StopTag] = blocks
	}
	return predictions, nil
}

// get performs a feed request and decodes the JSON response
func (c *Client) get(ctx context.Context, params url.Values, out interface{}) error {
	requestURL := c.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", params.Get("command"), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", params.Get("command"), resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

package nextbus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, payload string) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
	}))
	t.Cleanup(server.Close)
	return NewClient(server.URL, "sf-muni")
}

func TestListRoutes(t *testing.T) {
	client := newTestClient(t, `{"route": [{"tag": "N", "title": "N Judah"}]}`)

	routes, err := client.ListRoutes(context.Background())
	if err != nil {
		t.Fatalf("ListRoutes failed: %v", err)
	}
	if len(routes) != 1 || routes[0].Tag != "N" {
		t.Errorf("got %+v", routes)
	}
}

func TestRouteConfig_UnparseableCoordinatesDropped(t *testing.T) {
	client := newTestClient(t, `{"route": {"stop": [
		{"tag": "5001", "lat": "37.78", "lon": "-122.41"},
		{"tag": "5002", "lat": "", "lon": "-122.42"}
	]}}`)

	coordinates, err := client.RouteConfig(context.Background(), "38R")
	if err != nil {
		t.Fatalf("RouteConfig failed: %v", err)
	}
	if len(coordinates) != 1 {
		t.Fatalf("got %d stops, want 1", len(coordinates))
	}
	if coordinates["5001"].Latitude != 37.78 {
		t.Errorf("got %+v", coordinates["5001"])
	}
}

func TestSchedule_NoRouteKeyMeansNoSchedule(t *testing.T) {
	client := newTestClient(t, `{"copyright": "agency"}`)

	schedules, err := client.Schedule(context.Background(), "38R")
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if schedules != nil {
		t.Errorf("got %+v, want nil", schedules)
	}
}

func TestSchedule_ParsesTripsAndDropsBadBlockIDs(t *testing.T) {
	client := newTestClient(t, `{"route": {
		"tag": "38R",
		"title": "38R-Geary Rapid",
		"direction": "Inbound",
		"serviceClass": "wkd",
		"scheduleClass": "2015T_FALL",
		"header": {"stop": [{"tag": "5001", "content": "Geary Blvd & 25th Ave"}]},
		"tr": [
			{"blockID": "2101", "stop": [{"tag": "5001", "epochTime": "88200000", "content": "24:30:00"}]},
			{"blockID": "not-a-number", "stop": {"tag": "5001", "epochTime": "3600000", "content": "01:00:00"}}
		]
	}}`)

	schedules, err := client.Schedule(context.Background(), "38R")
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if len(schedules) != 1 {
		t.Fatalf("got %d schedules, want 1", len(schedules))
	}

	schedule := schedules[0]
	if schedule.Name != "2015T_FALL" || schedule.Direction != "Inbound" || schedule.ServiceClass != "wkd" {
		t.Errorf("got %+v", schedule)
	}
	if len(schedule.Stops) != 1 || schedule.Stops[0].Title != "Geary Blvd & 25th Ave" {
		t.Errorf("got stops %+v", schedule.Stops)
	}
	// The trip with the unparseable block ID is dropped, the fetch still
	// succeeds.
	if len(schedule.Trips) != 1 {
		t.Fatalf("got %d trips, want 1", len(schedule.Trips))
	}
	if schedule.Trips[0].BlockID != 2101 {
		t.Errorf("got block ID %d, want 2101", schedule.Trips[0].BlockID)
	}
	if schedule.Trips[0].Stops[0].EpochMS != 88200000 {
		t.Errorf("got epoch %d, want 88200000", schedule.Trips[0].Stops[0].EpochMS)
	}
}

func TestPredictionsForMultiStops(t *testing.T) {
	client := newTestClient(t, `{"predictions": [
		{
			"stopTag": "5001",
			"direction": [{
				"prediction": [
					{"block": "2101", "tripTag": "7895989", "seconds": "180"},
					{"block": "2101", "tripTag": "7895991", "seconds": "1259"},
					{"block": "2102", "tripTag": "7895990", "seconds": "900"},
					{"block": "None", "tripTag": "7895992", "seconds": "60"}
				]
			}]
		},
		{"stopTag": "5002"}
	]}`)

	predictions, err := client.PredictionsForMultiStops(context.Background(), "38R", []string{"5001", "5002"})
	if err != nil {
		t.Fatalf("PredictionsForMultiStops failed: %v", err)
	}

	if len(predictions) != 2 {
		t.Fatalf("got %d stops, want 2", len(predictions))
	}
	if len(predictions["5001"]) != 2 {
		t.Errorf("got %d blocks for stop 5001, want 2 (non-integer block dropped)", len(predictions["5001"]))
	}
	if predictions["5001"][2101][7895989] != 180 {
		t.Errorf("got %+v", predictions["5001"][2101])
	}
	if predictions["5001"][2101][7895991] != 1259 {
		t.Errorf("got %+v", predictions["5001"][2101])
	}
	// A stop with no predictions still gets an (empty) entry.
	if blocks, ok := predictions["5002"]; !ok || len(blocks) != 0 {
		t.Errorf("got %v for stop 5002, want empty entry", blocks)
	}
}

func TestServerErrorSurfacesAsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()
	client := NewClient(server.URL, "sf-muni")

	if _, err := client.ListRoutes(context.Background()); err == nil {
		t.Error("expected error for 502 response")
	}
}

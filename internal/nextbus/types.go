package nextbus

import (
	"bytes"
	"encoding/json"
)

// oneOrMany is a JSON array that the NextBus feed may emit as a bare
// object when there is exactly one element. Every polymorphic field
// (route, stop, tr, direction, prediction) is declared with it so the
// rest of the code only ever sees slices.
type oneOrMany[T any] []T

func (o *oneOrMany[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*o = items
		return nil
	}

	var item T
	if err := json.Unmarshal(data, &item); err != nil {
		return err
	}
	*o = []T{item}
	return nil
}

// RouteInfo identifies one route in the agency's route list
type RouteInfo struct {
	Tag   string `json:"tag"`
	Title string `json:"title"`
}

// StopCoordinates is a stop location from the routeConfig command
type StopCoordinates struct {
	Latitude  float64
	Longitude float64
}

// ScheduleStop is a stop as listed in a schedule's header
type ScheduleStop struct {
	Tag   string
	Title string
}

// TripStop is one scheduled stop of a trip. EpochMS is milliseconds after
// midnight of the service day; -1 means the trip skips the stop.
type TripStop struct {
	Tag     string
	EpochMS int64
}

// Trip is one scheduled run of a vehicle (block) along the route
type Trip struct {
	BlockID int64
	Stops   []TripStop
}

// RouteSchedule is a published schedule for one (route, direction,
// service class). Name is the provider's schedule version label.
type RouteSchedule struct {
	Tag          string
	Title        string
	Direction    string
	ServiceClass string
	Name         string
	Stops        []ScheduleStop
	Trips        []Trip
}

// PredictionSet is one snapshot of predictions for a route, keyed
// stop tag -> block ID -> trip tag -> seconds until predicted arrival.
type PredictionSet map[string]map[int64]map[int64]int

// Raw payload shapes. Numeric fields arrive as strings in the feed.

type routeListResponse struct {
	Route oneOrMany[RouteInfo] `json:"route"`
}

type routeConfigResponse struct {
	Route struct {
		Stop oneOrMany[configStop] `json:"stop"`
	} `json:"route"`
}

type configStop struct {
	Tag string `json:"tag"`
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

type scheduleResponse struct {
	Route oneOrMany[scheduleRoute] `json:"route"`
}

type scheduleRoute struct {
	Tag           string `json:"tag"`
	Title         string `json:"title"`
	Direction     string `json:"direction"`
	ServiceClass  string `json:"serviceClass"`
	ScheduleClass string `json:"scheduleClass"`
	Header        struct {
		Stop oneOrMany[headerStop] `json:"stop"`
	} `json:"header"`
	Trips oneOrMany[scheduleTrip] `json:"tr"`
}

type headerStop struct {
	Tag  string `json:"tag"`
	Name string `json:"content"`
}

type scheduleTrip struct {
	BlockID string              `json:"blockID"`
	Stops   oneOrMany[tripStop] `json:"stop"`
}

type tripStop struct {
	Tag       string `json:"tag"`
	EpochTime string `json:"epochTime"`
	Content   string `json:"content"`
}

type predictionsResponse struct {
	Predictions oneOrMany[stopPredictions] `json:"predictions"`
}

type stopPredictions struct {
	StopTag   string                         `json:"stopTag"`
	Direction oneOrMany[predictionDirection] `json:"direction"`
}

type predictionDirection struct {
	Prediction oneOrMany[prediction] `json:"prediction"`
}

type prediction struct {
	Block   string `json:"block"`
	TripTag string `json:"tripTag"`
	Seconds string `json:"seconds"`
}

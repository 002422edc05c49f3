package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pmaris/how-late-is-muni/internal/db"
)

// Store is the read-only view of the database the API serves from
type Store interface {
	RoutesWithStatus(ctx context.Context, isActive *bool) ([]db.RouteStatus, error)
	StopsForRoute(ctx context.Context, routeTag, direction string) ([]db.RouteStop, error)
	ArrivalBuckets(ctx context.Context, startTime int64, endTime *int64, routeTag, stopTag string) ([]db.ArrivalBucket, error)
	RouteByTag(ctx context.Context, tag string) (*db.Route, error)
	StopTagExists(ctx context.Context, tag string) (bool, error)
}

// Handler serves the read-only endpoints
type Handler struct {
	store Store
}

// NewHandler creates a handler backed by the given store
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

type routeResponse struct {
	Tag      string `json:"tag"`
	Title    string `json:"title"`
	IsActive bool   `json:"is_active"`
}

// GetRoutes handles GET /routes
// Query params: is_active (optional boolean filter)
func (h *Handler) GetRoutes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var isActive *bool
	if value := r.URL.Query().Get("is_active"); value != "" {
		parsed, err := parseBoolean(value)
		if err != nil {
			writeValidationErrors(w, map[string]string{"is_active": err.Error()})
			return
		}
		isActive = &parsed
	}

	routes, err := h.store.RoutesWithStatus(ctx, isActive)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get routes")
		return
	}

	response := make([]routeResponse, 0, len(routes))
	for _, route := range routes {
		response = append(response, routeResponse{
			Tag:      route.Tag,
			Title:    route.Title,
			IsActive: route.IsActive,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

type stopResponse struct {
	Tag       string   `json:"tag"`
	Title     string   `json:"title"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Direction string   `json:"direction"`
	Order     int      `json:"order"`
}

// GetStops handles GET /stops
// Query params: route_tag (required), direction (optional)
func (h *Handler) GetStops(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	validationErrors := make(map[string]string)

	routeTag := r.URL.Query().Get("route_tag")
	if routeTag == "" {
		validationErrors["route_tag"] = "route_tag is required"
	} else {
		route, err := h.store.RouteByTag(ctx, routeTag)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to get stops")
			return
		}
		if route == nil {
			validationErrors["route_tag"] = "route with tag " + routeTag + " does not exist"
		}
	}

	direction := ""
	if value := r.URL.Query().Get("direction"); value != "" {
		parsed, err := parseDirection(value)
		if err != nil {
			validationErrors["direction"] = err.Error()
		} else {
			direction = parsed
		}
	}

	if len(validationErrors) > 0 {
		writeValidationErrors(w, validationErrors)
		return
	}

	stops, err := h.store.StopsForRoute(ctx, routeTag, direction)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get stops")
		return
	}

	response := make([]stopResponse, 0, len(stops))
	for _, stop := range stops {
		response = append(response, stopResponse{
			Tag:       stop.Tag,
			Title:     stop.Title,
			Latitude:  stop.Latitude,
			Longitude: stop.Longitude,
			Direction: stop.Direction,
			Order:     stop.Order,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// GetArrivalBuckets handles GET /arrivals/buckets
// Query params: start_time (required), end_time, route_tag, stop_tag
func (h *Handler) GetArrivalBuckets(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	validationErrors := make(map[string]string)

	var startTime int64
	if value := r.URL.Query().Get("start_time"); value == "" {
		validationErrors["start_time"] = "start_time is required"
	} else {
		parsed, err := parseTimestamp(value, 0)
		if err != nil {
			validationErrors["start_time"] = err.Error()
		} else {
			startTime = parsed
		}
	}

	var endTime *int64
	if value := r.URL.Query().Get("end_time"); value != "" {
		parsed, err := parseTimestamp(value, startTime)
		if err != nil {
			validationErrors["end_time"] = err.Error()
		} else {
			endTime = &parsed
		}
	}

	routeTag := r.URL.Query().Get("route_tag")
	if routeTag != "" {
		route, err := h.store.RouteByTag(ctx, routeTag)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to get arrival buckets")
			return
		}
		if route == nil {
			validationErrors["route_tag"] = "route with tag " + routeTag + " does not exist"
		}
	}

	stopTag := r.URL.Query().Get("stop_tag")
	if stopTag != "" {
		exists, err := h.store.StopTagExists(ctx, stopTag)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to get arrival buckets")
			return
		}
		if !exists {
			validationErrors["stop_tag"] = "stop with tag " + stopTag + " does not exist"
		}
	}

	if len(validationErrors) > 0 {
		writeValidationErrors(w, validationErrors)
		return
	}

	buckets, err := h.store.ArrivalBuckets(ctx, startTime, endTime, routeTag, stopTag)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get arrival buckets")
		return
	}
	if buckets == nil {
		buckets = []db.ArrivalBucket{}
	}
	writeJSON(w, http.StatusOK, buckets)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeValidationErrors(w http.ResponseWriter, errors map[string]string) {
	writeJSON(w, http.StatusBadRequest, errors)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

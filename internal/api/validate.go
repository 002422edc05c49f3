package api

import (
	"fmt"
	"strconv"
	"strings"
)

// Reusable validators for query parameters, mirrored across the read
// endpoints. Each returns the parsed value or an error message suitable
// for a field-keyed 400 response.

// parseBoolean accepts true/false, t/f and 1/0, case-insensitively.
func parseBoolean(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "t", "1":
		return true, nil
	case "false", "f", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s", value)
	}
}

// parseTimestamp parses a Unix timestamp with a minimum bound.
func parseTimestamp(value string, minTime int64) (int64, error) {
	timestamp, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("an integer is required")
	}
	if timestamp < minTime {
		return 0, fmt.Errorf("timestamp must be greater than or equal to %d", minTime)
	}
	return timestamp, nil
}

// parseDirection accepts inbound/outbound case-insensitively and returns
// the stored capitalization.
func parseDirection(value string) (string, error) {
	switch strings.ToLower(value) {
	case "inbound":
		return "Inbound", nil
	case "outbound":
		return "Outbound", nil
	default:
		return "", fmt.Errorf("invalid value %s, valid values are: inbound, outbound", value)
	}
}

// Package transform holds the pure conversions applied to raw observations
// before they are stored.
package transform

import (
	"fmt"
	"strings"
	"time"
)

// Affine decode constants used by the provider for integer coordinates.
const (
	LatScale  = 1571673.0
	LatOffset = 0.002005
	LonScale  = 1467000.0
	LonOffset = 0.002415
)

// TimestampLayout is the provider's "day.month.year hour:minute:second" format.
const TimestampLayout = "02.01.2006 15:04:05"

// Transport type names.
const (
	TransportBus        = "bus"
	TransportTrolleybus = "trolleybus"
	TransportTram       = "tram"
)

// routeTypes maps provider route-type codes to transport type names.
var routeTypes = map[string]string{
	"А":  TransportBus,
	"Т":  TransportTrolleybus,
	"Тр": TransportTram,
}

// DecodeCoordinates converts raw integer-encoded coordinates into degrees.
func DecodeCoordinates(rawLat, rawLon float64) (lat, lon float64) {
	lat = rawLat/LatScale - LatOffset
	lon = rawLon/LonScale - LonOffset
	return lat, lon
}

// EncodeCoordinates is the inverse of DecodeCoordinates.
func EncodeCoordinates(lat, lon float64) (rawLat, rawLon float64) {
	return LatScale * (lat + LatOffset), LonScale * (lon + LonOffset)
}

// ParseTimestamp parses a provider timestamp in the given location.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(TimestampLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// TransportType returns the transport type for a route-type code. Unknown or
// empty codes are buses.
func TransportType(code string) string {
	if name, ok := routeTypes[strings.TrimSpace(code)]; ok {
		return name
	}
	return TransportBus
}

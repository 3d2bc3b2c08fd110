// Package geo provides coordinate validation, distance math, and the
// fixed-resolution cell grid used to bucket presence into tiles.
package geo

import (
	"fmt"
	"math"
)

const earthRadiusM = 6371000.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// BBox is an axis-aligned bounding box in degrees.
type BBox struct {
	MinLat float64
	MinLng float64
	MaxLat float64
	MaxLng float64
}

// Validate rejects non-finite or out-of-range coordinates.
func Validate(p Point) error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("coordinates must be finite")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude %v out of range", p.Lng)
	}
	return nil
}

// Valid reports whether the box is finite and correctly ordered.
func (b BBox) Valid() bool {
	if Validate(Point{Lat: b.MinLat, Lng: b.MinLng}) != nil {
		return false
	}
	if Validate(Point{Lat: b.MaxLat, Lng: b.MaxLng}) != nil {
		return false
	}
	return b.MinLat <= b.MaxLat && b.MinLng <= b.MaxLng
}

// Contains reports whether p falls inside the box.
func (b BBox) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// DistanceM returns the haversine great-circle distance in meters.
func DistanceM(a, b Point) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// BoundingBox returns a box that fully contains the circle of radiusM
// around center. Used as a cheap SQL prefilter before exact distance checks.
func BoundingBox(center Point, radiusM float64) BBox {
	dLat := radiusM / earthRadiusM * 180 / math.Pi
	cosLat := math.Cos(center.Lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	dLng := dLat / cosLat
	return BBox{
		MinLat: math.Max(-90, center.Lat-dLat),
		MinLng: math.Max(-180, center.Lng-dLng),
		MaxLat: math.Min(90, center.Lat+dLat),
		MaxLng: math.Min(180, center.Lng+dLng),
	}
}

// Offset moves a point by the given meters north and east. Accurate enough
// for the short extrapolation horizons used by convergence prediction.
func Offset(p Point, northM, eastM float64) Point {
	dLat := northM / earthRadiusM * 180 / math.Pi
	cosLat := math.Cos(p.Lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	dLng := eastM / earthRadiusM * 180 / math.Pi / cosLat
	return Point{Lat: p.Lat + dLat, Lng: p.Lng + dLng}
}

// Midpoint returns the arithmetic midpoint of two nearby points.
func Midpoint(a, b Point) Point {
	return Point{Lat: (a.Lat + b.Lat) / 2, Lng: (a.Lng + b.Lng) / 2}
}

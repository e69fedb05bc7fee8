package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

type Position struct {
	ID        string
	Lat       float64
	Lng       float64
	Place     *Place
	Signature *string
}

type positionJSON struct {
	ID        string   `json:"id"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	Place     *Place   `json:"place,omitempty"`
	Signature *string  `json:"signature"`
}

// Located reports whether both coordinates are usable.
func (p Position) Located() bool {
	return isFinite(p.Lat) && isFinite(p.Lng)
}

// MarshalJSON writes non-finite coordinates as null; encoding/json refuses NaN.
func (p Position) MarshalJSON() ([]byte, error) {
	out := positionJSON{
		ID:        p.ID,
		Place:     p.Place,
		Signature: p.Signature,
	}
	if isFinite(p.Lat) {
		lat := p.Lat
		out.Lat = &lat
	}
	if isFinite(p.Lng) {
		lng := p.Lng
		out.Lng = &lng
	}
	return json.Marshal(out)
}

func (p *Position) UnmarshalJSON(data []byte) error {
	var in positionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.ID = in.ID
	p.Place = in.Place
	p.Signature = in.Signature
	p.Lat, p.Lng = math.NaN(), math.NaN()
	if in.Lat != nil {
		p.Lat = *in.Lat
	}
	if in.Lng != nil {
		p.Lng = *in.Lng
	}
	return nil
}

type Place struct {
	Country  *Area `json:"country,omitempty"`
	Region   *Area `json:"region,omitempty"`
	City     *Area `json:"place,omitempty"`
	Locality *Area `json:"locality,omitempty"`
}

type Area struct {
	Name        string `json:"name"`
	CountryCode string `json:"country_code,omitempty"`
	RegionCode  string `json:"region_code,omitempty"`
}

// Hints is what a new connection tells us about where it is.
type Hints struct {
	Latitude  string
	Longitude string
	Signature *string
	Edge      EdgeContext
}

// PositionFromHints never fails: missing or garbage coordinates become NaN
// and the caller decides what an unlocated Position means.
func PositionFromHints(id string, h Hints) Position {
	return Position{
		ID:        id,
		Lat:       parseCoordinate(h.Latitude, 90),
		Lng:       parseCoordinate(h.Longitude, 180),
		Signature: h.Signature,
	}
}

func parseCoordinate(raw string, limit float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || !isFinite(v) || math.Abs(v) > limit {
		return math.NaN()
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

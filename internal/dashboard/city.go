package dashboard

import (
	"fmt"
	"strings"

	"dispatch_dashboard/internal/normalize"
)

// City is a map preset.
type City struct {
	Name        string     `json:"name"`
	Coordinates [2]float64 `json:"coordinates"`
	Zoom        float64    `json:"zoom"`
}

// Cities lists the selectable presets; the first is the default.
var Cities = []City{
	{Name: "Nashville", Coordinates: [2]float64{normalize.FallbackLongitude, normalize.FallbackLatitude}, Zoom: 12},
	{Name: "New York", Coordinates: [2]float64{-74.006, 40.7128}, Zoom: 12},
	{Name: "Los Angeles", Coordinates: [2]float64{-118.2437, 34.0522}, Zoom: 12},
	{Name: "Chicago", Coordinates: [2]float64{-87.6298, 41.8781}, Zoom: 12},
	{Name: "Miami", Coordinates: [2]float64{-80.1918, 25.7617}, Zoom: 12},
	{Name: "San Francisco", Coordinates: [2]float64{-122.4194, 37.7749}, Zoom: 12},
}

// LookupCity matches a preset by name, ignoring case.
func LookupCity(name string) (City, bool) {
	for _, c := range Cities {
		if strings.EqualFold(c.Name, strings.TrimSpace(name)) {
			return c, true
		}
	}
	return City{}, false
}

func (d *Dashboard) City() City {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.city
}

// SetCity switches the map preset.
func (d *Dashboard) SetCity(name string) (City, error) {
	c, ok := LookupCity(name)
	if !ok {
		return City{}, fmt.Errorf("city %q: %w", name, ErrNotFound)
	}
	d.mu.Lock()
	d.city = c
	d.mu.Unlock()
	return c, nil
}

// MapConfig is what a map client needs to render the current view.
type MapConfig struct {
	Token    string `json:"token"`
	City     City   `json:"city"`
	Style    string `json:"style"`
	Selected *Focus `json:"selected,omitempty"`
}

// Focus is a zoomed-in position on one emergency.
type Focus struct {
	ID          string     `json:"id"`
	Coordinates [2]float64 `json:"coordinates"`
	Zoom        float64    `json:"zoom"`
}

const (
	mapStyle  = "mapbox://styles/mapbox/dark-v11"
	focusZoom = 15
)

// Map returns the map settings, failing when no map token is configured.
func (d *Dashboard) Map(token string) (MapConfig, error) {
	if token == "" {
		return MapConfig{}, fmt.Errorf("map token: %w", ErrNotConfigured)
	}
	v := d.View()
	cfg := MapConfig{Token: token, City: d.City(), Style: mapStyle}
	if v.Selected != nil {
		cfg.Selected = &Focus{ID: v.Selected.ID, Coordinates: v.Selected.Location.Coordinates, Zoom: focusZoom}
	}
	return cfg, nil
}

// StreetView is a street-level imagery request for one emergency.
type StreetView struct {
	Key     string  `json:"key"`
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Radius  int     `json:"radius"`
	Heading float64 `json:"heading"`
	Pitch   float64 `json:"pitch"`
	Zoom    float64 `json:"zoom"`
}

// StreetView resolves imagery parameters for id.
func (d *Dashboard) StreetView(id, apiKey string) (StreetView, error) {
	if apiKey == "" {
		return StreetView{}, fmt.Errorf("street view key: %w", ErrNotConfigured)
	}
	e, err := d.Find(id)
	if err != nil {
		return StreetView{}, err
	}
	return StreetView{
		Key:     apiKey,
		Address: e.Location.Address,
		Lat:     e.Location.Latitude(),
		Lng:     e.Location.Longitude(),
		Radius:  100,
		Zoom:    1,
	}, nil
}

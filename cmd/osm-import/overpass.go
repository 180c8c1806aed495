package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"propmap/internal/property"
)

const defaultOverpassURL = "https://overpass-api.de/api/interpreter"

type overpassCenter struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type overpassElement struct {
	ID     int64             `json:"id"`
	Type   string            `json:"type"`
	Lat    float64           `json:"lat"`
	Lon    float64           `json:"lon"`
	Center *overpassCenter   `json:"center,omitempty"`
	Tags   map[string]string `json:"tags"`
}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

// buildingQuery selects addressed or named buildings around a point. Ways come back
// with their centroid.
func buildingQuery(lat, lng, radiusMeters float64) string {
	around := fmt.Sprintf("(around:%.0f,%.6f,%.6f)", radiusMeters, lat, lng)
	return "[out:json][timeout:25];(" +
		`way["building"]["addr:housenumber"]` + around + ";" +
		`way["building"]["name"]` + around + ";" +
		`node["addr:housenumber"]["addr:street"]` + around + ";" +
		");out center tags;"
}

func fetch(ctx context.Context, client *http.Client, endpoint, query string) (*overpassResponse, error) {
	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("overpass status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out overpassResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// toEntities keeps elements that have a position and either a name or an address.
func toEntities(elems []overpassElement) property.Set {
	out := make(property.Set, 0, len(elems))
	seen := make(map[string]struct{}, len(elems))
	for _, el := range elems {
		lat, lng := el.Lat, el.Lon
		if el.Center != nil {
			lat, lng = el.Center.Lat, el.Center.Lon
		}
		if lat == 0 && lng == 0 {
			continue
		}
		name := strings.TrimSpace(el.Tags["name"])
		addr := address(el.Tags)
		if name == "" && addr == "" {
			continue
		}
		if name == "" {
			name = addr
		}
		id := fmt.Sprintf("osm:%s/%d", el.Type, el.ID)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, property.Entity{ID: id, Name: name, Address: addr, Lat: lat, Lng: lng, Source: "osm"})
	}
	return out
}

func address(tags map[string]string) string {
	street := strings.TrimSpace(strings.TrimSpace(tags["addr:housenumber"]) + " " + strings.TrimSpace(tags["addr:street"]))
	parts := make([]string, 0, 3)
	for _, p := range []string{street, tags["addr:city"], tags["addr:postcode"]} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

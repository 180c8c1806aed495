package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToEntities(t *testing.T) {
	elems := []overpassElement{
		{ID: 1, Type: "way", Center: &overpassCenter{Lat: 37.33, Lon: -122.03}, Tags: map[string]string{"building": "yes", "addr:housenumber": "1", "addr:street": "Infinite Loop", "addr:city": "Cupertino"}},
		{ID: 2, Type: "node", Lat: 37.331, Lon: -122.031, Tags: map[string]string{"name": "Corner Store"}},
		{ID: 3, Type: "way", Center: &overpassCenter{Lat: 37.332, Lon: -122.032}, Tags: map[string]string{"building": "yes"}},
		{ID: 4, Type: "node", Tags: map[string]string{"name": "Nowhere"}},
		{ID: 2, Type: "node", Lat: 37.331, Lon: -122.031, Tags: map[string]string{"name": "Corner Store"}},
	}
	got := toEntities(elems)
	require.Len(t, got, 2)

	assert.Equal(t, "osm:way/1", got[0].ID)
	assert.Equal(t, "1 Infinite Loop, Cupertino", got[0].Address)
	assert.Equal(t, got[0].Address, got[0].Name)
	assert.Equal(t, 37.33, got[0].Lat)
	assert.Equal(t, -122.03, got[0].Lng)

	assert.Equal(t, "osm:node/2", got[1].ID)
	assert.Equal(t, "Corner Store", got[1].Name)
	assert.Empty(t, got[1].Address)
	assert.Equal(t, "osm", got[1].Source)
}

func TestBuildingQuery(t *testing.T) {
	q := buildingQuery(37.33, -122.03, 250)
	assert.Contains(t, q, "[out:json]")
	assert.Contains(t, q, "(around:250,37.330000,-122.030000)")
	assert.Contains(t, q, "out center tags;")
}

func TestFetch(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		v, _ := url.ParseQuery(string(b))
		gotQuery = v.Get("data")
		_, _ = w.Write([]byte(`{"elements":[{"id":9,"type":"node","lat":1.5,"lon":2.5,"tags":{"name":"X"}}]}`))
	}))
	defer srv.Close()

	resp, err := fetch(context.Background(), srv.Client(), srv.URL, "QUERY")
	require.NoError(t, err)
	assert.Equal(t, "QUERY", gotQuery)
	require.Len(t, resp.Elements, 1)
	assert.Equal(t, int64(9), resp.Elements[0].ID)
}

func TestFetchStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	_, err := fetch(context.Background(), srv.Client(), srv.URL, "Q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

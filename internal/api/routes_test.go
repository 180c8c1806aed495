package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propmap/internal/camera"
	"propmap/internal/config"
	"propmap/internal/property"
	"propmap/internal/render"
)

type fakeStore struct {
	ents property.Set
}

func (f *fakeStore) QueryByBoundingBox(ctx context.Context, n, s, e, w float64, limit int) (property.Set, error) {
	var out property.Set
	for _, x := range f.ents {
		if x.Lat <= n && x.Lat >= s && x.Lng <= e && x.Lng >= w {
			out = append(out, x)
		}
	}
	return out, nil
}

func (f *fakeStore) QueryByRadius(ctx context.Context, lat, lng, r float64, limit int) (property.Set, error) {
	return f.ents, nil
}

func testEntities() property.Set {
	return property.Set{
		{ID: "a", Name: "A", Lat: 37.3301, Lng: -122.0301},
		{ID: "b", Name: "B", Lat: 37.3305, Lng: -122.0299},
		{ID: "c", Name: "C", Lat: 37.3296, Lng: -122.0304},
		{ID: "far", Name: "Far", Lat: 38.5, Lng: -121.5},
	}
}

func newTestServer(t *testing.T, d Deps) (*httptest.Server, *Registry) {
	t.Helper()
	if d.Store == nil {
		st := &fakeStore{ents: testEntities()}
		d.Store, d.Radius = st, st
	}
	if d.Config == (config.Config{}) {
		d.Config = config.Default()
	}
	reg := NewRegistry(d)
	srv := httptest.NewServer(BuildRoutes(reg))
	t.Cleanup(func() {
		srv.Close()
		reg.CloseAll()
	})
	return srv, reg
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func createSession(t *testing.T, srv *httptest.Server, body map[string]any) string {
	t.Helper()
	resp := call(t, srv, http.MethodPost, "/sessions", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		ID    string         `json:"id"`
		State map[string]any `json:"state"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.ID)
	return out.ID
}

var homeRegion = map[string]any{"center_lat": 37.33, "center_lng": -122.03, "lat_span": 0.0015, "lng_span": 0.0015}

func TestSessionServesViewportFrame(t *testing.T) {
	srv, _ := newTestServer(t, Deps{})
	id := createSession(t, srv, map[string]any{"region": homeRegion, "location_permission": false})

	var frame render.Frame
	require.Eventually(t, func() bool {
		resp := call(t, srv, http.MethodGet, "/sessions/"+id+"/frame?format=raw", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		frame = render.Frame{}
		_ = json.NewDecoder(resp.Body).Decode(&frame)
		return len(frame.Features) > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "viewport", frame.Mode)
	for _, f := range frame.Features {
		if !f.IsCluster {
			assert.NotEqual(t, "far", f.Entity.ID)
		}
	}

	resp := call(t, srv, http.MethodGet, "/sessions/"+id+"/frame", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/geo+json", resp.Header.Get("content-type"))
	assert.NotEmpty(t, resp.Header.Get("x-frame-seq"))
	var fc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fc))
	assert.Equal(t, "FeatureCollection", fc["type"])
}

func TestSessionCameraFollowsHeading(t *testing.T) {
	srv, _ := newTestServer(t, Deps{})
	id := createSession(t, srv, map[string]any{
		"region":   homeRegion,
		"location": map[string]float64{"lat": 37.33, "lng": -122.03},
		"heading":  10,
	})
	assert.Equal(t, http.StatusAccepted, call(t, srv, http.MethodPost, "/sessions/"+id+"/ready", nil).StatusCode)

	var cmds []camera.Command
	require.Eventually(t, func() bool {
		resp := call(t, srv, http.MethodGet, "/sessions/"+id+"/camera", nil)
		var got []camera.Command
		_ = json.NewDecoder(resp.Body).Decode(&got)
		cmds = append(cmds, got...)
		return len(cmds) > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "camera", cmds[0].Kind)

	assert.Equal(t, http.StatusAccepted, call(t, srv, http.MethodPost, "/sessions/"+id+"/heading", map[string]float64{"heading": 90}).StatusCode)
	require.Eventually(t, func() bool {
		resp := call(t, srv, http.MethodGet, "/sessions/"+id+"/camera", nil)
		var got []camera.Command
		_ = json.NewDecoder(resp.Body).Decode(&got)
		for _, c := range got {
			if c.Move != nil && c.Move.Heading != nil && *c.Move.Heading == 90 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusAccepted, call(t, srv, http.MethodPost, "/sessions/"+id+"/gesture", nil).StatusCode)
	resp := call(t, srv, http.MethodPost, "/sessions/"+id+"/recenter", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rc map[string]float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rc))
	assert.Contains(t, rc, "heading")
}

func TestSessionErrors(t *testing.T) {
	srv, _ := newTestServer(t, Deps{})
	id := createSession(t, srv, map[string]any{"region": homeRegion, "location_permission": false})

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown session", http.MethodGet, "/sessions/nope", nil, http.StatusNotFound},
		{"unknown session frame", http.MethodGet, "/sessions/nope/frame", nil, http.StatusNotFound},
		{"bad mode", http.MethodPost, "/sessions/" + id + "/mode", map[string]string{"mode": "sideways"}, http.StatusBadRequest},
		{"bad region", http.MethodPost, "/sessions/" + id + "/region", map[string]float64{"center_lat": 37, "center_lng": -122, "lat_span": 0, "lng_span": 1}, http.StatusBadRequest},
		{"bad location", http.MethodPost, "/sessions/" + id + "/location", map[string]float64{"lat": 91, "lng": 0}, http.StatusBadRequest},
		{"press without target", http.MethodPost, "/sessions/" + id + "/press", map[string]string{}, http.StatusBadRequest},
		{"press unknown entity", http.MethodPost, "/sessions/" + id + "/press", map[string]string{"entity_id": "zzz"}, http.StatusNotFound},
		{"malformed body", http.MethodPost, "/sessions/" + id + "/lock", "not-an-object", http.StatusBadRequest},
		{"bad create mode", http.MethodPost, "/sessions", map[string]string{"mode": "sideways"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := call(t, srv, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			var eb errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
			assert.NotEmpty(t, eb.Error)
		})
	}
}

func TestSessionControls(t *testing.T) {
	srv, _ := newTestServer(t, Deps{})
	id := createSession(t, srv, map[string]any{"region": homeRegion, "location_permission": false})
	base := "/sessions/" + id

	assert.Equal(t, http.StatusAccepted, call(t, srv, http.MethodPost, base+"/mode", map[string]string{"mode": "proximity"}).StatusCode)
	assert.Equal(t, http.StatusAccepted, call(t, srv, http.MethodPost, base+"/lock", map[string]bool{"locked": true}).StatusCode)
	assert.Equal(t, http.StatusAccepted, call(t, srv, http.MethodPost, base+"/orient", map[string]bool{"enabled": false}).StatusCode)

	resp := call(t, srv, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap struct {
		Mode       string `json:"mode"`
		AutoOrient bool   `json:"auto_orient"`
		Heading    struct {
			OrientationLocked bool `json:"orientation_locked"`
		} `json:"heading"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "proximity", snap.Mode)
	assert.False(t, snap.AutoOrient)
	assert.True(t, snap.Heading.OrientationLocked)

	resp = call(t, srv, http.MethodGet, base+"/presses", nil)
	var presses []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&presses))
	assert.Empty(t, presses)
}

func TestPressEntityIsRecorded(t *testing.T) {
	cfg := config.Default()
	cfg.ClusteringEnabled = false
	srv, _ := newTestServer(t, Deps{Config: cfg})
	id := createSession(t, srv, map[string]any{"region": homeRegion, "location_permission": false})
	base := "/sessions/" + id

	require.Eventually(t, func() bool {
		return call(t, srv, http.MethodPost, base+"/press", map[string]string{"entity_id": "a"}).StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp := call(t, srv, http.MethodGet, base+"/presses", nil)
	var presses []struct {
		Entity *property.Entity `json:"entity"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&presses))
	require.Len(t, presses, 1)
	require.NotNil(t, presses[0].Entity)
	assert.Equal(t, "a", presses[0].Entity.ID)
}

func TestDeleteSession(t *testing.T) {
	srv, reg := newTestServer(t, Deps{})
	id := createSession(t, srv, nil)
	assert.Equal(t, 1, reg.Len())

	assert.Equal(t, http.StatusNoContent, call(t, srv, http.MethodDelete, "/sessions/"+id, nil).StatusCode)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodDelete, "/sessions/"+id, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/sessions/"+id, nil).StatusCode)
}

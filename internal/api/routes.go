// Package api serves map sessions over HTTP. Each session runs one engine; clients
// push gestures and sensor readings and poll frames and camera commands.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"propmap/internal/engine"
	"propmap/internal/loader"
	"propmap/internal/logger"
	"propmap/internal/region"
)

const maxBody = 1 << 16

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNoSession):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrStopped):
		status = http.StatusGone
	case errors.Is(err, engine.ErrUnknownFeature):
		status = http.StatusNotFound
	case errors.Is(err, ErrTooManySessions):
		status = http.StatusServiceUnavailable
	case errors.Is(err, region.ErrInvalid), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

var errBadRequest = errors.New("bad request")

// decode reads an optional JSON body; an empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// BuildRoutes returns the session API on its own mux, mounted by the caller under the API base.
func BuildRoutes(reg *Registry) *http.ServeMux {
	mux := http.NewServeMux()
	log := logger.With("api")

	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var req CreateRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		s, err := reg.Create(req, getClientIP(r))
		if err != nil {
			if !errors.Is(err, ErrTooManySessions) && !errors.Is(err, region.ErrInvalid) {
				err = errors.Join(errBadRequest, err)
			}
			writeError(w, err)
			return
		}
		snap, err := s.Engine.Snapshot(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": s.ID, "state": snap})
	})

	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Close(r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// session wraps handlers that act on one live session.
	session := func(h func(w http.ResponseWriter, r *http.Request, s *Session) error) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			s, err := reg.Get(r.PathValue("id"))
			if err == nil {
				err = h(w, r, s)
			}
			if err != nil {
				log.Debug("api_session_error", "path", r.URL.Path, "err", err)
				writeError(w, err)
			}
		}
	}
	accepted := func(w http.ResponseWriter) error {
		w.WriteHeader(http.StatusAccepted)
		return nil
	}

	mux.HandleFunc("GET /sessions/{id}", session(func(w http.ResponseWriter, r *http.Request, s *Session) error {
		snap, err := s.Engine.Snapshot(r.Context())
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, snap)
		return nil
	}))

	mux.HandleFunc("POST /sessions/{id}/region", session(func(w http.ResponseWriter, r *http.Request, s *Session) error {
		var rg region.Region
		if err := decode(r, &rg); err != nil {
			return err
		}
		if err := s.Engine.RegionChangeComplete(rg); err != nil {
			return err
		}
		return accepted(w)
	}))

	mux.HandleFunc("POST /sessions/{id}/location", session(func(w http.ResponseWriter, r *http.Request, s *Session) error {
		var p LatLng
		if err := decode(r, &p); err != nil {
			return err
		}
		if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
			return region.ErrInvalid
		}
		if !s.Device.PushLocation(p.Point()) {
			if err := s.Engine.LocationUpdate(p.Point()); err != nil {
				return err
			}
		}
		return accepted(w)
	}))

	mux.HandleFunc("POST /sessions/{id}/heading", session(func(w http.ResponseWriter, r *http.Request, s *Session) error {
		var body struct {
			Heading float64 `json:"heading"`
		}
		if err := decode(r, &body); err != nil {
			return err
		}
		s.Device.PushHeading(body.Heading)
		return accepted(w)
	}))

	mux.HandleFunc("POST /sessions/{id}/gesture", session(func(w http.ResponseWriter, r *http.Request, s *Session) error {
		if err := s.Engine.Gesture(); err != nil {
			return err
		}
		return accepted(w)
	}))

	mux.HandleFunc("POST /sessions/{id}/recenter", session(func(w http.ResponseWriter, r *http.Request, s *Session) error {
		h, err := s.Engine.Recenter(r.Context())
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]float64{"heading": h})
		return nil
	}))

	mux.HandleFunc("POST /sessions/{id}/mode", session(func(w http.ResponseWriter, r *http.Request, s *Session) error {
		var body struct {
			Mode string `json:"mode"`
		}
		if err := decode(r, &body); err != nil {
			return err
		}
		m, err := loader.ParseMode(body.Mode)
		if err != nil {
			return errors.Join(errBadRequest, err)
		}
		if err := s.Engine.SetMode(m); err != nil {
			return err
		}
		return accepted(w)
	}))

	mux.HandleFunc("POST /sessions/{id}/lock", session(func(w http.ResponseWriter, r *http.Request, s *Session) error {
		var body struct {
			Locked bool `json:"locked"`
		}
		if err := decode(r, &body); err != nil {
			return err
		}
		if err := s.Engine.SetLocked(body.Locked); err != nil {
			return err
		}
		return accepted(w)
	}))

	mux.HandleFunc("POST /sessions/{id}/orient", session(func(w http.ResponseWriter, r *http.Request, s *Session) error {
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := decode(r, &body); err != nil {
			return err
		}
		if err := s.Engine.SetAutoOrient(body.Enabled); err != nil {
			return err
		}
		return accepted(w)
	}))

	mux.HandleFunc("POST /sessions/{id}/press", session(func(w http.ResponseWriter, r *http.Request, s *Session) error {
		var body struct {
			ClusterID *int   `json:"cluster_id,omitempty"`
			EntityID  string `json:"entity_id,omitempty"`
		}
		if err := decode(r, &body); err != nil {
			return err
		}
		var err error
		switch {
		case body.ClusterID != nil:
			f, e := s.Engine.PressCluster(r.Context(), *body.ClusterID)
			if e == nil {
				writeJSON(w, http.StatusOK, f)
			}
			err = e
		case body.EntityID != "":
			f, e := s.Engine.PressEntity(r.Context(), body.EntityID)
			if e == nil {
				writeJSON(w, http.StatusOK, f)
			}
			err = e
		default:
			err = errors.Join(errBadRequest, errors.New("cluster_id or entity_id required"))
		}
		return err
	}))

	mux.HandleFunc("GET /sessions/{id}/presses", session(func(w http.ResponseWriter, r *http.Request, s *Session) error {
		writeJSON(w, http.StatusOK, s.Presses())
		return nil
	}))

	mux.HandleFunc("POST /sessions/{id}/ready", session(func(w http.ResponseWriter, r *http.Request, s *Session) error {
		if err := s.Engine.MapReady(); err != nil {
			return err
		}
		return accepted(w)
	}))

	mux.HandleFunc("GET /sessions/{id}/frame", session(func(w http.ResponseWriter, r *http.Request, s *Session) error {
		f := s.Frames.Frame()
		w.Header().Set("x-frame-seq", strconv.FormatUint(f.Seq, 10))
		w.Header().Set("x-frame-zoom", strconv.Itoa(f.Zoom))
		if r.URL.Query().Get("format") == "raw" {
			writeJSON(w, http.StatusOK, f)
			return nil
		}
		w.Header().Set("content-type", "application/geo+json")
		w.Header().Set("cache-control", "no-store")
		b, err := f.GeoJSON().MarshalJSON()
		if err != nil {
			return err
		}
		_, _ = w.Write(b)
		return nil
	}))

	mux.HandleFunc("GET /sessions/{id}/camera", session(func(w http.ResponseWriter, r *http.Request, s *Session) error {
		writeJSON(w, http.StatusOK, s.Camera.Drain())
		return nil
	}))

	return mux
}

// osm-import seeds the property store with OpenStreetMap buildings around a point.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"propmap/internal/logger"
	"propmap/internal/migrate"
	"propmap/internal/store"
	"propmap/internal/utils"
)

const batchSize = 500

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	lat := flag.Float64("lat", 0, "center latitude")
	lng := flag.Float64("lng", 0, "center longitude")
	radius := flag.Float64("radius", 1000, "radius in meters")
	endpoint := flag.String("endpoint", defaultOverpassURL, "overpass interpreter URL")
	dryRun := flag.Bool("dry-run", false, "fetch and parse without writing")
	flag.Parse()

	l := logger.Setup()
	if *lat < -90 || *lat > 90 || *lng < -180 || *lng > 180 || *radius <= 0 {
		l.Error("osm_import_bad_args", "lat", *lat, "lng", *lng, "radius", *radius)
		os.Exit(2)
	}
	l.Info("osm_import_start", "lat", *lat, "lng", *lng, "radius", *radius)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	client := &http.Client{Timeout: 35 * time.Second}
	resp, err := fetch(ctx, client, *endpoint, buildingQuery(*lat, *lng, *radius))
	if err != nil {
		l.Error("osm_fetch_error", "err", err)
		os.Exit(1)
	}
	ents := toEntities(resp.Elements)
	l.Info("osm_fetch_ok", "elements", len(resp.Elements), "entities", len(ents))
	if *dryRun {
		return
	}

	db, err := utils.OpenPostgresFromEnv(ctx)
	if err != nil {
		l.Error("db_open_error", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := migrate.EnsureSchema(ctx, db); err != nil {
		l.Error("schema_error", "err", err)
		os.Exit(1)
	}
	st := store.AttachDB(db)
	written := 0
	for i := 0; i < len(ents); i += batchSize {
		end := min(i+batchSize, len(ents))
		n, err := st.UpsertEntities(ctx, ents[i:end])
		if err != nil {
			l.Error("osm_upsert_error", "batch_start", i, "err", err)
			continue
		}
		written += n
	}
	l.Info("osm_import_done", "candidates", len(ents), "written", written)
}

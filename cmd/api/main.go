package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vibefield/api/internal/app"
	"vibefield/api/internal/bus"
	"vibefield/api/internal/config"
	"vibefield/api/internal/geo"
	"vibefield/api/internal/policy"
	"vibefield/api/internal/snapshot"
	"vibefield/api/internal/store"
	"vibefield/api/internal/tile"
	"vibefield/api/internal/track"
	"vibefield/api/internal/venues"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	presenceStore := store.NewPostgresStore(db)

	trackStore, err := track.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer trackStore.Close()

	policyStore, err := policy.NewRedisStateStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer policyStore.Close()

	var publisher bus.Publisher = bus.Nop{}
	if strings.TrimSpace(cfg.EventChannel) != "" {
		redisBus, err := bus.NewRedisBus(cfg.RedisURL, cfg.EventChannel)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisBus.Close()
		publisher = redisBus
	}

	var meiliClient *venues.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = venues.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	catalog := venues.NewService(meiliClient)

	service := app.New(cfg, presenceStore, trackStore, policyStore, catalog, publisher, trackStore)

	go service.SweepLoop(ctx, cfg.SweepInterval)

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		regions, err := parseRegions(cfg.SnapshotRegionsJSON)
		if err != nil {
			log.Fatalf("invalid snapshot regions: %v", err)
		}
		if len(regions) == 0 {
			log.Printf("snapshot archive configured but no regions defined, skipping")
		} else {
			minioStore, err := snapshot.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
			if err != nil {
				log.Fatalf("minio connection failed: %v", err)
			}
			archiver := snapshot.NewService(presenceStore, minioStore, regions, tile.DefaultParams())
			go archiver.Loop(ctx, cfg.SnapshotInterval)
		}
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Vibefield API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func parseRegions(raw string) ([]snapshot.Region, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var entries []struct {
		Name   string  `json:"name"`
		MinLat float64 `json:"minLat"`
		MinLng float64 `json:"minLng"`
		MaxLat float64 `json:"maxLat"`
		MaxLng float64 `json:"maxLng"`
		Res    int     `json:"res"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	regions := make([]snapshot.Region, 0, len(entries))
	for _, e := range entries {
		res := geo.Resolution(e.Res)
		if !geo.ValidResolution(res) {
			res = geo.ResolutionDistrict
		}
		regions = append(regions, snapshot.Region{
			Name: e.Name,
			BBox: geo.BBox{
				MinLat: e.MinLat,
				MinLng: e.MinLng,
				MaxLat: e.MaxLat,
				MaxLng: e.MaxLng,
			},
			Resolution: res,
		})
	}
	return regions, nil
}

package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"vibefield/api/internal/geo"
	"vibefield/api/internal/tile"
)

type fakeSource struct {
	obs []tile.Observation
	err error
}

func (f *fakeSource) InBBoxObservations(context.Context, geo.BBox) ([]tile.Observation, error) {
	return f.obs, f.err
}

type fakeSink struct {
	objects map[string][]byte
}

func (f *fakeSink) Put(_ context.Context, name string, data []byte, _ string) error {
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[name] = data
	return nil
}

var berlinBox = geo.BBox{MinLat: 52.3, MinLng: 13.0, MaxLat: 52.7, MaxLng: 13.8}

func testRegions() []Region {
	return []Region{{Name: "berlin", BBox: berlinBox, Resolution: geo.ResolutionDistrict}}
}

func TestArchiveWritesGzipJSON(t *testing.T) {
	now := time.Date(2025, 6, 14, 21, 0, 0, 0, time.UTC)
	source := &fakeSource{obs: []tile.Observation{
		{Pos: geo.Point{Lat: 52.52, Lng: 13.405}, Vibe: "hype", UpdatedAt: now},
		{Pos: geo.Point{Lat: 52.52, Lng: 13.405}, Vibe: "chill", UpdatedAt: now},
	}}
	sink := &fakeSink{}

	svc := NewService(source, sink, testRegions(), tile.DefaultParams())
	svc.now = func() time.Time { return now }

	if err := svc.Archive(context.Background()); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if len(sink.objects) != 1 {
		t.Fatalf("expected one archived object, got %d", len(sink.objects))
	}

	for name, data := range sink.objects {
		if !strings.HasPrefix(name, "snapshots/berlin/") || !strings.HasSuffix(name, ".json.gz") {
			t.Errorf("unexpected object name %q", name)
		}

		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("archive is not gzip: %v", err)
		}
		var snap FieldSnapshot
		if err := json.NewDecoder(gz).Decode(&snap); err != nil {
			t.Fatalf("archive is not JSON: %v", err)
		}
		if snap.Region != "berlin" || len(snap.Tiles) != 1 {
			t.Errorf("unexpected snapshot content: %+v", snap)
		}
		if snap.Tiles[0].CrowdCount != 2 {
			t.Errorf("expected crowd of 2, got %d", snap.Tiles[0].CrowdCount)
		}
	}
}

func TestArchiveSkipsEmptyRegions(t *testing.T) {
	sink := &fakeSink{}
	svc := NewService(&fakeSource{}, sink, testRegions(), tile.DefaultParams())

	if err := svc.Archive(context.Background()); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if len(sink.objects) != 0 {
		t.Errorf("empty region should produce no object, got %d", len(sink.objects))
	}
}

func TestArchiveContainsNoIdentities(t *testing.T) {
	now := time.Now()
	source := &fakeSource{obs: []tile.Observation{
		{Pos: geo.Point{Lat: 52.52, Lng: 13.405}, Vibe: "hype", UpdatedAt: now},
	}}
	sink := &fakeSink{}
	svc := NewService(source, sink, testRegions(), tile.DefaultParams())

	if err := svc.Archive(context.Background()); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	for _, data := range sink.objects {
		gz, _ := gzip.NewReader(bytes.NewReader(data))
		var raw map[string]any
		if err := json.NewDecoder(gz).Decode(&raw); err != nil {
			t.Fatalf("decode archive: %v", err)
		}
		payload, _ := json.Marshal(raw)
		if strings.Contains(string(payload), "identity") {
			t.Error("archives must never carry identity fields")
		}
	}
}

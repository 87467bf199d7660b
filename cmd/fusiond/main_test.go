package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/roadside.fusion/internal/db"
	"github.com/banshee-data/roadside.fusion/internal/rpc"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l4tracks"
	"github.com/banshee-data/roadside.fusion/internal/version"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version.Version)
}

func TestMigrateCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fusion.db")

	out, err := run(t, "migrate", "version", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "schema version 0\n", out)

	out, err = run(t, "migrate", "up", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "schema version 2\n", out)

	out, err = run(t, "migrate", "down", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "schema version 1\n", out)

	out, err = run(t, "migrate", "force", "2", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "schema version 2\n", out)

	_, err = run(t, "migrate", "force", "two", "--db", path)
	assert.Error(t, err)
}

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "fusion.db")
	store, err := db.NewDB(dbPath)
	require.NoError(t, err)
	_, err = store.StartRun("test", nil)
	require.NoError(t, err)
	require.NoError(t, store.RecordRemovedTracks([]l4tracks.Snapshot{
		{ID: 1, Class: l1frames.ClassCar, CreatedAt: 1000, Timestamp: 2000, Devices: []l1frames.DeviceID{1}},
		{ID: 2, Class: l1frames.ClassBus, CreatedAt: 1200, Timestamp: 2400, Devices: []l1frames.DeviceID{2}},
	}))
	require.NoError(t, store.Close())

	out := filepath.Join(dir, "tracks.json.gz")
	msg, err := run(t, "export", "--db", dbPath, "--out", out, "--limit", "10")
	require.NoError(t, err)
	assert.Contains(t, msg, "exported 2 tracks")

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	var got []db.ExpiredTrack
	require.NoError(t, json.NewDecoder(gz).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].TrackID)

	_, err = run(t, "export", "--db", dbPath, "--out", "/proc/tracks.json")
	assert.ErrorContains(t, err, "invalid export path")
	_, err = run(t, "export", "--db", dbPath)
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("", false)
	require.NoError(t, err)
	assert.Nil(t, cfg.GateLateral)

	cfg, err = loadConfig(filepath.Join(t.TempDir(), "missing.json"), false)
	require.NoError(t, err, "a missing default config falls back to built-ins")
	assert.Equal(t, 2.5, cfg.GetGateLateral())

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.json"), true)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "fusion.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gate_lateral_m: 3.0\nassociation_policy: nearest\n"), 0o644))
	cfg, err = loadConfig(path, true)
	require.NoError(t, err)
	assert.Equal(t, 3.0, cfg.GetGateLateral())
	assert.Equal(t, "nearest", cfg.GetAssociationPolicy())
}

func TestDaemonServes(t *testing.T) {
	o := defaultServeOptions()
	o.configPath = ""
	o.listen = "127.0.0.1:0"
	o.grpcListen = "127.0.0.1:0"
	o.udpListen = "127.0.0.1:0"
	o.dbPath = filepath.Join(t.TempDir(), "fusion.db")
	o.statsInterval = time.Hour
	o.shutdownGrace = 200 * time.Millisecond

	d, err := newDaemon(o)
	require.NoError(t, err)
	defer d.Close()
	require.NotEmpty(t, d.db.RunID())
	require.NoError(t, d.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()

	frame := l1frames.Frame{DeviceID: 1, Timestamp: 1000, Detections: []l1frames.Detection{
		{LocalID: 1, Class: l1frames.ClassCar, Lat: 31.2842, Lon: 121.1710, SpeedKmh: 30},
	}}
	body, err := json.Marshal(frame)
	require.NoError(t, err)
	resp, err := http.Post("http://"+d.httpLis.Addr().String()+"/api/fusion/frames", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	client, err := rpc.NewClient(d.grpcLis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer client.Close()
	rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
	defer rcancel()
	frame.DeviceID, frame.Timestamp = 2, 1100
	res, err := client.IngestFrame(rctx, frame)
	require.NoError(t, err)
	require.Len(t, res.Tracks, 1)
	assert.Len(t, res.Tracks[0].Devices, 2)

	resp, err = http.Get("http://" + d.httpLis.Addr().String() + "/api/fusion/tracks")
	require.NoError(t, err)
	var tracks []l4tracks.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tracks))
	resp.Body.Close()
	assert.Len(t, tracks, 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestNewDaemonRejectsBadConfig(t *testing.T) {
	o := defaultServeOptions()
	o.configPath = filepath.Join(t.TempDir(), "fusion.toml")
	o.configExplicit = true
	o.dbPath = ""
	_, err := newDaemon(o)
	assert.Error(t, err)
}

package db

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l4tracks"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "fusion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_Migrates(t *testing.T) {
	db := newTestDB(t)
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	require.NoError(t, db.MigrateUp())
}

func TestOpenDB_LeavesSchemaAlone(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer db.Close()

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateUp())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestRecordRemovedTracks(t *testing.T) {
	db := newTestDB(t)

	err := db.RecordRemovedTracks([]l4tracks.Snapshot{{ID: 1}})
	assert.Error(t, err, "recording before a run starts must fail")

	run, err := db.StartRun("test", map[string]any{"gate_lateral_m": 2.5})
	require.NoError(t, err)
	assert.Equal(t, run, db.RunID())

	require.NoError(t, db.RecordRemovedTracks([]l4tracks.Snapshot{
		{ID: 1, Class: l1frames.ClassCar, CreatedAt: 1000, Timestamp: 2000, Lat: 30, Lon: 120, SpeedKmh: 36, Heading: 90, Observations: 4, Devices: []l1frames.DeviceID{1, 2}},
		{ID: 2, Class: l1frames.ClassPedestrian, CreatedAt: 1500, Timestamp: 3000, Lat: 30.1, Lon: 120.1, Observations: 1, Devices: []l1frames.DeviceID{3}},
	}))

	got, err := db.RecentRemovedTracks(10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].TrackID)
	assert.Equal(t, "pedestrian", got[0].Class)
	assert.Equal(t, []l1frames.DeviceID{1, 2}, got[1].Devices)
	assert.Equal(t, run, got[1].RunID)
	assert.Equal(t, 4, got[1].Observations)

	got, err = db.RecentRemovedTracks(1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestServeBackup(t *testing.T) {
	db := newTestDB(t)
	_, err := db.StartRun("test", nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	db.serveBackup(rec, httptest.NewRequest(http.MethodGet, "/debug/backup", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.AttachAdminRoutes(http.NewServeMux()))
}

func TestDevicesRoundTrip(t *testing.T) {
	devs := []l1frames.DeviceID{4, 17, 2}
	assert.Equal(t, devs, splitDevices(joinDevices(devs)))
	assert.Nil(t, splitDevices(""))
}

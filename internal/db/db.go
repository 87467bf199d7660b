// Package db persists fusion runs and the tracks they retire to sqlite, and
// exposes the database on the /debug/ admin surface.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/roadside.fusion/internal/monitoring"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l4tracks"
)

var logf = monitoring.Tagged("db")

type DB struct {
	*sql.DB

	mu    sync.Mutex
	runID string
}

// NewDB opens (creating if needed) the sqlite database at path and applies
// pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenDB opens the database without touching its schema. The migrate
// commands use it to inspect or roll back the schema version.
func OpenDB(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: sqlDB}, nil
}

// StartRun records a new fusion run and makes it the owner of subsequently
// recorded tracks.
func (db *DB) StartRun(version string, cfg any) (string, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal run config: %w", err)
	}
	id := uuid.NewString()
	if _, err := db.Exec(
		`INSERT INTO fusion_runs (run_id, version, config_json) VALUES (?, ?, ?)`,
		id, version, string(cfgJSON),
	); err != nil {
		return "", fmt.Errorf("insert fusion run: %w", err)
	}
	db.mu.Lock()
	db.runID = id
	db.mu.Unlock()
	logf("started fusion run %s", id)
	return id, nil
}

// RunID returns the current run, or "" before StartRun.
func (db *DB) RunID() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.runID
}

// RecordRemovedTracks stores expired track summaries under the current run.
func (db *DB) RecordRemovedTracks(removed []l4tracks.Snapshot) error {
	run := db.RunID()
	if run == "" {
		return fmt.Errorf("no fusion run started")
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO expired_tracks (
		run_id, track_id, class, created_ms, last_ms, lat, lon, speed_kmh,
		heading_deg, length, width, height, observations, devices
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range removed {
		if _, err := stmt.Exec(
			run, s.ID, int(s.Class), s.CreatedAt, s.Timestamp, s.Lat, s.Lon, s.SpeedKmh,
			s.Heading, s.Length, s.Width, s.Height, s.Observations, joinDevices(s.Devices),
		); err != nil {
			return fmt.Errorf("insert track %d: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

// ExpiredTrack is a stored track summary.
type ExpiredTrack struct {
	RunID        string              `json:"run_id"`
	TrackID      int64               `json:"track_id"`
	Class        string              `json:"class"`
	CreatedMs    int64               `json:"created_ms"`
	LastMs       int64               `json:"last_ms"`
	Lat          float64             `json:"lat"`
	Lon          float64             `json:"lon"`
	SpeedKmh     float64             `json:"speed_kmh"`
	Heading      float64             `json:"heading_deg"`
	Length       float64             `json:"length"`
	Width        float64             `json:"width"`
	Height       float64             `json:"height"`
	Observations int                 `json:"observations"`
	Devices      []l1frames.DeviceID `json:"devices"`
}

// RecentRemovedTracks returns up to limit expired tracks, newest first.
func (db *DB) RecentRemovedTracks(limit int) ([]ExpiredTrack, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT run_id, track_id, class, created_ms, last_ms, lat, lon,
		speed_kmh, heading_deg, length, width, height, observations, devices
		FROM expired_tracks ORDER BY last_ms DESC, track_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExpiredTrack
	for rows.Next() {
		var e ExpiredTrack
		var class int
		var devices string
		if err := rows.Scan(&e.RunID, &e.TrackID, &class, &e.CreatedMs, &e.LastMs, &e.Lat, &e.Lon,
			&e.SpeedKmh, &e.Heading, &e.Length, &e.Width, &e.Height, &e.Observations, &devices); err != nil {
			return nil, err
		}
		e.Class = l1frames.ObjectClass(class).String()
		e.Devices = splitDevices(devices)
		out = append(out, e)
	}
	return out, rows.Err()
}

func joinDevices(devs []l1frames.DeviceID) string {
	parts := make([]string, len(devs))
	for i, d := range devs {
		parts[i] = strconv.FormatInt(int64(d), 10)
	}
	return strings.Join(parts, ",")
}

func splitDevices(s string) []l1frames.DeviceID {
	if s == "" {
		return nil
	}
	var out []l1frames.DeviceID
	for _, p := range strings.Split(s, ",") {
		if v, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, l1frames.DeviceID(v))
		}
	}
	return out
}

// AttachAdminRoutes mounts live SQL and backup download under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://fusion.db", db.DB, &tailsql.DBOptions{
		Label: "Fusion DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := fmt.Sprintf("%s/fusion-backup-%d.db", os.TempDir(), time.Now().UnixNano())
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			logf("failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=fusion-backup-%d.db.gz", time.Now().Unix()))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		logf("backup stream aborted: %v", err)
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"github.com/banshee-data/roadside.fusion/internal/db"
	"github.com/banshee-data/roadside.fusion/internal/security"
)

func newExportCmd() *cobra.Command {
	var (
		dbPath string
		out    string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write recently expired tracks to a JSON file (gzipped when it ends in .gz)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			if err := security.ValidateExportPath(out); err != nil {
				return fmt.Errorf("invalid export path: %w", err)
			}
			d, err := db.NewDB(dbPath)
			if err != nil {
				return err
			}
			defer d.Close()

			tracks, err := d.RecentRemovedTracks(limit)
			if err != nil {
				return err
			}
			if err := writeExport(out, tracks); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d tracks to %s\n", len(tracks), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", defaultDBPath, "sqlite database path")
	cmd.Flags().StringVar(&out, "out", "", "output file")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum number of tracks, newest first")
	return cmd
}

func writeExport(path string, tracks []db.ExpiredTrack) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	var w io.Writer = f
	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(f)
		defer func() {
			if cerr := gz.Close(); err == nil {
				err = cerr
			}
		}()
		w = gz
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if tracks == nil {
		tracks = []db.ExpiredTrack{}
	}
	return enc.Encode(tracks)
}

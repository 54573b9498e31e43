package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/4xmen/goftogoo/internal/docstore"
	"github.com/4xmen/goftogoo/pkg/config"
)

// storageItem is one on-disk store. Missing items are reported, not fatal.
type storageItem struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
	Human string `json:"human"`
	Files int64  `json:"files"`
	Error string `json:"error,omitempty"`
}

type appStatus struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Environment string         `json:"environment"`
	Port        string         `json:"port"`
	Documents   map[string]int `json:"documents"`
	Ready       bool           `json:"metrics_ready"`
	Storage     []storageItem  `json:"storage"`
	Warnings    []string       `json:"warnings"`
}

func newStatusCmd(cfg func() *config.Config) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store sizes and document counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status := collectStatus(cmd.Context(), cfg())
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "print the status as JSON")
	return cmd
}

// collectStatus reads what it can and turns the rest into warnings. The kv
// store is measured on disk because a running server holds its lock.
func collectStatus(ctx context.Context, cfg *config.Config) appStatus {
	status := appStatus{
		GeneratedAt: time.Now(),
		Environment: cfg.Environment,
		Port:        cfg.Port,
		Documents:   map[string]int{},
		Warnings:    []string{},
		Storage: []storageItem{
			measure("database", cfg.DatabasePath),
			measure("database wal", cfg.DatabasePath+"-wal"),
			measure("kv store", cfg.KVPath),
			measure("uploads", cfg.FileStoragePath),
		},
	}
	for _, item := range status.Storage {
		// sqlite only keeps a wal while a connection is open
		if item.Error != "" && item.Name != "database wal" {
			status.Warnings = append(status.Warnings, item.Name+": "+item.Error)
		}
	}

	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		status.Warnings = append(status.Warnings, "documents unavailable: "+err.Error())
		return status
	}
	docs, err := docstore.Open(cfg.DatabasePath)
	if err != nil {
		status.Warnings = append(status.Warnings, "documents unavailable: "+err.Error())
		return status
	}
	defer docs.Close()

	counts, err := docs.Counts(ctx)
	if err != nil {
		status.Warnings = append(status.Warnings, "could not count documents: "+err.Error())
		return status
	}
	status.Documents, status.Ready = counts, true
	return status
}

// measure sums the regular files under path, which may be a single file.
func measure(name, path string) storageItem {
	item := storageItem{Name: name, Path: path}
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		item.Bytes += info.Size()
		item.Files++
		return nil
	})
	if err != nil {
		item.Bytes, item.Files, item.Error = 0, 0, err.Error()
	}
	item.Human = formatBytes(item.Bytes)
	return item
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	return t.Format(time.RFC3339)
}

func printStatus(out io.Writer, status appStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Goftogoo status at %s (%s, port %s)\n\n", formatTime(status.GeneratedAt), status.Environment, status.Port)

	fmt.Fprintln(w, "COLLECTION\tDOCUMENTS")
	if !status.Ready {
		fmt.Fprintln(w, "n/a\t-")
	}
	names := make([]string, 0, len(status.Documents))
	for name := range status.Documents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%d\n", name, status.Documents[name])
	}

	fmt.Fprintln(w, "\nSTORE\tSIZE\tFILES\tPATH")
	for _, item := range status.Storage {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", item.Name, item.Human, item.Files, item.Path)
	}

	for _, warning := range status.Warnings {
		fmt.Fprintf(w, "\nwarning: %s", warning)
	}
	if len(status.Warnings) > 0 {
		fmt.Fprintln(w)
	}
}

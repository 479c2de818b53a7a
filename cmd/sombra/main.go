// Command sombra is the diagnostics shell for a database file: integrity
// verification, the MVCC status report, and engine counters.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	sombra "github.com/sombra-db/sombra"
	"github.com/sombra-db/sombra/internal/admin"
	"github.com/sombra-db/sombra/internal/logging"
)

var (
	dbPath   string
	logLevel string
)

func openDB() (*sombra.DB, error) {
	opts := sombra.DefaultOptions()
	opts.Logger = logging.New(logging.Config{Level: logLevel, Pretty: true})
	opts.StartVacuum = false
	return sombra.Open(dbPath, opts)
}

func main() {
	root := &cobra.Command{
		Use:           "sombra",
		Short:         "sombra database diagnostics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "sombra.db", "database file path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Run the integrity sweep (page CRCs, meta, adjacency mirror)",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			report, err := admin.Verify(db.Store())
			if err != nil {
				return err
			}
			fmt.Printf("pages checked:   %d\n", report.PagesChecked)
			fmt.Printf("nodes visible:   %d\n", report.NodesSeen)
			fmt.Printf("edges visible:   %d\n", report.EdgesSeen)
			fmt.Printf("adjacency:       %d forward / %d reverse\n", report.AdjForward, report.AdjReverse)
			if report.Ok() {
				fmt.Println("ok")
				return nil
			}
			for _, p := range report.Problems {
				fmt.Printf("problem: %s\n", p)
			}
			return fmt.Errorf("%d problems found", len(report.Problems))
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the MVCC status report",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			st, err := admin.Status(db.Store())
			if err != nil {
				return err
			}
			fmt.Printf("latest commit:    %d\n", st.Commits.LatestCommitted)
			fmt.Printf("released up to:   %d\n", st.Commits.ReleasedUpTo)
			fmt.Printf("oldest visible:   %d\n", st.Commits.OldestVisible)
			fmt.Printf("pending commits:  %d\n", st.Commits.Pending)
			fmt.Printf("active readers:   %d\n", st.Commits.ActiveReaders)
			fmt.Printf("version log:      %d entries\n", st.VersionLogSize)
			fmt.Printf("version cache:    %d entries (%d hits, %d misses)\n",
				st.CacheEntries, st.CacheHits, st.CacheMisses)
			fmt.Printf("next node id:     %d\n", st.NextNodeID)
			fmt.Printf("next edge id:     %d\n", st.NextEdgeID)
			for _, sr := range st.Commits.SlowReaders {
				fmt.Printf("slow reader:      commit %d held %s (%d refs)\n", sr.Commit, sr.Held, sr.Refs)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print engine counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			s := db.Stats()
			fmt.Printf("commits:          %d\n", s.Pager.Commits)
			fmt.Printf("rollbacks:        %d\n", s.Pager.Rollbacks)
			fmt.Printf("checkpoints:      %d\n", s.Pager.Checkpoints)
			fmt.Printf("cache hits:       %d\n", s.Pager.CacheHits)
			fmt.Printf("cache misses:     %d\n", s.Pager.CacheMisses)
			fmt.Printf("evictions:        %d\n", s.Pager.Evictions)
			fmt.Printf("wal frames:       %d\n", s.Wal.FramesAppended)
			fmt.Printf("wal syncs:        %d\n", s.Wal.Syncs)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

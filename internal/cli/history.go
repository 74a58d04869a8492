package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/hdlrun/internal/config"
	"github.com/ChuLiYu/hdlrun/internal/history"
	"github.com/ChuLiYu/hdlrun/internal/storage/wal"
)

// buildHistoryCommand 檢視輸出目錄中的測試歷史
func buildHistoryCommand(f *flags) *cobra.Command {
	var showWAL bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the recorded test history used for scheduling",
		Long: `Print the last status, start time and duration of every test recorded in
the output path. With --wal the pending journal events of an unfinished run
are printed as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return showHistory(cmd.OutOrStdout(), cfg, showWAL)
		},
	}
	cmd.Flags().BoolVar(&showWAL, "wal", false, "also dump the history journal")
	return cmd
}

// showHistory 輸出歷史紀錄；輸出目錄不存在時不會建立
func showHistory(w io.Writer, cfg *config.Config, showWAL bool) error {
	if _, err := os.Stat(cfg.OutputPath); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(w, "No test history in %s\n", cfg.OutputPath)
		return nil
	}

	log := config.NewLogger(cfg.Log.Level, cfg.Log.Format, io.Discard)
	store, err := history.Open(cfg.OutputPath, history.WithLogger(log))
	if err != nil {
		return err
	}
	defer store.Close()

	names := store.Names()
	width := 0
	for _, name := range names {
		width = max(width, len(name))
	}
	for _, name := range names {
		rec, _ := store.Lookup(name)
		fmt.Fprintf(w, "%-*s %-7s %8.1fs  %s\n", width, name, rec.Status,
			rec.TotalTime.Seconds(), rec.StartTime.Local().Format(time.DateTime))
	}
	fmt.Fprintf(w, "%d tests in history", len(names))
	if n := store.Recovered(); n > 0 {
		fmt.Fprintf(w, ", %d recovered from an unfinished run", n)
	}
	fmt.Fprintln(w)

	if !showWAL {
		return nil
	}

	stats, err := wal.GetWALStats(store.JournalPath())
	if err != nil {
		return fmt.Errorf("failed to read history journal: %w", err)
	}
	fmt.Fprintf(w, "\nJournal %s: %d events", store.JournalPath(), stats.TotalEvents)
	types := make([]string, 0, len(stats.EventTypes))
	for t := range stats.EventTypes {
		types = append(types, string(t))
	}
	slices.Sort(types)
	for _, t := range types {
		fmt.Fprintf(w, ", %s=%d", t, stats.EventTypes[wal.EventType(t)])
	}
	if stats.CorruptedCount > 0 {
		fmt.Fprintf(w, ", %d corrupted", stats.CorruptedCount)
	}
	fmt.Fprintln(w)
	if err := wal.ValidateWAL(store.JournalPath()); err != nil {
		fmt.Fprintf(w, "Journal problems: %v\n", err)
	}
	return wal.DumpWAL(store.JournalPath(), w)
}

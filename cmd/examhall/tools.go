package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/pavelanni/examhall/internal/handler"
	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/scoring"
	"github.com/pavelanni/examhall/internal/store"
	"github.com/pavelanni/examhall/internal/sweeper"
)

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the timeout sweeper once, or on its schedule with --watch",
		RunE:  runSweep,
	}
	commonFlags(cmd)
	graderFlags(cmd)
	cmd.Flags().Bool("watch", false, "Keep running on the sweep schedule until interrupted")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print exam statistics as JSON",
		RunE:  runStats,
	}
	commonFlags(cmd)
	cmd.Flags().Int64("exam-id", 0, "Exam ID (required)")
	cmd.Flags().Int64("student-id", 0, "Also print this student's rank")
	_ = cmd.MarkFlagRequired("exam-id")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export exam results as JSON",
		RunE:  runExport,
	}
	commonFlags(cmd)
	f := cmd.Flags()
	f.Int64("exam-id", 0, "Exam ID (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	_ = cmd.MarkFlagRequired("exam-id")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import ROSTER.json...",
		Short: "Import courses, classrooms, teachers and students",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	commonFlags(cmd)
	cmd.Flags().Bool("force", false, "Re-import files whose content has not changed")
	return cmd
}

func hashKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-key [KEY]",
		Short: "Print the bcrypt hash of an instructor API key (reads stdin without KEY)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHashKey,
	}
	return cmd
}

func runSweep(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	grader, err := newGrader(ctx, v)
	if err != nil {
		return err
	}
	sw := newSweeper(db, scoring.New(db, grader, clockwork.NewRealClock()), v)

	if v.GetBool("watch") {
		ctx, stop := signalContext(ctx)
		defer stop()
		return sw.Run(ctx, sweeper.NewCron())
	}
	res, err := sw.Sweep(ctx)
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, res)
}

func runStats(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	agg := scoring.New(db, nil, nil)
	examID := v.GetInt64("exam-id")
	stats, err := agg.Statistics(ctx, examID)
	if err != nil {
		return err
	}
	out := struct {
		model.ExamStatistics
		StudentID int64 `json:"student_id,omitempty"`
		Rank      int   `json:"rank,omitempty"`
	}{ExamStatistics: stats}
	if studentID := v.GetInt64("student-id"); studentID > 0 {
		rank, err := agg.StudentRank(ctx, examID, studentID)
		if err != nil {
			return err
		}
		out.StudentID, out.Rank = studentID, rank
	}
	return writeJSON(os.Stdout, out)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	export, err := scoring.New(db, nil, nil).Export(cmd.Context(), v.GetInt64("exam-id"))
	if err != nil {
		return fmt.Errorf("export exam: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := writeJSON(w, export); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info("exported results", "exam_id", export.Exam.ID, "results", len(export.Results), "output", outPath)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	return importRosters(cmd.Context(), db, args, v.GetBool("force"))
}

// importRosters applies roster files. A file whose hash matches the last
// import is skipped; a changed file is re-applied since roster rows upsert.
func importRosters(ctx context.Context, db *store.Store, paths []string, force bool) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(ctx, path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash && !force {
			slog.Info("roster file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" && storedHash != hash {
			slog.Info("roster file changed since last import, re-applying", "path", path)
		}

		var roster model.Roster
		if err := json.Unmarshal(data, &roster); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := db.ImportRoster(ctx, roster); err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		if err := db.SetImportedFileHash(ctx, path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported roster", "path", path,
			"courses", len(roster.Courses), "classrooms", len(roster.Classrooms),
			"teachers", len(roster.Teachers), "students", len(roster.Students))
	}
	return nil
}

func runHashKey(cmd *cobra.Command, args []string) error {
	var key string
	if len(args) == 1 {
		key = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("read key: %w", err)
		}
		key = strings.TrimSpace(line)
	}
	if key == "" {
		return fmt.Errorf("empty API key")
	}
	hash, err := handler.HashAPIKey(key)
	if err != nil {
		return fmt.Errorf("hash API key: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

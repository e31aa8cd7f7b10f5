package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gradesync/backend/internal/reconcile"
)

var (
	doit      bool
	pageSize  int
	cursor    string
	singleRun bool
)

func init() {
	rootCmd.AddCommand(importCmd, syncCmd, namespaceCmd, countCmd, deleteAllCmd, assignCmd)

	deleteAllCmd.Flags().BoolVar(&doit, "doit", false, "confirm deletion of every grade and activity")
	deleteAllCmd.Flags().IntVar(&pageSize, "page-size", 0, "documents per page (default 1000, max 2000)")
	deleteAllCmd.Flags().StringVar(&cursor, "cursor", "", "resume from a cursor returned by a previous run")
	deleteAllCmd.Flags().BoolVar(&singleRun, "once", false, "process a single page and print the next cursor")
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import a grade CSV",
	Long: `Import a grade CSV into a year namespace. Rows are resolved to stable
identifiers, written to the remote store in ordered batches and mirrored into
the cache after every committed batch.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()

		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		summary, err := s.engine.Import(cmd.Context(), reconcile.ImportRequest{Year: year, Source: f, Filename: filepath.Base(args[0])})
		if err != nil {
			return err
		}
		if err := printJSON(cmd, summary); err != nil {
			return err
		}
		if summary.Status == reconcile.StatusFailed {
			return errors.New("import failed")
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Rebuild the cached namespace from the remote store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		summary, err := s.engine.Sync(cmd.Context(), year)
		if err != nil {
			return err
		}
		return printJSON(cmd, summary)
	},
}

var namespaceCmd = &cobra.Command{
	Use:   "namespace",
	Short: "Switch the active year namespace",
	Long: `Switch the active year namespace. The previously active namespace is
dropped from the cache before the new one is synced.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if year == 0 {
			return errors.New("--year is required")
		}
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		summary, err := s.engine.SwitchNamespace(cmd.Context(), year)
		if err != nil {
			return err
		}
		return printJSON(cmd, summary)
	},
}

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Count grades overall and in a namespace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		counters, err := s.engine.Counters(cmd.Context(), year)
		if err != nil {
			return err
		}
		return printJSON(cmd, counters)
	},
}

var deleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Delete every grade, then every activity",
	Long: `Delete every grade, then every activity, page by page. Each page must
lower the remaining count or the run stops. Without --once the command keeps
re-invoking pages until nothing is left.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !doit {
			return errors.New("refusing to delete without --doit")
		}
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		paged := true
		next := cursor
		var grades, activities int64
		for {
			res, err := s.engine.DeleteAll(cmd.Context(), reconcile.DeleteRequest{
				Confirm:  reconcile.ConfirmToken,
				Paged:    &paged,
				PageSize: pageSize,
				Cursor:   next,
			})
			if err != nil {
				if next != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "resume with --cursor %q\n", next)
				}
				return err
			}
			grades += res.Deleted
			activities += res.ActivitiesDeleted
			s.log.Info("Delete page done",
				zap.Int64("grades", res.Deleted),
				zap.Int64("activities", res.ActivitiesDeleted),
				zap.String("next_cursor", res.NextCursor))

			if !res.More || singleRun {
				return printJSON(cmd, map[string]interface{}{
					"deleted":           grades,
					"activitiesDeleted": activities,
					"more":              res.More,
					"nextCursor":        res.NextCursor,
				})
			}
			next = res.NextCursor
		}
	},
}

var assignCmd = &cobra.Command{
	Use:   "assign STUDENT_ID COURSE_ID SECTION_ID",
	Short: "Move a student to a section",
	Long: `Move a student to a section of a course. The previous placement is kept
in the assignment history, so a mistaken move is undone by assigning back.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		result, err := s.engine.Assign(cmd.Context(), year, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

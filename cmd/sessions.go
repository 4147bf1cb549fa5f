package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facemesh/internal/utils"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded graph runs",
	Run: func(cmd *cobra.Command, args []string) {
		runSessions(cmd)
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command) {
	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		utils.Die("Failed to open recorder", err, nil)
	}

	sessions, err := db.ListSessions(ctx)
	if err != nil {
		utils.Die("Failed to list sessions", err, nil)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tGRAPH\tVIDEO\tFRAMES\tFACES\tSTARTED")
	fmt.Fprintln(w, "-------\t-----\t-----\t------\t-----\t-------")

	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", s.ID, s.Graph, s.Path, s.Frames, s.Faces, s.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

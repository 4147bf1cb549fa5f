package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/facemesh/internal/utils"
	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all recorded sessions",
	Run: func(cmd *cobra.Command, args []string) {
		reader := bufio.NewReader(os.Stdin)
		if !resetYes && !confirm(reader, "⚠️  Are you sure you want to DROP all recorded sessions?") {
			fmt.Println("Aborted.")
			return
		}

		db, err := openDB(cmd.Context())
		if err != nil {
			utils.Die("Failed to open recorder", err, nil)
		}

		fmt.Println("🗑️  Clearing Database...")
		if err := db.Reset(cmd.Context()); err != nil {
			utils.Die("Failed to reset database", err, nil)
		}
		fmt.Println("✨ Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

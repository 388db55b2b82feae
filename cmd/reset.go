package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facetrace/internal/utils"
)

var (
	resetDB      bool
	resetOutputs bool
	resetUploads bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (run history, processed videos, uploads)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetOutputs && !resetUploads {
			resetDB = true
			resetOutputs = true
			resetUploads = true
		}

		reader := bufio.NewReader(os.Stdin)

		// Output paths live in the database, so collect them before dropping it.
		var outputs []string
		if resetDB || resetOutputs {
			if err := openDB(cmd.Context(), false); err != nil {
				return err
			}
			if DB != nil {
				var err error
				if outputs, err = DB.OutputPaths(cmd.Context()); err != nil {
					Log.Warning("Could not list processed videos: %v", err)
				}
			}
		}

		if resetOutputs && len(outputs) > 0 {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete %d processed video(s)?", len(outputs))) {
				fmt.Println("🗑️  Clearing Processed Videos...")
				for _, path := range outputs {
					removeFile(path)
				}
			}
		}

		if resetDB && DB != nil {
			if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetUploads {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete everything in %s?", Cfg.Server.UploadDir)) {
				fmt.Println("🗑️  Clearing Uploads...")
				removeDir(Cfg.Server.UploadDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "history", false, "Drop the run history tables")
	resetCmd.Flags().BoolVar(&resetOutputs, "outputs", false, "Delete processed videos recorded in the history")
	resetCmd.Flags().BoolVar(&resetUploads, "uploads", false, "Delete the upload directory")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andresmejia3/facetrace/internal/config"
	"github.com/andresmejia3/facetrace/internal/pipeline"
	"github.com/andresmejia3/facetrace/internal/store"
	"github.com/andresmejia3/facetrace/internal/types"
	"github.com/andresmejia3/facetrace/internal/utils"
	"github.com/andresmejia3/facetrace/internal/video"
)

// findOptions holds the flags of the find command.
type findOptions struct {
	InputPath   string
	PhotoPath   string
	OutputDir   string
	InputFormat string
	Backend     string
	Workers     int
	Threshold   float64
	DetectOnly  bool
	JSON        bool
}

var findOpts findOptions

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Mark every frame of a video in which the person from a photo appears",
	Long: `Scans a video (file, URL or capture device) frame by frame, verifies every
detected face against the reference photo and writes an annotated copy
named <video>_processed.<ext>. With --detect-only no photo is needed and
only the number of frames containing a face is reported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateFindFlags(&findOpts); err != nil {
			return err
		}
		if err := applyFindFlags(Cfg, cmd.Flags(), findOpts); err != nil {
			return err
		}
		return runFind(cmd.Context(), findOpts)
	},
}

func init() {
	findCmd.Flags().StringVarP(&findOpts.InputPath, "input", "i", "", "Path or URL of the video (or a capture device with --input-format)")
	findCmd.Flags().StringVarP(&findOpts.PhotoPath, "photo", "p", "", "Reference photo (jpg, jpeg, png)")
	findCmd.Flags().StringVarP(&findOpts.OutputDir, "output", "o", "", "Directory for the processed video (default: next to the input)")
	findCmd.Flags().StringVar(&findOpts.InputFormat, "input-format", "", "Force the ffmpeg demuxer, e.g. v4l2 for /dev/video0")
	findCmd.Flags().StringVarP(&findOpts.Backend, "backend", "b", "", "Verification backend: deepface or dlib (default from config)")
	findCmd.Flags().IntVarP(&findOpts.Workers, "workers", "w", 0, "Number of DeepFace worker processes (default from config)")
	findCmd.Flags().Float64VarP(&findOpts.Threshold, "threshold", "t", 0, "dlib match threshold, lower is stricter (default from config)")
	findCmd.Flags().BoolVar(&findOpts.DetectOnly, "detect-only", false, "Only count frames containing a face; no photo, no output video")
	findCmd.Flags().BoolVar(&findOpts.JSON, "json", false, "Print the result as JSON")

	findCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(findCmd)
}

// isStream reports whether input names something other than a local file.
func isStream(input, inputFormat string) bool {
	return inputFormat != "" || strings.Contains(input, "://")
}

// validateFindFlags ensures all CLI arguments are valid before starting heavy processes.
func validateFindFlags(opts *findOptions) error {
	if opts.InputPath == "" {
		return fmt.Errorf("--input is required")
	}
	if !isStream(opts.InputPath, opts.InputFormat) {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("input file does not exist: %s", opts.InputPath)
			}
			return fmt.Errorf("unable to access input file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path is a directory, expected a video file")
		}
	}

	if opts.DetectOnly {
		return nil
	}
	if opts.PhotoPath == "" {
		return fmt.Errorf("--photo is required unless --detect-only is set")
	}
	if _, err := os.Stat(opts.PhotoPath); err != nil {
		return fmt.Errorf("reference photo: %w", err)
	}
	if opts.OutputDir != "" {
		if info, err := os.Stat(opts.OutputDir); err != nil || !info.IsDir() {
			return fmt.Errorf("output directory does not exist: %s", opts.OutputDir)
		}
	}
	return nil
}

// applyFindFlags copies explicitly set flags over the loaded configuration.
func applyFindFlags(cfg *config.Config, flags *pflag.FlagSet, opts findOptions) error {
	if flags.Changed("backend") {
		cfg.Backend = opts.Backend
	}
	if flags.Changed("workers") {
		cfg.Workers = opts.Workers
	}
	if flags.Changed("threshold") {
		cfg.Dlib.Threshold = opts.Threshold
	}
	return cfg.Validate()
}

func runFind(ctx context.Context, opts findOptions) error {
	vopts := videoOptions(Cfg, opts.InputFormat)

	// Total frames for the progress bar; unknown for live sources.
	total := -1
	if info, err := video.Probe(ctx, opts.InputPath, vopts); err == nil && info.TotalFrames > 0 {
		total = info.TotalFrames
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 Scanning frames"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	eng, err := newEngine(ctx, Cfg, Log, engineOptions{
		Video:      vopts,
		OutputDir:  opts.OutputDir,
		DetectOnly: opts.DetectOnly,
		OnFrame:    func(int) { bar.Add(1) },
	})
	if err != nil {
		utils.ShowError("Failed to start engine", err, nil)
		return err
	}
	defer eng.Close()

	if opts.DetectOnly {
		summary, err := eng.Analyze(ctx, opts.InputPath)
		bar.Finish()
		if err != nil {
			utils.ShowError("Analysis failed", err, nil)
			return err
		}
		return printSummary(summary, opts.JSON)
	}

	if err := openDB(ctx, false); err != nil {
		// History is optional; a broken database must not block the scan.
		Log.Warning("Run history disabled: %v", err)
	}

	started := time.Now()
	record, err := eng.Process(ctx, opts.InputPath, opts.PhotoPath)
	bar.Finish()
	if err != nil {
		utils.ShowError(describeFailure(err), err, nil)
		return err
	}

	if DB != nil {
		if err := saveCLIRun(ctx, opts, record, started); err != nil {
			Log.Warning("Failed to save run history: %v", err)
		}
	}
	return printRecord(record, opts.JSON)
}

// describeFailure names the failed precondition for the error box.
func describeFailure(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrInvalidReferenceFace):
		return "No valid face found in the reference photo"
	case errors.Is(err, pipeline.ErrUnreadableStream):
		return "Could not read the input video"
	case errors.Is(err, pipeline.ErrWriteFailure):
		return "Could not create the output video"
	case errors.Is(err, context.Canceled):
		return "Interrupted, partial output removed"
	}
	return "Processing failed"
}

func saveCLIRun(ctx context.Context, opts findOptions, record *types.MatchRecord, started time.Time) error {
	photo, err := os.ReadFile(opts.PhotoPath)
	if err != nil {
		return err
	}
	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		// Streams have nothing to stat; identify them by name.
		videoID = utils.HashBytes([]byte(opts.InputPath))
	}
	return DB.SaveRun(ctx, store.Run{
		ID:            uuid.NewString(),
		VideoID:       videoID,
		VideoPath:     opts.InputPath,
		ReferenceID:   utils.HashBytes(photo),
		ReferencePath: opts.PhotoPath,
		Origin:        "cli",
		Record:        *record,
		StartedAt:     started,
		FinishedAt:    time.Now(),
	})
}

func printRecord(record *types.MatchRecord, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Done. %d of %d frames matched.\n", len(record.MatchedFrames), record.TotalFrames)
	fmt.Fprintf(os.Stderr, "📼 Output: %s\n", record.ProcessedVideoPath)
	if len(record.MatchedFrames) == 0 {
		fmt.Println("❌ The person was not found in the video.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FRAME\tTIMESTAMP")
	fmt.Fprintln(w, "-----\t---------")
	for i, frame := range record.MatchedFrames {
		fmt.Fprintf(w, "%d\t%s\n", frame, record.MatchedTimestamps[i])
	}
	return w.Flush()
}

func printSummary(summary *types.PresenceSummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	fmt.Printf("👤 Faces present in %d of %d frames.\n", summary.SubjectCount, summary.TotalCount)
	return nil
}

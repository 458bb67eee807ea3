package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/trella/pod-capture/internal/logging"
	"github.com/trella/pod-capture/internal/photometa"
	"github.com/trella/pod-capture/internal/quality"
	"github.com/trella/pod-capture/internal/store"
)

// errGateFailed makes main exit with status 2 under --strict.
var errGateFailed = errors.New("quality gate failed")

// CLI flags
var (
	jsonFlag   bool
	strictFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "pod-check FILE...",
	Short: "Run the POD quality gate on image files",
	Long: `pod-check runs the same quality gate the capture API uses and prints
the verdict for each file: pass/fail, reason codes, and the five scores.

Examples:
  pod-check photo.jpg
  pod-check --json samples/*.jpg
  pod-check --strict delivery.png   # exit 2 when any file fails`,
	Args:         cobra.MinimumNArgs(1),
	RunE:         runMain,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print one JSON object per file")
	rootCmd.Flags().BoolVar(&strictFlag, "strict", false, "Exit with status 2 if any file fails the gate")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errGateFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type fileResult struct {
	File    string          `json:"file"`
	Verdict quality.Verdict `json:"verdict"`
	Capture *store.Capture  `json:"capture,omitempty"`
	Elapsed string          `json:"elapsed"`
}

func runMain(cmd *cobra.Command, args []string) error {
	logging.Init()
	analyzer := quality.NewAnalyzer(quality.DefaultThresholds())

	failed := 0
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("Failed to read file")
			failed++
			continue
		}

		start := time.Now()
		res := fileResult{
			File:    path,
			Verdict: analyzer.Analyze(data),
			Capture: photometa.ExtractOrNil(data),
		}
		res.Elapsed = time.Since(start).Round(time.Millisecond).String()
		if !res.Verdict.Passed {
			failed++
		}

		if jsonFlag {
			if err := enc.Encode(res); err != nil {
				return err
			}
			continue
		}
		printResult(cmd, res)
	}

	if strictFlag && failed > 0 {
		return fmt.Errorf("%w: %d of %d files", errGateFailed, failed, len(args))
	}
	return nil
}

func printResult(cmd *cobra.Command, res fileResult) {
	w := cmd.OutOrStdout()
	status := "PASS"
	if !res.Verdict.Passed {
		reasons := make([]string, len(res.Verdict.Reasons))
		for i, r := range res.Verdict.Reasons {
			reasons[i] = string(r)
		}
		status = "FAIL (" + strings.Join(reasons, ", ") + ")"
	}
	fmt.Fprintf(w, "%s: %s [%s]\n", res.File, status, res.Elapsed)
	for _, key := range []string{
		quality.ScoreResolution,
		quality.ScoreSharpness,
		quality.ScoreBrightness,
		quality.ScoreEdgeRatio,
		quality.ScoreBlurryRegions,
	} {
		if v, ok := res.Verdict.Scores[key]; ok {
			fmt.Fprintf(w, "  %-15s %v\n", key, v)
		}
	}
	if c := res.Capture; c != nil && c.TakenAt != nil {
		fmt.Fprintf(w, "  %-15s %s\n", "taken_at", c.TakenAt.Format(time.RFC3339))
	}
}

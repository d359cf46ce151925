package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database/mariadb"
	"github.com/kozaktomas/face-attendance/internal/extract"
	"github.com/kozaktomas/face-attendance/internal/facematch"
)

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Match a descriptor or photo against the gallery",
	Long: `Match a face against the enrolled gallery without recording attendance.

Examples:
  # Identify the most confident face in a photo
  face-attendance identify --image visitor.jpg

  # Identify a raw descriptor and show the five nearest identities
  face-attendance identify --descriptor '[0.12, -0.03, ...]' --candidates 5`,
	RunE: runIdentify,
}

func init() {
	rootCmd.AddCommand(identifyCmd)

	identifyCmd.Flags().String("descriptor", "", "Descriptor as a JSON array")
	identifyCmd.Flags().String("image", "", "Photo to extract the descriptor from")
	identifyCmd.Flags().Float64("threshold", 0, "Maximum match distance (defaults to MATCH_THRESHOLD)")
	identifyCmd.Flags().Int("candidates", 0, "Also list the N nearest identities")
	identifyCmd.Flags().Bool("json", false, "Output as JSON")
}

// IdentifyResult is the output of the identify command.
type IdentifyResult struct {
	facematch.MatchResult
	DisplayName string                `json:"display_name,omitempty"`
	Candidates  []facematch.Candidate `json:"candidates,omitempty"`
}

func runIdentify(cmd *cobra.Command, args []string) error {
	raw := mustGetString(cmd, "descriptor")
	image := mustGetString(cmd, "image")
	threshold := mustGetFloat64(cmd, "threshold")
	candidates := mustGetInt(cmd, "candidates")
	jsonOutput := mustGetBool(cmd, "json")

	if (raw == "") == (image == "") {
		return errors.New("exactly one of --descriptor or --image is required")
	}

	ctx := context.Background()
	cfg := config.Load()
	if threshold <= 0 {
		threshold = cfg.Matching.Threshold
	}

	var probe []float32
	if raw != "" {
		descriptors, err := mariadb.ParseDescriptors(raw)
		if err != nil {
			return fmt.Errorf("invalid descriptor: %w", err)
		}
		if len(descriptors) != 1 {
			return errors.New("--descriptor must hold exactly one descriptor")
		}
		probe = descriptors[0]
	} else {
		extractor := extract.NewClient(cfg.Extractor.URL, cfg.Extractor.Timeout)
		var err error
		if probe, err = extractFromFile(ctx, extractor, image); err != nil {
			return err
		}
	}

	svc, err := openServices(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	match, err := svc.matcher.Identify(probe, threshold)
	if err != nil {
		return fmt.Errorf("failed to identify: %w", err)
	}
	result := IdentifyResult{MatchResult: match}
	if match.Matched {
		if identity, ok := svc.store.Get(match.IdentityID); ok {
			result.DisplayName = identity.DisplayName
		}
	}
	if candidates > 0 {
		if result.Candidates, err = svc.matcher.Nearest(probe, candidates); err != nil {
			return fmt.Errorf("failed to rank candidates: %w", err)
		}
	}

	if jsonOutput {
		return outputJSON(result)
	}

	if result.Matched {
		fmt.Printf("Match: %s (%s)\n", result.DisplayName, result.IdentityID)
		fmt.Printf("  Distance:   %.4f\n", result.Distance)
		fmt.Printf("  Confidence: %.1f%%\n", result.Confidence*100)
	} else {
		fmt.Printf("No match within threshold %.2f", threshold)
		if result.Distance > 0 {
			fmt.Printf(" (nearest distance %.4f)", result.Distance)
		}
		fmt.Println()
	}
	for i, c := range result.Candidates {
		identity, _ := svc.store.Get(c.IdentityID)
		fmt.Printf("  %d. %-30s %.4f\n", i+1, identity.DisplayName, c.Distance)
	}
	return nil
}

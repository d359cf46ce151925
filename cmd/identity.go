package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mariadb"
	"github.com/kozaktomas/face-attendance/internal/extract"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/gallery"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage enrolled identities",
}

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled identities",
	Long: `List enrolled identities.

Examples:
  # Active identities whose name contains "novak" (diacritics are ignored)
  face-attendance identity list --query novak

  # Every identity, including deactivated ones, as JSON
  face-attendance identity list --all --json`,
	RunE: runIdentityList,
}

var identityEnrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll a new identity or replace an existing one",
	Long: `Enroll an identity from descriptors or photos.

Descriptors are read from a JSON file holding one descriptor ([0.1, ...]) or a
list of them ([[...], [...]]). Photos are sent to the embedding service and the
most confident face of each becomes a reference descriptor.

Examples:
  face-attendance identity enroll --name "Jana Nováková" --descriptors jana.json
  face-attendance identity enroll --id E042 --name "Petr Svoboda" --image a.jpg --image b.jpg \
      --meta department=Sales --meta position=Manager`,
	RunE: runIdentityEnroll,
}

var identityRemoveCmd = &cobra.Command{
	Use:   "remove <identity-id>",
	Short: "Delete an identity and its descriptors",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentityRemove,
}

var identityActivateCmd = &cobra.Command{
	Use:   "activate <identity-id>",
	Short: "Include an identity in matching",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIdentitySetActive(args[0], true)
	},
}

var identityDeactivateCmd = &cobra.Command{
	Use:   "deactivate <identity-id>",
	Short: "Exclude an identity from matching without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIdentitySetActive(args[0], false)
	},
}

func init() {
	rootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(identityListCmd, identityEnrollCmd, identityRemoveCmd, identityActivateCmd, identityDeactivateCmd)

	identityListCmd.Flags().String("query", "", "Filter by display name")
	identityListCmd.Flags().Bool("all", false, "Include inactive identities")
	identityListCmd.Flags().Bool("json", false, "Output as JSON")

	identityEnrollCmd.Flags().String("id", "", "Identity ID (generated when empty)")
	identityEnrollCmd.Flags().String("name", "", "Display name (required)")
	identityEnrollCmd.Flags().String("descriptors", "", "JSON file with one or more descriptors")
	identityEnrollCmd.Flags().StringArray("image", nil, "Photo to extract a descriptor from (repeatable)")
	identityEnrollCmd.Flags().StringSlice("meta", nil, "Metadata as key=value (repeatable)")
	identityEnrollCmd.Flags().Bool("json", false, "Output as JSON")
}

// IdentitySummary is the CLI view of an identity.
type IdentitySummary struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Active      bool              `json:"active"`
	Descriptors int               `json:"descriptor_count"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func summarizeIdentity(identity database.Identity) IdentitySummary {
	return IdentitySummary{
		ID:          identity.ID,
		DisplayName: identity.DisplayName,
		Active:      identity.Active,
		Descriptors: len(identity.Descriptors),
		Metadata:    identity.Metadata,
	}
}

func runIdentityList(cmd *cobra.Command, args []string) error {
	query := mustGetString(cmd, "query")
	all := mustGetBool(cmd, "all")
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	svc, err := openServices(ctx, config.Load(), nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	identities := svc.store.Identities()
	if all {
		if identities, err = svc.identities.List(ctx); err != nil {
			return fmt.Errorf("failed to list identities: %w", err)
		}
	}

	result := make([]IdentitySummary, 0, len(identities))
	for _, identity := range identities {
		if query != "" && !facematch.NameMatches(identity.DisplayName, query) {
			continue
		}
		result = append(result, summarizeIdentity(identity))
	}

	if jsonOutput {
		return outputJSON(result)
	}
	if len(result) == 0 {
		fmt.Println("No identities found.")
		return nil
	}
	for _, s := range result {
		state := ""
		if !s.Active {
			state = " (inactive)"
		}
		fmt.Printf("%-36s  %-30s  %d descriptor(s)%s\n", s.ID, s.DisplayName, s.Descriptors, state)
	}
	fmt.Printf("\n%d identities\n", len(result))
	return nil
}

func runIdentityEnroll(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(mustGetString(cmd, "name"))
	if name == "" {
		return errors.New("--name is required")
	}
	jsonOutput := mustGetBool(cmd, "json")

	metadata, err := parseMetadata(mustGetStringSlice(cmd, "meta"))
	if err != nil {
		return err
	}

	ctx := context.Background()
	cfg := config.Load()

	descriptors, err := readDescriptorFile(mustGetString(cmd, "descriptors"))
	if err != nil {
		return err
	}
	if images := mustGetStringArray(cmd, "image"); len(images) > 0 {
		extractor := extract.NewClient(cfg.Extractor.URL, cfg.Extractor.Timeout)
		for _, path := range images {
			descriptor, err := extractFromFile(ctx, extractor, path)
			if err != nil {
				return err
			}
			descriptors = append(descriptors, descriptor)
		}
	}
	if len(descriptors) == 0 {
		return errors.New("at least one descriptor is required (--descriptors or --image)")
	}

	svc, err := openServices(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.enroller.Enroll(ctx, database.Identity{
		ID:          mustGetString(cmd, "id"),
		DisplayName: name,
		Descriptors: descriptors,
		Metadata:    metadata,
		Active:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to enroll identity: %w", err)
	}

	if jsonOutput {
		return outputJSON(struct {
			IdentitySummary
			PossibleDuplicates []gallery.Neighbor `json:"possible_duplicates,omitempty"`
		}{summarizeIdentity(result.Identity), result.PossibleDuplicates})
	}

	fmt.Printf("Enrolled %s (%s) with %d descriptor(s)\n", result.Identity.DisplayName, result.Identity.ID, len(result.Identity.Descriptors))
	for _, dup := range result.PossibleDuplicates {
		other, _ := svc.store.Get(dup.IdentityID)
		fmt.Printf("  Warning: close to %s (%s), distance %.3f\n", other.DisplayName, dup.IdentityID, dup.Distance)
	}
	return nil
}

func runIdentityRemove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx, config.Load(), nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.enroller.Remove(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to remove identity: %w", err)
	}
	fmt.Printf("Removed identity %s\n", args[0])
	return nil
}

func runIdentitySetActive(id string, active bool) error {
	ctx := context.Background()
	svc, err := openServices(ctx, config.Load(), nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.enroller.SetActive(ctx, id, active); err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}
	if active {
		fmt.Printf("Activated identity %s\n", id)
	} else {
		fmt.Printf("Deactivated identity %s\n", id)
	}
	return nil
}

// parseMetadata turns key=value pairs into a metadata map.
func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", pair)
		}
		meta[key] = strings.TrimSpace(value)
	}
	return meta, nil
}

// readDescriptorFile loads descriptors from a JSON file. An empty path yields none.
func readDescriptorFile(path string) ([][]float32, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptors: %w", err)
	}
	descriptors, err := mariadb.ParseDescriptors(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return descriptors, nil
}

// extractFromFile sends a photo to the embedding service.
func extractFromFile(ctx context.Context, extractor *extract.Client, path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	descriptor, err := extractor.Extract(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to extract descriptor from %s: %w", path, err)
	}
	if descriptor == nil {
		return nil, fmt.Errorf("no face found in %s", path)
	}
	return descriptor, nil
}

package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grainhound/graind/internal/catalog"
	"github.com/grainhound/graind/internal/config"
)

var (
	grainSetSource      string
	grainSetConfirmedBy string
)

var grainCmd = &cobra.Command{
	Use:     "grain",
	Short:   "Manage primary-key overrides",
	GroupID: groupSetup,
}

var grainSetCmd = &cobra.Command{
	Use:   "set <schema.table> <col[,col...]>",
	Short: "Record a manual primary key for an asset",
	Args:  cobra.ExactArgs(2),
	RunE:  runGrainSet,
}

var grainNoPKCmd = &cobra.Command{
	Use:   "no-pk <schema.table>",
	Short: "Mark an asset as having no natural primary key",
	Args:  cobra.ExactArgs(1),
	RunE:  runGrainNoPK,
}

var grainReportSchema string

var grainReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report grain discovery coverage",
	RunE:  runGrainReport,
}

func init() {
	grainSetCmd.Flags().StringVar(&grainSetSource, "source", "manual", "where the key knowledge comes from")
	grainSetCmd.Flags().StringVar(&grainSetConfirmedBy, "confirmed-by", "", "who confirmed the key")
	grainReportCmd.Flags().StringVar(&grainReportSchema, "schema", "%", "schema pattern to report on")

	grainCmd.AddCommand(grainSetCmd)
	grainCmd.AddCommand(grainNoPKCmd)
	grainCmd.AddCommand(grainReportCmd)
}

func runGrainReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	assets, err := store.ListAssetsBySchema(cmd.Context(), grainReportSchema)
	if err != nil {
		return err
	}
	confirmed, noPK, unknown, failed := grainTally(assets)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Grain Discovery Report")
	fmt.Fprintln(out, strings.Repeat("=", 40))
	fmt.Fprintf(out, "Total assets:    %d\n", len(assets))
	fmt.Fprintf(out, "PK confirmed:    %d\n", confirmed)
	fmt.Fprintf(out, "No natural PK:   %d\n", noPK)
	fmt.Fprintf(out, "Unknown:         %d\n", unknown)
	fmt.Fprintf(out, "Errored:         %d\n", failed)
	if len(assets) > 0 {
		fmt.Fprintf(out, "Coverage:        %.1f%%\n",
			float64(confirmed+noPK)/float64(len(assets))*100)
	}
	return nil
}

func runGrainSet(cmd *cobra.Command, args []string) error {
	qualified := args[0]
	columns := strings.Split(args[1], ",")
	for i := range columns {
		columns[i] = strings.TrimSpace(columns[i])
		if columns[i] == "" {
			return fmt.Errorf("empty column name in %q", args[1])
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	overrides, err := config.LoadKeyOverrides(cfg.Pipeline.KeyOverridesPath)
	if err != nil {
		return err
	}
	if err := overrides.SetPrimaryKey(qualified, columns, grainSetSource, grainSetConfirmedBy); err != nil {
		return err
	}

	// Reflect the override straight into the catalog when the asset is
	// already known.
	if err := applyGrainToCatalog(cmd, cfg, qualified, catalog.GrainUpdate{
		PrimaryKey:  columns,
		GrainStatus: catalog.GrainConfirmed,
		Method:      "manual",
	}); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Recorded primary key for %s: %s\n",
		qualified, strings.Join(columns, ", "))
	return nil
}

func runGrainNoPK(cmd *cobra.Command, args []string) error {
	qualified := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	overrides, err := config.LoadKeyOverrides(cfg.Pipeline.KeyOverridesPath)
	if err != nil {
		return err
	}
	if err := overrides.MarkNoNaturalPK(qualified); err != nil {
		return err
	}

	if err := applyGrainToCatalog(cmd, cfg, qualified, catalog.GrainUpdate{
		GrainStatus: catalog.GrainNoNaturalPK,
		Method:      "no-pk",
	}); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Marked %s as having no natural primary key\n", qualified)
	return nil
}

func applyGrainToCatalog(cmd *cobra.Command, cfg *config.Config, qualified string, update catalog.GrainUpdate) error {
	store, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	asset, err := store.GetAssetByQualifiedName(cmd.Context(), qualified)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil // applied on the next discovery run
	}
	if err != nil {
		return err
	}
	return store.UpdateGrain(cmd.Context(), asset.ID, update)
}

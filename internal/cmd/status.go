package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grainhound/graind/internal/catalog"
	"github.com/grainhound/graind/internal/config"
)

var statusSchema string

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Summarise catalog coverage",
	GroupID: groupCore,
	RunE:    runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusSchema, "schema", "%", "schema pattern to summarise")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	assets, err := store.ListAssetsBySchema(ctx, statusSchema)
	if err != nil {
		return err
	}
	confirmed, noPK, unknown, failed := grainTally(assets)

	validated, err := store.ListValidatedRelationships(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Assets:          %d\n", len(assets))
	fmt.Fprintf(out, "PK confirmed:    %d\n", confirmed)
	fmt.Fprintf(out, "No natural PK:   %d\n", noPK)
	fmt.Fprintf(out, "Unknown:         %d\n", unknown)
	fmt.Fprintf(out, "Errored:         %d\n", failed)
	if len(assets) > 0 {
		fmt.Fprintf(out, "Grain coverage:  %.1f%%\n",
			float64(confirmed+noPK)/float64(len(assets))*100)
	}
	fmt.Fprintf(out, "Validated FKs:   %d\n", len(validated))
	return nil
}

// grainTally counts assets per grain status.
func grainTally(assets []*catalog.Asset) (confirmed, noPK, unknown, failed int) {
	for _, a := range assets {
		switch a.GrainStatus {
		case catalog.GrainConfirmed:
			confirmed++
		case catalog.GrainNoNaturalPK:
			noPK++
		case catalog.GrainError:
			failed++
		default:
			unknown++
		}
	}
	return confirmed, noPK, unknown, failed
}

package cmd

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/grainhound/graind/internal/catalog"
	"github.com/grainhound/graind/internal/config"
	"github.com/grainhound/graind/internal/dialect"
	"github.com/grainhound/graind/internal/logutil"
	"github.com/grainhound/graind/internal/pipeline"
	"github.com/grainhound/graind/internal/source"
)

var (
	discoverSchema     string
	discoverResume     bool
	discoverSkipPK     bool
	discoverSkipCard   bool
	discoverSkipFreq   bool
	discoverSkipFKs    bool
	discoverClassifyFK bool
)

var discoverCmd = &cobra.Command{
	Use:     "discover",
	Short:   "Run the discovery pipeline over a source schema",
	GroupID: groupCore,
	RunE:    runDiscover,
}

func init() {
	discoverCmd.Flags().StringVar(&discoverSchema, "schema", "", "schema pattern to process (overrides config)")
	discoverCmd.Flags().BoolVar(&discoverResume, "resume", false, "skip phases already checkpointed for this batch")
	discoverCmd.Flags().BoolVar(&discoverSkipPK, "skip-pk", false, "skip the PK discovery phase")
	discoverCmd.Flags().BoolVar(&discoverSkipCard, "skip-cardinality", false, "skip the cardinality phase")
	discoverCmd.Flags().BoolVar(&discoverSkipFreq, "skip-frequencies", false, "skip the frequency phase")
	discoverCmd.Flags().BoolVar(&discoverSkipFKs, "skip-fk-validation", false, "propose FK candidates but do not validate them")
	discoverCmd.Flags().BoolVar(&discoverClassifyFK, "classify-cardinality", false, "also label validated edges 1:1 / 1:N / N:M (doubles validation cost)")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Source.DSN == "" {
		return fmt.Errorf("source.dsn is not configured")
	}
	if discoverSchema != "" {
		cfg.Pipeline.SchemaPattern = discoverSchema
	}

	log, err := logutil.New(cfg.Logging.Level, cfg.Logging.JSONFormat)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	store, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	db, err := sql.Open("pgx", cfg.Source.DSN)
	if err != nil {
		return fmt.Errorf("open source database: %w", err)
	}
	defer db.Close()
	// The engine protocol is strictly serial on one connection; temp
	// tables are session-scoped.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return fmt.Errorf("connect to source database: %w", err)
	}

	exec := source.New(db, timeoutsFromConfig(cfg), log)

	overrides, err := config.LoadKeyOverrides(cfg.Pipeline.KeyOverridesPath)
	if err != nil {
		return err
	}

	opts := pipeline.Options{
		SchemaPattern:       cfg.Pipeline.SchemaPattern,
		SamplePct:           cfg.Pipeline.SamplePct,
		TopNValues:          cfg.Pipeline.TopNValues,
		FKTopNPerColumn:     cfg.Pipeline.FKTopNPerColumn,
		ValidateFKs:         !discoverSkipFKs,
		ClassifyCardinality: discoverClassifyFK || cfg.Pipeline.ClassifyCardinality,
		ErrorRateAbort:      cfg.Pipeline.ErrorRateAbort,
		CheckpointPath:      cfg.Pipeline.CheckpointPath,
		Resume:              discoverResume,
		SkipPKDiscovery:     discoverSkipPK || cfg.Pipeline.SkipPKDiscovery,
		SkipCardinality:     discoverSkipCard || cfg.Pipeline.SkipCardinality,
		SkipFrequencies:     discoverSkipFreq || cfg.Pipeline.SkipFrequencies,
	}

	o := pipeline.New(store, exec, dialect.NewPostgres(), overrides, nil, opts, log)
	result, err := o.Run(cmd.Context())
	if err != nil {
		return err
	}

	printRunResult(cmd, result)
	if result.Status == "error" {
		return fmt.Errorf("pipeline finished with errors")
	}
	return nil
}

func timeoutsFromConfig(cfg *config.Config) source.Timeouts {
	return source.Timeouts{
		Sample:    time.Duration(cfg.Source.SampleTimeoutSecs) * time.Second,
		Count:     time.Duration(cfg.Source.CountTimeoutSecs) * time.Second,
		Distinct:  time.Duration(cfg.Source.DistinctTimeoutSecs) * time.Second,
		Frequency: time.Duration(cfg.Source.FrequencyTimeoutSecs) * time.Second,
		Validate:  time.Duration(cfg.Source.ValidateTimeoutSecs) * time.Second,
	}
}

func printRunResult(cmd *cobra.Command, r *pipeline.RunResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Batch %s: %s in %s\n", r.Batch, r.Status, r.Duration.Round(time.Millisecond))
	for _, p := range r.Phases {
		fmt.Fprintf(out, "  %-14s %-8s %4d/%-4d %s\n",
			p.Name, p.Status, p.Processed, p.Total, p.Duration.Round(time.Millisecond))
		for _, e := range p.Errors {
			fmt.Fprintf(out, "    ! %s\n", e)
		}
	}
	fmt.Fprintf(out, "PKs discovered: %d  no natural PK: %d  columns profiled: %d\n",
		r.PKDiscovered, r.PKNoNatural, r.ColumnsProfiled)
	fmt.Fprintf(out, "FK candidates: %d  confirmed: %d\n", r.FKCandidates, r.FKConfirmed)
}

// Command epiforge runs causal-effect analyses from the command line:
// fetches registered datasets, applies field mappings, and executes the
// estimation pipeline, printing the estimate as JSON and optionally
// persisting it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/epiforge/epiforge/internal/dataset"
	"github.com/epiforge/epiforge/internal/estimator"
	"github.com/epiforge/epiforge/internal/fieldmap"
	"github.com/epiforge/epiforge/internal/frame"
	"github.com/epiforge/epiforge/internal/metrics"
	"github.com/epiforge/epiforge/internal/sensitivity"
	"github.com/epiforge/epiforge/internal/store"
	"github.com/epiforge/epiforge/pkg/otel"
)

func main() {
	root := &cobra.Command{
		Use:           "epiforge",
		Short:         "Causal effect estimation for epidemiological data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(estimateCmd(), datasetsCmd(), adjustCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatalf("epiforge: %v", err)
	}
}

type estimateFlags struct {
	datasetName string
	csvPath     string
	mappingPath string
	kind        string
	scale       string
	exposure    string
	outcome     string
	confounders []string
	instrument  string
	cluster     string
	weight      string
	variance    string
	bootstrap   int
	alpha       float64
	seed        int64
	dropMissing bool
	save        bool
}

func estimateCmd() *cobra.Command {
	var flags estimateFlags
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Run one causal estimation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEstimate(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.datasetName, "dataset", "", "registered dataset name")
	cmd.Flags().StringVar(&flags.csvPath, "csv", "", "path to a local CSV file")
	cmd.Flags().StringVar(&flags.mappingPath, "fieldmap", "", "field-mapping config (YAML or JSON)")
	cmd.Flags().StringVar(&flags.kind, "kind", "gcomp", "estimator: gcomp, iv, aiptw, tmle")
	cmd.Flags().StringVar(&flags.scale, "scale", "difference", "effect scale: difference, risk-ratio, odds-ratio")
	cmd.Flags().StringVar(&flags.exposure, "exposure", "exposure", "exposure column")
	cmd.Flags().StringVar(&flags.outcome, "outcome", "outcome", "outcome column")
	cmd.Flags().StringSliceVar(&flags.confounders, "confounders", nil, "confounder columns")
	cmd.Flags().StringVar(&flags.instrument, "instrument", "", "instrument column (iv only)")
	cmd.Flags().StringVar(&flags.cluster, "cluster", "", "cluster column for cluster bootstrap")
	cmd.Flags().StringVar(&flags.weight, "weight", "", "prior weight column")
	cmd.Flags().StringVar(&flags.variance, "variance", "bootstrap", "variance: bootstrap, influence, none")
	cmd.Flags().IntVar(&flags.bootstrap, "bootstrap", 500, "bootstrap resamples")
	cmd.Flags().Float64Var(&flags.alpha, "alpha", 0.05, "significance level")
	cmd.Flags().Int64Var(&flags.seed, "seed", 0, "bootstrap seed (0 = random)")
	cmd.Flags().BoolVar(&flags.dropMissing, "drop-missing", false, "drop rows with missing role values")
	cmd.Flags().BoolVar(&flags.save, "save", false, "persist the estimate to the configured store")
	return cmd
}

func runEstimate(ctx context.Context, flags estimateFlags) error {
	tp, err := otel.InitTracer(ctx, otelConfig())
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	} else {
		defer otel.Shutdown(context.Background(), tp)
	}
	m := metrics.New()

	f, name, err := loadFrame(ctx, flags)
	if err != nil {
		return err
	}
	if flags.mappingPath != "" {
		cfg, err := fieldmap.Load(flags.mappingPath)
		if err != nil {
			return err
		}
		if f, err = cfg.Apply(f); err != nil {
			return err
		}
	}

	kind, err := parseKind(flags.kind)
	if err != nil {
		return err
	}
	scale, err := parseScale(flags.scale)
	if err != nil {
		return err
	}
	variance, err := parseVariance(flags.variance)
	if err != nil {
		return err
	}

	opts := estimator.Options{
		EffectScale: scale,
		Alpha:       flags.alpha,
		NBootstrap:  flags.bootstrap,
		Variance:    variance,
		Seed:        flags.seed,
	}
	if flags.dropMissing {
		opts.Missing = frame.MissingDropRows
	}
	est, err := estimator.New(kind, opts)
	if err != nil {
		return err
	}
	roles := frame.Roles{
		Exposure:    flags.exposure,
		Outcome:     flags.outcome,
		Confounders: flags.confounders,
		Instrument:  flags.instrument,
		Cluster:     flags.cluster,
		Weight:      flags.weight,
	}

	spanCtx, span := otel.StartSpan(ctx, "epiforge", "estimate",
		otel.EstimateAttributes(kind.String(), scale.String(), name, f.NumRows())...)
	start := time.Now()
	result, err := est.Estimate(spanCtx, f, roles)
	m.EstimateDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		m.EstimateFailures.WithLabelValues(kind.String()).Inc()
		otel.RecordError(span, err)
		span.End()
		return err
	}
	span.End()
	m.EstimatesTotal.WithLabelValues(kind.String()).Inc()
	m.EstimateWarnings.WithLabelValues(kind.String()).Add(float64(len(result.Warnings)))

	rec := store.NewRecord(name, result)
	if flags.save {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Save(ctx, rec); err != nil {
			return err
		}
		log.Printf("saved run %s", rec.RunID)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func loadFrame(ctx context.Context, flags estimateFlags) (*frame.Frame, string, error) {
	switch {
	case flags.datasetName != "" && flags.csvPath != "":
		return nil, "", fmt.Errorf("--dataset and --csv are mutually exclusive")
	case flags.datasetName != "":
		fetcher, err := newFetcher()
		if err != nil {
			return nil, "", err
		}
		f, err := fetcher.Load(ctx, flags.datasetName)
		return f, flags.datasetName, err
	case flags.csvPath != "":
		file, err := os.Open(flags.csvPath)
		if err != nil {
			return nil, "", err
		}
		defer file.Close()
		f, err := dataset.DecodeCSV(file)
		return f, flags.csvPath, err
	default:
		return nil, "", fmt.Errorf("one of --dataset or --csv is required")
	}
}

func datasetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "datasets",
		Short: "Manage the built-in dataset registry",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered datasets",
			RunE: func(cmd *cobra.Command, args []string) error {
				for _, info := range dataset.List() {
					fmt.Printf("- %s: %s, size %.1f MB\n", info.Name, info.Title, info.SizeMB)
					fmt.Printf("  %s (%s)\n", info.Description, info.Citation)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "fetch <name>",
			Short: "Download a dataset into the local cache",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				fetcher, err := newFetcher()
				if err != nil {
					return err
				}
				path, err := fetcher.Fetch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Println(path)
				return nil
			},
		},
	)
	return cmd
}

func adjustCmd() *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "adjust <p-value>...",
		Short: "Adjust p-values for multiple comparisons",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := make([]float64, len(args))
			for i, a := range args {
				v, err := strconv.ParseFloat(a, 64)
				if err != nil {
					return fmt.Errorf("invalid p-value %q", a)
				}
				p[i] = v
			}
			m, err := parseAdjustMethod(method)
			if err != nil {
				return err
			}
			adjusted, err := sensitivity.AdjustPValues(p, m)
			if err != nil {
				return err
			}
			for i, v := range adjusted {
				fmt.Printf("%g\t%g\n", p[i], v)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", "bh", "adjustment: bonferroni, holm, bh")
	return cmd
}

func newFetcher() (*dataset.Fetcher, error) {
	opts := []dataset.Option{dataset.WithCacheDir(getEnv("DATASET_CACHE_DIR", dataset.DefaultCacheDir))}
	if addr := getEnv("REDIS_ADDR", ""); addr != "" {
		blobs, err := dataset.NewRedisBlobCache(addr, getEnv("REDIS_PASSWORD", ""), 0, 24*time.Hour)
		if err != nil {
			return nil, err
		}
		opts = append(opts, dataset.WithBlobCache(blobs))
	}
	return dataset.NewFetcher(opts...)
}

func openStore() (store.Store, error) {
	if connStr := getEnv("POSTGRES_CONN", ""); connStr != "" {
		return store.NewPostgresStore(connStr)
	}
	return store.NewMemoryStore(), nil
}

func otelConfig() *otel.Config {
	cfg := otel.DefaultConfig("epiforge")
	if ep := getEnv("OTEL_COLLECTOR_ENDPOINT", ""); ep != "" {
		cfg.CollectorEndpoint = ep
	}
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	return cfg
}

func parseKind(s string) (estimator.Kind, error) {
	switch strings.ToLower(s) {
	case "gcomp", "g-computation":
		return estimator.GComputation, nil
	case "iv", "instrumental-variables":
		return estimator.InstrumentalVariables, nil
	case "aiptw":
		return estimator.AIPTW, nil
	case "tmle":
		return estimator.TMLE, nil
	default:
		return 0, fmt.Errorf("unknown estimator kind %q", s)
	}
}

func parseScale(s string) (estimator.EffectScale, error) {
	switch strings.ToLower(s) {
	case "difference", "mean-difference":
		return estimator.MeanDifference, nil
	case "risk-difference":
		return estimator.RiskDifference, nil
	case "risk-ratio":
		return estimator.RiskRatio, nil
	case "odds-ratio":
		return estimator.OddsRatio, nil
	default:
		return 0, fmt.Errorf("unknown effect scale %q", s)
	}
}

func parseVariance(s string) (estimator.VarianceMethod, error) {
	switch strings.ToLower(s) {
	case "bootstrap":
		return estimator.VarianceBootstrap, nil
	case "influence":
		return estimator.VarianceInfluence, nil
	case "none":
		return estimator.VarianceNone, nil
	default:
		return 0, fmt.Errorf("unknown variance method %q", s)
	}
}

func parseAdjustMethod(s string) (sensitivity.Method, error) {
	switch strings.ToLower(s) {
	case "bonferroni":
		return sensitivity.Bonferroni, nil
	case "holm":
		return sensitivity.Holm, nil
	case "bh", "benjamini-hochberg", "fdr":
		return sensitivity.BenjaminiHochberg, nil
	default:
		return 0, fmt.Errorf("unknown adjustment method %q", s)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

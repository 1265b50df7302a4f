package cli

import (
	"errors"
	"fmt"

	"github.com/absmach/dpsgd"
	"github.com/absmach/dpsgd/pkg/accountant"
	"github.com/absmach/dpsgd/pkg/dataset"
	"github.com/spf13/cobra"
)

// NewRoleCmd runs one role of a job against the configured MQTT broker.
func NewRoleCmd(role string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   role,
		Short: fmt.Sprintf("Run the %s role of a DP-SGD job", role),
		Long:  "Loads the job configuration, connects to the MQTT broker and blocks until the arbiter halts training.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			path, _ := cmd.Flags().GetString(configFlag)
			cfg, err := dpsgd.LoadConfig(path)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			behavior, err := dpsgd.Dispatch(cfg, role)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			report, err := behavior.Run(cmd.Context(), dpsgd.Runtime{Logger: logger, ServeHTTP: true})
			if report.JobID != "" {
				logReportCmd(*cmd, report)
			}
			if err != nil && !errors.Is(err, accountant.ErrPrivacyBudgetExceeded) {
				logErrorCmd(*cmd, err)
			}
		},
	}
	cmd.Flags().StringP(configFlag, "c", "config.toml", "Path to the job configuration")

	return cmd
}

// NewSimulateCmd runs the arbiter and every data holder in one process over
// an in-memory broker.
func NewSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a whole DP-SGD job in-process",
		Long: "Splits one dataset across the configured data holders and trains them with a local arbiter. " +
			"Without --data a synthetic Gaussian-blob dataset is generated.",
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			path, _ := cmd.Flags().GetString(configFlag)
			dataPath, _ := cmd.Flags().GetString("data")
			samples, _ := cmd.Flags().GetInt("samples")
			features, _ := cmd.Flags().GetInt("features")
			seed, _ := cmd.Flags().GetUint64("seed")

			cfg := dpsgd.Default()
			if path != "" {
				var err error
				if cfg, err = dpsgd.LoadConfig(path); err != nil {
					logErrorCmd(*cmd, err)

					return
				}
			}

			var data *dataset.Dataset
			var err error
			switch dataPath {
			case "":
				classes := cfg.Training.NumClasses
				if classes < 2 {
					classes = 2
				}
				data, err = dataset.Synthetic(samples, features, classes, seed)
			default:
				data, err = dataset.LoadCSV(dataPath, dataset.CSVOptions{
					FeatureNames: cfg.Training.FeatureNames,
					LabelColumn:  cfg.Training.LabelColumn,
				})
			}
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			report, err := dpsgd.Simulate(cmd.Context(), cfg, data.Shuffle(seed), logger)
			if report.JobID != "" {
				logReportCmd(*cmd, report)
			}
			if err != nil && !errors.Is(err, accountant.ErrPrivacyBudgetExceeded) {
				logErrorCmd(*cmd, err)
			}
		},
	}
	cmd.Flags().StringP(configFlag, "c", "", "Path to the job configuration (defaults when empty)")
	cmd.Flags().StringP("data", "d", "", "CSV file to split across data holders")
	cmd.Flags().IntP("samples", "n", 1000, "Synthetic examples when no CSV is given")
	cmd.Flags().IntP("features", "f", 4, "Synthetic feature count when no CSV is given")
	cmd.Flags().Uint64P("seed", "s", 1, "Seed for synthetic data and shuffling")

	return cmd
}

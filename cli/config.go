package cli

import (
	"fmt"
	"strconv"

	"github.com/absmach/dpsgd"
	"github.com/absmach/dpsgd/pkg/model"
	"github.com/absmach/dpsgd/pkg/optimizer"
	"github.com/absmach/dpsgd/pkg/orchestration"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

func configCmds() []cobra.Command {
	return []cobra.Command{
		{
			Use:   "init <path>",
			Short: "Interactively write a job configuration",
			Long:  "Asks for the common training knobs and writes a TOML file with defaults for everything else.",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				accessible, _ := cmd.Flags().GetBool("accessible")

				cfg := dpsgd.Default()
				if err := configForm(&cfg).
					WithAccessible(accessible).
					WithInput(cmd.InOrStdin()).
					WithOutput(cmd.OutOrStdout()).
					RunWithContext(cmd.Context()); err != nil {
					logErrorCmd(*cmd, err)

					return
				}

				if err := cfg.Validate(); err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				if err := cfg.Save(args[0]); err != nil {
					logErrorCmd(*cmd, err)

					return
				}

				logOKCmd(*cmd)
			},
		},
		{
			Use:   "show",
			Short: "Print the effective configuration",
			Long:  "Loads the file, applies DPSGD_* environment overrides and prints the result. Secrets are omitted.",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				path, _ := cmd.Flags().GetString(configFlag)

				cfg, err := dpsgd.LoadConfig(path)
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}

				logJSONCmd(*cmd, cfg)
			},
		},
	}
}

func NewConfigCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "config",
		Short: "Job configuration helpers",
		Long:  ``,
	}

	cmds := configCmds()
	for i := range cmds {
		cmd.AddCommand(&cmds[i])
	}

	cmds[0].Flags().Bool("accessible", false, "Use plain prompts instead of the terminal UI")
	cmds[1].Flags().StringP(configFlag, "c", "config.toml", "Path to the job configuration")

	return &cmd
}

// configForm binds the prompted fields to cfg; numeric fields go through
// string buffers that are parsed on submit.
func configForm(cfg *dpsgd.Config) *huh.Form {
	tc := &cfg.Training
	noise := strconv.FormatFloat(tc.NoiseMultiplier, 'g', -1, 64)
	batch := strconv.Itoa(tc.BatchSize)
	epoch := strconv.Itoa(tc.Epoch)
	target := strconv.FormatFloat(tc.TargetEpsilon, 'g', -1, 64)

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Job ID").
				Value(&tc.JobID).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("%w: empty job_id", dpsgd.ErrInvalidConfig)
					}

					return nil
				}),
			huh.NewSelect[string]().
				Title("Task").
				Options(huh.NewOptions(string(model.Classification), string(model.Regression))...).
				Value(&tc.Task),
			huh.NewSelect[string]().
				Title("Optimizer").
				Options(huh.NewOptions(string(optimizer.Adam), string(optimizer.SGD))...).
				Value(&tc.Optimizer),
		).Title("Training"),
		huh.NewGroup(
			huh.NewInput().
				Title("Noise multiplier").
				Value(&noise).
				Validate(parseFloatInto(&tc.NoiseMultiplier)),
			huh.NewInput().
				Title("Batch size").
				Value(&batch).
				Validate(parseIntInto(&tc.BatchSize)),
			huh.NewInput().
				Title("Epochs").
				Value(&epoch).
				Validate(parseIntInto(&tc.Epoch)),
			huh.NewInput().
				Title("Target epsilon (0 for none)").
				Value(&target).
				Validate(parseFloatInto(&tc.TargetEpsilon)),
			huh.NewSelect[string]().
				Title("When the target is exceeded").
				Options(huh.NewOptions(string(orchestration.BudgetContinue), string(orchestration.BudgetHalt))...).
				Value(&tc.BudgetPolicy),
		).Title("Privacy"),
		huh.NewGroup(
			huh.NewInput().
				Title("MQTT broker URL").
				Value(&cfg.MQTT.URL),
			huh.NewInput().
				Title("Host dataset").
				Value(&cfg.Host.Dataset),
			huh.NewInput().
				Title("Guest dataset").
				Value(&cfg.Guest.Dataset),
		).Title("Deployment"),
	)
}

func parseFloatInto(dst *float64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*dst = v

		return nil
	}
}

func parseIntInto(dst *int) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*dst = v

		return nil
	}
}

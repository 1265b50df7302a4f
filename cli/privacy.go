package cli

import (
	"errors"

	"github.com/absmach/dpsgd/pkg/accountant"
	"github.com/spf13/cobra"
)

var errSamplingInput = errors.New("set --sampling-ratio or both --examples and --batch-size")

type epsilonView struct {
	Epsilon         interface{} `json:"epsilon"`
	Delta           float64     `json:"delta"`
	SamplingRatio   float64     `json:"sampling_ratio"`
	NoiseMultiplier float64     `json:"noise_multiplier"`
	Steps           int         `json:"steps"`
}

func privacyCmds() []cobra.Command {
	return []cobra.Command{
		{
			Use:   "epsilon",
			Short: "Compute the epsilon a training run would spend",
			Long: "Evaluates the RDP accountant offline. Steps are either given directly or derived " +
				"from --epochs, --examples and --batch-size.",
			Args: cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				q, _ := cmd.Flags().GetFloat64("sampling-ratio")
				sigma, _ := cmd.Flags().GetFloat64("noise-multiplier")
				steps, _ := cmd.Flags().GetInt("steps")
				delta, _ := cmd.Flags().GetFloat64("delta")
				examples, _ := cmd.Flags().GetInt("examples")
				batch, _ := cmd.Flags().GetInt("batch-size")
				epochs, _ := cmd.Flags().GetInt("epochs")

				if q == 0 {
					if examples <= 0 || batch <= 0 {
						logErrorCmd(*cmd, errSamplingInput)

						return
					}
					q = min(1, float64(batch)/float64(examples))
				}
				if steps == 0 && examples > 0 && batch > 0 {
					steps = epochs * ((examples + batch - 1) / batch)
				}

				eps, err := accountant.ComputeEpsilon(q, sigma, steps, delta)
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}

				logJSONCmd(*cmd, epsilonView{
					Epsilon:         epsilonValue(eps),
					Delta:           delta,
					SamplingRatio:   q,
					NoiseMultiplier: sigma,
					Steps:           steps,
				})
			},
		},
	}
}

func NewPrivacyCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "privacy",
		Short: "Privacy accounting",
		Long:  ``,
	}

	cmds := privacyCmds()
	for i := range cmds {
		cmd.AddCommand(&cmds[i])
	}

	epsilonCmd := &cmds[0]
	epsilonCmd.Flags().Float64P("sampling-ratio", "q", 0, "Batch size over partition size")
	epsilonCmd.Flags().Float64P("noise-multiplier", "z", 1.0, "Noise standard deviation over the clipping bound")
	epsilonCmd.Flags().IntP("steps", "t", 0, "Number of DP-SGD steps")
	epsilonCmd.Flags().Float64P("delta", "d", 1e-3, "Target delta")
	epsilonCmd.Flags().IntP("examples", "n", 0, "Largest partition size")
	epsilonCmd.Flags().IntP("batch-size", "b", 50, "Batch size")
	epsilonCmd.Flags().IntP("epochs", "e", 100, "Epochs")

	return &cmd
}

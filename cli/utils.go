package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/absmach/dpsgd/pkg/orchestration"
	"github.com/fatih/color"
	prettyjson "github.com/hokaccha/go-prettyjson"
	"github.com/spf13/cobra"
)

const configFlag = "config"

var logger = slog.Default()

// SetLogger sets the logger handed to the roles started by the CLI.
func SetLogger(l *slog.Logger) {
	logger = l
}

func logJSONCmd(cmd cobra.Command, iList ...interface{}) {
	for _, i := range iList {
		m, err := json.Marshal(i)
		if err != nil {
			logErrorCmd(cmd, err)

			return
		}

		pj, err := prettyjson.Format(m)
		if err != nil {
			logErrorCmd(cmd, err)

			return
		}

		fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n\n", string(pj))
	}
}

func logErrorCmd(cmd cobra.Command, err error) {
	boldRed := color.New(color.FgRed, color.Bold)
	boldRed.Fprintf(cmd.ErrOrStderr(), "\nerror: ")

	fmt.Fprintf(cmd.ErrOrStderr(), "%s\n\n", color.RedString(err.Error()))
}

func logOKCmd(cmd cobra.Command) {
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n\n", color.BlueString("ok"))
}

// epsilonValue keeps +Inf printable; JSON has no infinity.
func epsilonValue(eps float64) interface{} {
	if math.IsInf(eps, 0) || math.IsNaN(eps) {
		return strconv.FormatFloat(eps, 'g', -1, 64)
	}

	return eps
}

type reportView struct {
	JobID          string         `json:"job_id"`
	State          string         `json:"state"`
	Reason         string         `json:"reason"`
	Steps          uint64         `json:"steps"`
	TotalSteps     uint64         `json:"total_steps"`
	Epsilon        interface{}    `json:"epsilon"`
	Delta          float64        `json:"delta"`
	BudgetExceeded bool           `json:"budget_exceeded"`
	Participation  map[string]int `json:"participation"`
	NumParams      int            `json:"num_params"`
	Error          string         `json:"error,omitempty"`
}

func logReportCmd(cmd cobra.Command, r orchestration.Report) {
	logJSONCmd(cmd, reportView{
		JobID:          r.JobID,
		State:          string(r.State),
		Reason:         r.Reason,
		Steps:          r.Steps,
		TotalSteps:     r.TotalSteps,
		Epsilon:        epsilonValue(r.Epsilon),
		Delta:          r.Delta,
		BudgetExceeded: r.BudgetExceeded,
		Participation:  r.Participation,
		NumParams:      len(r.Params),
		Error:          r.Error,
	})
}

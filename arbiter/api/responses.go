package api

import (
	"encoding/json"
	"math"
	"time"

	"github.com/absmach/dpsgd/pkg/accountant"
	"github.com/absmach/dpsgd/pkg/orchestration"
	"github.com/absmach/dpsgd/pkg/orchestration/executor"
)

// jsonFloat encodes infinities as strings, which plain JSON cannot carry.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	switch v := float64(f); {
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	default:
		return json.Marshal(v)
	}
}

type statusRes struct {
	orchestration.Status
	Epsilon jsonFloat             `json:"epsilon"`
	Holders []executor.HolderInfo `json:"holders"`
}

type roundRes struct {
	orchestration.RoundRecord
	Epsilon jsonFloat `json:"epsilon"`
}

type roundsPageRes struct {
	Total  uint64     `json:"total"`
	Offset uint64     `json:"offset"`
	Limit  uint64     `json:"limit"`
	Rounds []roundRes `json:"rounds"`
}

type reportRes struct {
	orchestration.Report
	Epsilon jsonFloat `json:"epsilon"`
}

type epsilonRes struct {
	Epsilon jsonFloat         `json:"epsilon"`
	Delta   float64           `json:"delta"`
	Ledger  accountant.Ledger `json:"ledger"`
}

type healthRes struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

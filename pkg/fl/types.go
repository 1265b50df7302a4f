// Package fl carries the messages exchanged between the arbiter and the data
// holders of a horizontally partitioned federation, and their aggregation.
package fl

// Contribution is one data holder's noised, clipped gradient sum for a
// single round, together with the number of examples behind it.
type Contribution struct {
	JobID         string    `json:"job_id"`
	RoleID        string    `json:"role_id"`
	Step          uint64    `json:"step"`
	BatchIndex    int       `json:"batch_index"`
	Count         int       `json:"count"`
	PartitionSize int       `json:"partition_size"`
	Sum           []float64 `json:"sum"`
}

// SamplingRatio is the fraction of the holder's partition used this round.
func (c Contribution) SamplingRatio() float64 {
	if c.PartitionSize <= 0 {
		return 1
	}

	return float64(c.Count) / float64(c.PartitionSize)
}

// GlobalGradient is the example-weighted mean of a round's contributions.
type GlobalGradient struct {
	JobID        string    `json:"job_id"`
	Step         uint64    `json:"step"`
	Vector       []float64 `json:"vector"`
	TotalCount   int       `json:"total_count"`
	Contributors []string  `json:"contributors"`
}

// RoundTask asks a data holder to process one batch against params.
type RoundTask struct {
	JobID       string    `json:"job_id"`
	Epoch       int       `json:"epoch"`
	Step        uint64    `json:"step"`
	StepInEpoch int       `json:"step_in_epoch"`
	Params      []float64 `json:"params"`
}

// Join announces a data holder and the size of its partition.
type Join struct {
	JobID         string `json:"job_id"`
	RoleID        string `json:"role_id"`
	Instance      string `json:"instance"`
	PartitionSize int    `json:"partition_size"`
	NumFeatures   int    `json:"num_features"`
}

// UpdateEnvelope is what a data holder publishes after a round. Exactly one of
// Contribution and Error is set, unless Offline marks the holder's will message.
type UpdateEnvelope struct {
	JobID        string        `json:"job_id"`
	RoleID       string        `json:"role_id"`
	Step         uint64        `json:"step"`
	BatchIndex   int           `json:"batch_index"`
	Contribution *Contribution `json:"contribution,omitempty"`
	Error        string        `json:"error,omitempty"`
	// ModelFailure marks Error as a model computation failure.
	ModelFailure bool `json:"model_failure,omitempty"`
	Offline      bool `json:"offline,omitempty"`
}

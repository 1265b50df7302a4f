package orchestration

import (
	"context"
	"fmt"
	"sync"

	"github.com/absmach/dpsgd/pkg/dataset"
	"github.com/absmach/dpsgd/pkg/fl"
	"github.com/absmach/dpsgd/pkg/trainer"
)

var _ Participant = (*LocalParticipant)(nil)

// epochMix spreads consecutive epochs across the seed space.
const epochMix = 0x9e3779b97f4a7c15

// LocalParticipant runs a data holder's trainer in the arbiter's process. It
// also backs the remote data-holder service.
//
// Batches are cut from a permutation of the partition that is redrawn every
// epoch from seed, so each epoch samples different batches.
type LocalParticipant struct {
	trainer   *trainer.LocalTrainer
	data      *dataset.Dataset
	batchSize int
	seed      uint64

	mu       sync.Mutex
	epoch    int
	shuffled *dataset.Dataset
}

func NewLocalParticipant(tr *trainer.LocalTrainer, data *dataset.Dataset, batchSize int, seed uint64) (*LocalParticipant, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: %d", dataset.ErrInvalidBatch, batchSize)
	}
	if data.Len() == 0 {
		return nil, dataset.ErrEmpty
	}

	return &LocalParticipant{
		trainer:   tr,
		data:      data,
		batchSize: batchSize,
		seed:      seed,
	}, nil
}

func (p *LocalParticipant) ID() string {
	return p.trainer.RoleID()
}

func (p *LocalParticipant) Prepare(ctx context.Context) (PartitionInfo, error) {
	if err := ctx.Err(); err != nil {
		return PartitionInfo{}, err
	}

	return PartitionInfo{
		RoleID:      p.ID(),
		Size:        p.data.Len(),
		NumFeatures: p.data.NumFeatures(),
	}, nil
}

// RunRound processes the batch at StepInEpoch of the task's epoch ordering. A
// holder with fewer batches than the largest partition wraps around to its
// first batch.
func (p *LocalParticipant) RunRound(ctx context.Context, task RoundTask) (fl.Contribution, error) {
	data := p.epochData(task.Epoch)
	idx := task.StepInEpoch % data.NumBatches(p.batchSize)
	batch, err := data.Batch(idx, p.batchSize)
	if err != nil {
		return fl.Contribution{}, err
	}

	c, err := p.trainer.RunBatch(ctx, batch, task.Params)
	if err != nil {
		return fl.Contribution{}, err
	}
	c.JobID = task.JobID
	c.Step = task.Step
	c.PartitionSize = p.data.Len()

	return c, nil
}

func (p *LocalParticipant) epochData(epoch int) *dataset.Dataset {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shuffled == nil || p.epoch != epoch {
		p.shuffled = p.data.Shuffle(p.seed + (uint64(epoch)+1)*epochMix)
		p.epoch = epoch
	}

	return p.shuffled
}

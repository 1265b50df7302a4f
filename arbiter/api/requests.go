package api

import (
	"errors"
	"math"
)

const maxLimit = 1000

var (
	errInvalidStep  = errors.New("invalid step")
	errInvalidQuery = errors.New("invalid query parameter")
	errInvalidDelta = errors.New("delta must be in (0,1)")
)

type statusReq struct{}

type roundsReq struct {
	offset uint64
	limit  uint64
}

func (req roundsReq) validate() error {
	if req.limit > maxLimit {
		return errInvalidQuery
	}

	return nil
}

type roundReq struct {
	step uint64
}

type epsilonReq struct {
	delta float64
}

func (req epsilonReq) validate() error {
	if !(req.delta > 0 && req.delta < 1) || math.IsNaN(req.delta) {
		return errInvalidDelta
	}

	return nil
}

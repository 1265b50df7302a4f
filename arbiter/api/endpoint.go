package api

import (
	"context"

	"github.com/absmach/dpsgd/arbiter"
	"github.com/go-kit/kit/endpoint"
)

func statusEndpoint(svc arbiter.Service) endpoint.Endpoint {
	return func(ctx context.Context, _ interface{}) (interface{}, error) {
		status, err := svc.Status(ctx)
		if err != nil {
			return nil, err
		}
		holders, err := svc.Holders(ctx)
		if err != nil {
			return nil, err
		}

		return statusRes{
			Status:  status,
			Epsilon: jsonFloat(status.Epsilon),
			Holders: holders,
		}, nil
	}
}

func listRoundsEndpoint(svc arbiter.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(roundsReq)
		if err := req.validate(); err != nil {
			return nil, err
		}

		rounds, total, err := svc.Rounds(ctx, req.offset, req.limit)
		if err != nil {
			return nil, err
		}

		res := roundsPageRes{
			Total:  total,
			Offset: req.offset,
			Limit:  req.limit,
			Rounds: make([]roundRes, len(rounds)),
		}
		for i, r := range rounds {
			res.Rounds[i] = roundRes{RoundRecord: r, Epsilon: jsonFloat(r.Epsilon)}
		}

		return res, nil
	}
}

func viewRoundEndpoint(svc arbiter.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(roundReq)

		r, err := svc.Round(ctx, req.step)
		if err != nil {
			return nil, err
		}

		return roundRes{RoundRecord: r, Epsilon: jsonFloat(r.Epsilon)}, nil
	}
}

func reportEndpoint(svc arbiter.Service) endpoint.Endpoint {
	return func(ctx context.Context, _ interface{}) (interface{}, error) {
		r, err := svc.Report(ctx)
		if err != nil {
			return nil, err
		}

		return reportRes{Report: r, Epsilon: jsonFloat(r.Epsilon)}, nil
	}
}

func epsilonEndpoint(svc arbiter.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(epsilonReq)
		if err := req.validate(); err != nil {
			return nil, err
		}

		eps, ledger, err := svc.Epsilon(ctx, req.delta)
		if err != nil {
			return nil, err
		}

		return epsilonRes{Epsilon: jsonFloat(eps), Delta: req.delta, Ledger: ledger}, nil
	}
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"

	"PerpSettle/internal/state"
)

// maxBodyBytes bounds request bodies on the HTTP routes.
const maxBodyBytes = 1 << 20

// binder fills req from the HTTP request and its path parameters.
type binder[Req any] func(r *http.Request, params map[string]string, req *Req) error

// route serves one Service method over HTTP/JSON. The X-Caller header is
// forwarded as gRPC metadata so both transports resolve the caller the
// same way.
func route[Req any, Resp any](s *Service, fn func(*Service, context.Context, *Req) (Resp, error), bind binder[Req]) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		req := new(Req)
		if bind != nil {
			if err := bind(r, params, req); err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Status: "InvalidArgument", Message: err.Error()})
				return
			}
		}
		ctx := r.Context()
		if caller := r.Header.Get(CallerHeader); caller != "" {
			ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(CallerHeader, caller))
		}
		resp, err := fn(s, ctx, req)
		if err != nil {
			code, body := httpError(err)
			writeJSON(w, code, body)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================================
// Binders
// ============================================================================

// jsonBody decodes the request body. An empty body leaves req untouched.
func jsonBody[Req any](r *http.Request, _ map[string]string, req *Req) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil && err != io.EOF {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// assetParam reads {asset} as a bare symbol, or {kind}/{symbol}.
func assetParam(params map[string]string) (state.Asset, error) {
	if a, ok := params["asset"]; ok {
		return state.ParseAsset(a)
	}
	return state.ParseAsset(params["kind"] + ":" + params["symbol"])
}

func bindAsset(_ *http.Request, params map[string]string, req *AssetRequest) error {
	a, err := assetParam(params)
	if err != nil {
		return err
	}
	req.Asset = a
	return nil
}

func bindFunding(r *http.Request, params map[string]string, req *FundingRequest) error {
	a, err := assetParam(params)
	if err != nil {
		return err
	}
	req.Asset = a
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("limit %q: %w", v, err)
		}
		req.Limit = n
	}
	if v := q.Get("before_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("before_sequence %q: %w", v, err)
		}
		req.BeforeSequence = &n
	}
	return nil
}

func bindPosition(_ *http.Request, params map[string]string, req *PositionRequest) error {
	id, err := strconv.ParseUint(params["id"], 10, 32)
	if err != nil {
		return fmt.Errorf("position id %q: %w", params["id"], err)
	}
	req.ID = uint32(id)
	return nil
}

// bindPositionBody decodes the JSON body and takes the id from the path.
func bindPositionBody[Req any](id func(*Req) *uint32) binder[Req] {
	return func(r *http.Request, params map[string]string, req *Req) error {
		if err := jsonBody(r, params, req); err != nil {
			return err
		}
		var p PositionRequest
		if err := bindPosition(r, params, &p); err != nil {
			return err
		}
		*id(req) = p.ID
		return nil
	}
}

func bindUser(_ *http.Request, params map[string]string, req *UserRequest) error {
	req.User = params["user"]
	return nil
}

func bindJournals(r *http.Request, params map[string]string, req *JournalsRequest) error {
	req.User = params["user"]
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("limit %q: %w", v, err)
		}
		req.Limit = n
	}
	if v := q.Get("after_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("after_sequence %q: %w", v, err)
		}
		req.AfterSequence = &n
	}
	return nil
}

// ============================================================================
// Routes
// ============================================================================

// NewGatewayMux returns the HTTP/JSON routes of the Settlement service.
func NewGatewayMux(s *Service) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		// user & keeper
		{"POST", "/v1/submit", route(s, (*Service).Submit, jsonBody[SubmitRequest])},
		{"POST", "/v1/positions", route(s, (*Service).CreatePosition, jsonBody[CreatePositionRequest])},
		{"POST", "/v1/positions/{id}/close", route(s, (*Service).ClosePosition, bindPosition)},
		{"POST", "/v1/positions/{id}/collateral", route(s, (*Service).ModifyCollateral,
			bindPositionBody(func(r *ModifyCollateralRequest) *uint32 { return &r.ID }))},
		{"POST", "/v1/positions/{id}/triggers", route(s, (*Service).SetTriggers,
			bindPositionBody(func(r *SetTriggersRequest) *uint32 { return &r.ID }))},
		{"POST", "/v1/config/apply", route[Empty](s, (*Service).ApplyConfig, nil)},
		{"POST", "/v1/markets/{asset}/set", route(s, (*Service).SetMarket, bindAsset)},
		{"POST", "/v1/markets/{kind}/{symbol}/set", route(s, (*Service).SetMarket, bindAsset)},

		// queries
		{"GET", "/v1/positions/{id}", route(s, (*Service).GetPosition, bindPosition)},
		{"GET", "/v1/users/{user}/positions", route(s, (*Service).ListUserPositions, bindUser)},
		{"GET", "/v1/users/{user}/balance", route(s, (*Service).GetBalance, bindUser)},
		{"GET", "/v1/users/{user}/journals", route(s, (*Service).ListJournals, bindJournals)},
		{"GET", "/v1/markets", route[Empty](s, (*Service).ListMarkets, nil)},
		{"GET", "/v1/markets/{asset}", route(s, (*Service).GetMarket, bindAsset)},
		{"GET", "/v1/markets/{kind}/{symbol}", route(s, (*Service).GetMarket, bindAsset)},
		{"GET", "/v1/funding/{asset}", route(s, (*Service).ListFunding, bindFunding)},
		{"GET", "/v1/funding/{kind}/{symbol}", route(s, (*Service).ListFunding, bindFunding)},
		{"GET", "/v1/contract", route[Empty](s, (*Service).GetContract, nil)},

		// admin
		{"POST", "/v1/admin/initialize", route(s, (*Service).Initialize, jsonBody[InitializeRequest])},
		{"POST", "/v1/admin/config", route(s, (*Service).SetConfig, jsonBody[SetConfigRequest])},
		{"POST", "/v1/admin/config/queue", route(s, (*Service).QueueSetConfig, jsonBody[SetConfigRequest])},
		{"POST", "/v1/admin/config/cancel", route[Empty](s, (*Service).CancelSetConfig, nil)},
		{"POST", "/v1/admin/markets", route(s, (*Service).InitMarket, jsonBody[MarketConfigRequest])},
		{"POST", "/v1/admin/markets/queue", route(s, (*Service).QueueSetMarket, jsonBody[MarketConfigRequest])},
		{"POST", "/v1/admin/markets/cancel", route(s, (*Service).CancelSetMarket, jsonBody[AssetRequest])},
		{"POST", "/v1/admin/status", route(s, (*Service).SetStatus, jsonBody[SetStatusRequest])},
		{"POST", "/v1/admin/upgrade", route(s, (*Service).Upgrade, jsonBody[UpgradeRequest])},
		{"POST", "/v1/admin/prices", route(s, (*Service).InjectPrice, jsonBody[InjectPriceRequest])},
		{"GET", "/v1/admin/integrity", route[Empty](s, (*Service).VerifyIntegrity, nil)},

		// ownership & roles
		{"GET", "/v1/admin/owner", route[Empty](s, (*Service).GetOwner, nil)},
		{"POST", "/v1/admin/owner/transfer", route(s, (*Service).TransferOwnership, jsonBody[TransferOwnershipRequest])},
		{"POST", "/v1/admin/owner/accept", route[Empty](s, (*Service).AcceptOwnership, nil)},
		{"POST", "/v1/admin/owner/renounce", route[Empty](s, (*Service).RenounceOwnership, nil)},
		{"POST", "/v1/admin/roles/grant", route(s, (*Service).GrantRole, jsonBody[RoleRequest])},
		{"POST", "/v1/admin/roles/revoke", route(s, (*Service).RevokeRole, jsonBody[RoleRequest])},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.path, err)
		}
	}
	return mux, nil
}

package server

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"PerpSettle/internal/core"
	"PerpSettle/internal/projection"
	"PerpSettle/internal/query"
	"PerpSettle/internal/state"
)

// ServiceName is the full gRPC service name.
const ServiceName = "perpsettle.v1.Settlement"

// CallerHeader carries the caller address in gRPC metadata and as an HTTP
// header. Authentication happens in front of this service.
const CallerHeader = "x-caller"

// PriceWriter accepts admin price quotes. Both oracle sources implement it.
type PriceWriter interface {
	Publish(ctx context.Context, asset state.Asset, pd state.PriceData) error
}

// SettlementServer is the handler type of the Settlement service.
type SettlementServer interface {
	Submit(ctx context.Context, req *SubmitRequest) (*core.SubmitResult, error)
	CreatePosition(ctx context.Context, req *CreatePositionRequest) (*core.CreatePositionResult, error)
	GetPosition(ctx context.Context, req *PositionRequest) (*query.PositionResponse, error)
}

// Service implements perpsettle.v1.Settlement over the engine and the
// query service.
type Service struct {
	engine *core.Engine
	query  *query.QueryService
	prices PriceWriter // nil disables InjectPrice
	clock  func() int64
}

var _ SettlementServer = (*Service)(nil)

func NewService(engine *core.Engine, qs *query.QueryService, prices PriceWriter) *Service {
	return &Service{
		engine: engine,
		query:  qs,
		prices: prices,
		clock:  func() int64 { return time.Now().Unix() },
	}
}

// callerFrom returns the caller from request metadata, falling back to the
// caller named in the message body.
func callerFrom(ctx context.Context, fallback string) (string, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(CallerHeader); len(v) > 0 && strings.TrimSpace(v[0]) != "" {
			caller := strings.TrimSpace(v[0])
			if fallback != "" && fallback != caller {
				return "", status.Errorf(codes.PermissionDenied, "body caller %s does not match %s", fallback, caller)
			}
			return caller, nil
		}
	}
	if fallback == "" {
		return "", status.Errorf(codes.Unauthenticated, "missing %s", CallerHeader)
	}
	return fallback, nil
}

func commitResponse(out *core.CoreOutput) *CommitResponse {
	return &CommitResponse{
		Sequence:  out.Sequence,
		StateHash: hex.EncodeToString(out.StateHash[:]),
		Events:    len(out.Envelopes),
	}
}

// ============================================================================
// User & keeper
// ============================================================================

func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*core.SubmitResult, error) {
	caller, err := callerFrom(ctx, req.Caller)
	if err != nil {
		return nil, err
	}
	b := *req
	b.Caller = caller
	return s.engine.SubmitBatch(ctx, b)
}

func (s *Service) CreatePosition(ctx context.Context, req *CreatePositionRequest) (*core.CreatePositionResult, error) {
	caller, err := callerFrom(ctx, "")
	if err != nil {
		return nil, err
	}
	return s.engine.CreatePosition(ctx, caller, *req)
}

func (s *Service) ClosePosition(ctx context.Context, req *PositionRequest) (*core.PositionActionResult, error) {
	caller, err := callerFrom(ctx, "")
	if err != nil {
		return nil, err
	}
	return s.engine.ClosePosition(ctx, caller, req.ID)
}

func (s *Service) ModifyCollateral(ctx context.Context, req *ModifyCollateralRequest) (*core.PositionActionResult, error) {
	caller, err := callerFrom(ctx, "")
	if err != nil {
		return nil, err
	}
	return s.engine.ModifyCollateral(ctx, caller, req.ID, req.Collateral)
}

func (s *Service) SetTriggers(ctx context.Context, req *SetTriggersRequest) (*core.PositionActionResult, error) {
	caller, err := callerFrom(ctx, "")
	if err != nil {
		return nil, err
	}
	return s.engine.SetTriggers(ctx, caller, req.ID, req.TakeProfit, req.StopLoss)
}

// ============================================================================
// Queries
// ============================================================================

func (s *Service) GetPosition(ctx context.Context, req *PositionRequest) (*query.PositionResponse, error) {
	return s.query.GetPosition(ctx, req.ID)
}

func (s *Service) ListUserPositions(ctx context.Context, req *UserRequest) ([]query.PositionResponse, error) {
	if req.User == "" {
		return nil, status.Error(codes.InvalidArgument, "user is required")
	}
	return s.query.GetUserPositions(ctx, req.User)
}

func (s *Service) GetBalance(ctx context.Context, req *UserRequest) (*query.BalanceResponse, error) {
	if req.User == "" {
		return nil, status.Error(codes.InvalidArgument, "user is required")
	}
	return s.query.GetBalance(ctx, req.User)
}

func (s *Service) ListJournals(ctx context.Context, req *JournalsRequest) ([]query.JournalHistoryEntry, error) {
	if req.User == "" {
		return nil, status.Error(codes.InvalidArgument, "user is required")
	}
	return s.query.GetJournalHistory(ctx, req.User, req.Limit, req.AfterSequence)
}

func (s *Service) ListFunding(ctx context.Context, req *FundingRequest) ([]projection.FundingHistoryEntry, error) {
	return s.query.GetFundingHistory(ctx, req.Asset, req.Limit, req.BeforeSequence)
}

func (s *Service) GetMarket(ctx context.Context, req *AssetRequest) (*query.MarketResponse, error) {
	return s.query.GetMarket(ctx, req.Asset)
}

func (s *Service) ListMarkets(ctx context.Context, _ *Empty) ([]query.MarketResponse, error) {
	return s.query.ListMarkets(ctx)
}

func (s *Service) GetContract(ctx context.Context, _ *Empty) (*query.ContractResponse, error) {
	return s.query.GetContract(ctx)
}

func (s *Service) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	return s.query.VerifyIntegrity(ctx)
}

// ============================================================================
// Admin
// ============================================================================

func (s *Service) Initialize(ctx context.Context, req *InitializeRequest) (*CommitResponse, error) {
	caller, err := callerFrom(ctx, "")
	if err != nil {
		return nil, err
	}
	out, err := s.engine.Initialize(ctx, caller, req.Name, req.Vault, req.Config)
	if err != nil {
		return nil, err
	}
	return commitResponse(out), nil
}

func (s *Service) SetConfig(ctx context.Context, req *SetConfigRequest) (*CommitResponse, error) {
	return s.admin(ctx, func(caller string) (*core.CoreOutput, error) {
		return s.engine.SetConfig(ctx, caller, req.Config)
	})
}

func (s *Service) QueueSetConfig(ctx context.Context, req *SetConfigRequest) (*CommitResponse, error) {
	return s.admin(ctx, func(caller string) (*core.CoreOutput, error) {
		return s.engine.QueueSetConfig(ctx, caller, req.Config)
	})
}

func (s *Service) CancelSetConfig(ctx context.Context, _ *Empty) (*CommitResponse, error) {
	return s.admin(ctx, func(caller string) (*core.CoreOutput, error) {
		return s.engine.CancelSetConfig(ctx, caller)
	})
}

// ApplyConfig installs an unlocked queued trading config. Anyone may call
// it.
func (s *Service) ApplyConfig(ctx context.Context, _ *Empty) (*CommitResponse, error) {
	return s.admin(ctx, func(caller string) (*core.CoreOutput, error) {
		return s.engine.ApplyConfig(ctx, caller)
	})
}

func (s *Service) InitMarket(ctx context.Context, req *MarketConfigRequest) (*CommitResponse, error) {
	return s.admin(ctx, func(caller string) (*core.CoreOutput, error) {
		return s.engine.InitMarket(ctx, caller, req.Asset, req.Config)
	})
}

func (s *Service) QueueSetMarket(ctx context.Context, req *MarketConfigRequest) (*CommitResponse, error) {
	return s.admin(ctx, func(caller string) (*core.CoreOutput, error) {
		return s.engine.QueueSetMarket(ctx, caller, req.Asset, req.Config)
	})
}

func (s *Service) CancelSetMarket(ctx context.Context, req *AssetRequest) (*CommitResponse, error) {
	return s.admin(ctx, func(caller string) (*core.CoreOutput, error) {
		return s.engine.CancelSetMarket(ctx, caller, req.Asset)
	})
}

// SetMarket applies an unlocked queued config. Anyone may call it.
func (s *Service) SetMarket(ctx context.Context, req *AssetRequest) (*CommitResponse, error) {
	return s.admin(ctx, func(caller string) (*core.CoreOutput, error) {
		return s.engine.SetMarket(ctx, caller, req.Asset)
	})
}

func (s *Service) SetStatus(ctx context.Context, req *SetStatusRequest) (*CommitResponse, error) {
	return s.admin(ctx, func(caller string) (*core.CoreOutput, error) {
		return s.engine.SetStatus(ctx, caller, req.Status)
	})
}

func (s *Service) Upgrade(ctx context.Context, req *UpgradeRequest) (*CommitResponse, error) {
	return s.admin(ctx, func(caller string) (*core.CoreOutput, error) {
		return s.engine.Upgrade(ctx, caller, req.WasmHash)
	})
}

func (s *Service) admin(ctx context.Context, fn func(caller string) (*core.CoreOutput, error)) (*CommitResponse, error) {
	caller, err := callerFrom(ctx, "")
	if err != nil {
		return nil, err
	}
	out, err := fn(caller)
	if err != nil {
		return nil, err
	}
	return commitResponse(out), nil
}

// ============================================================================
// Ownership & roles
// ============================================================================

func (s *Service) GetOwner(ctx context.Context, _ *Empty) (*OwnerResponse, error) {
	owner, err := s.engine.Owner()
	if err != nil {
		return nil, err
	}
	return &OwnerResponse{Owner: owner}, nil
}

func (s *Service) TransferOwnership(ctx context.Context, req *TransferOwnershipRequest) (*Empty, error) {
	return s.access(ctx, func(caller string) error {
		return s.engine.TransferOwnership(caller, req.NewOwner, req.LiveUntil)
	})
}

func (s *Service) AcceptOwnership(ctx context.Context, _ *Empty) (*Empty, error) {
	return s.access(ctx, s.engine.AcceptOwnership)
}

func (s *Service) RenounceOwnership(ctx context.Context, _ *Empty) (*Empty, error) {
	return s.access(ctx, s.engine.RenounceOwnership)
}

func (s *Service) GrantRole(ctx context.Context, req *RoleRequest) (*Empty, error) {
	return s.access(ctx, func(caller string) error {
		return s.engine.GrantRole(caller, req.Account, req.Role)
	})
}

func (s *Service) RevokeRole(ctx context.Context, req *RoleRequest) (*Empty, error) {
	return s.access(ctx, func(caller string) error {
		return s.engine.RevokeRole(caller, req.Account, req.Role)
	})
}

func (s *Service) access(ctx context.Context, fn func(caller string) error) (*Empty, error) {
	caller, err := callerFrom(ctx, "")
	if err != nil {
		return nil, err
	}
	if err := fn(caller); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// InjectPrice writes an oracle quote. Owner only.
func (s *Service) InjectPrice(ctx context.Context, req *InjectPriceRequest) (*Empty, error) {
	if s.prices == nil {
		return nil, status.Error(codes.Unimplemented, "price injection is disabled")
	}
	caller, err := callerFrom(ctx, "")
	if err != nil {
		return nil, err
	}
	if err := s.engine.Access().RequireOwner(caller); err != nil {
		return nil, err
	}
	if req.Price <= 0 {
		return nil, state.Errorf(state.CodeBadRequest, "price must be positive")
	}
	ts := req.Timestamp
	if ts == 0 {
		ts = s.clock()
	}
	if err := s.prices.Publish(ctx, req.Asset, state.PriceData{Price: req.Price, Timestamp: ts}); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// ============================================================================
// Service descriptor
// ============================================================================

// unary adapts a typed method to a grpc.MethodDesc.
func unary[Req any, Resp any](name string, fn func(*Service, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			call := func(ctx context.Context, req interface{}) (interface{}, error) {
				out, err := fn(srv.(*Service), ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return out, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, call)
		},
	}
}

// ServiceDesc describes perpsettle.v1.Settlement.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SettlementServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", (*Service).Submit),
		unary("CreatePosition", (*Service).CreatePosition),
		unary("ClosePosition", (*Service).ClosePosition),
		unary("ModifyCollateral", (*Service).ModifyCollateral),
		unary("SetTriggers", (*Service).SetTriggers),
		unary("GetPosition", (*Service).GetPosition),
		unary("ListUserPositions", (*Service).ListUserPositions),
		unary("GetBalance", (*Service).GetBalance),
		unary("ListJournals", (*Service).ListJournals),
		unary("ListFunding", (*Service).ListFunding),
		unary("GetMarket", (*Service).GetMarket),
		unary("ListMarkets", (*Service).ListMarkets),
		unary("GetContract", (*Service).GetContract),
		unary("VerifyIntegrity", (*Service).VerifyIntegrity),
		unary("Initialize", (*Service).Initialize),
		unary("SetConfig", (*Service).SetConfig),
		unary("QueueSetConfig", (*Service).QueueSetConfig),
		unary("CancelSetConfig", (*Service).CancelSetConfig),
		unary("ApplyConfig", (*Service).ApplyConfig),
		unary("InitMarket", (*Service).InitMarket),
		unary("QueueSetMarket", (*Service).QueueSetMarket),
		unary("CancelSetMarket", (*Service).CancelSetMarket),
		unary("SetMarket", (*Service).SetMarket),
		unary("SetStatus", (*Service).SetStatus),
		unary("Upgrade", (*Service).Upgrade),
		unary("GetOwner", (*Service).GetOwner),
		unary("TransferOwnership", (*Service).TransferOwnership),
		unary("AcceptOwnership", (*Service).AcceptOwnership),
		unary("RenounceOwnership", (*Service).RenounceOwnership),
		unary("GrantRole", (*Service).GrantRole),
		unary("RevokeRole", (*Service).RevokeRole),
		unary("InjectPrice", (*Service).InjectPrice),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "perpsettle/v1/settlement.proto",
}

package api

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"inkslot/internal/models"
	"inkslot/internal/service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	slotServiceName      = "inkslot.slots.v1.SlotService"
	slotServiceListSlots = "/" + slotServiceName + "/ListSlots"
	slotServiceGetSlot   = "/" + slotServiceName + "/GetSlot"
)

// SlotServiceServer is the read-only slot API. Messages are generic
// protobuf Structs so no generated code is needed.
type SlotServiceServer interface {
	ListSlots(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetSlot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var slotServiceDesc = grpc.ServiceDesc{
	ServiceName: slotServiceName,
	HandlerType: (*SlotServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListSlots", Handler: unaryStructHandler(slotServiceListSlots, SlotServiceServer.ListSlots)},
		{MethodName: "GetSlot", Handler: unaryStructHandler(slotServiceGetSlot, SlotServiceServer.GetSlot)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "inkslot/slots/v1/slots.proto",
}

func unaryStructHandler(
	fullMethod string,
	call func(SlotServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SlotServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SlotServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterSlotServiceServer attaches impl to s.
func RegisterSlotServiceServer(s grpc.ServiceRegistrar, impl SlotServiceServer) {
	s.RegisterService(&slotServiceDesc, impl)
}

// SlotGRPCService serves slot reads from the slot service.
type SlotGRPCService struct {
	slots *service.SlotService
}

func NewSlotGRPCService(slots *service.SlotService) *SlotGRPCService {
	return &SlotGRPCService{slots: slots}
}

func (s *SlotGRPCService) ListSlots(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	filter := models.SlotFilter{
		Date:          strings.TrimSpace(fields["date"].GetStringValue()),
		ServiceType:   models.ServiceType(strings.TrimSpace(fields["service_type"].GetStringValue())),
		OnlyAvailable: fields["available"].GetBoolValue(),
	}

	slots, err := s.slots.ListSlots(ctx, filter)
	if err != nil {
		return nil, toStatus(err)
	}

	list := make([]any, 0, len(slots))
	for _, slot := range slots {
		list = append(list, slotFields(slot))
	}
	out, err := structpb.NewStruct(map[string]any{"slots": list})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode slots")
	}
	return out, nil
}

func (s *SlotGRPCService) GetSlot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw := req.GetFields()["id"].GetNumberValue()
	if raw < 1 || raw != math.Trunc(raw) {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}

	slot, err := s.slots.GetSlot(ctx, int64(raw))
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := structpb.NewStruct(slotFields(slot))
	if err != nil {
		return nil, status.Error(codes.Internal, "encode slot")
	}
	return out, nil
}

func slotFields(slot *models.Slot) map[string]any {
	return map[string]any{
		"id":               slot.ID,
		"service_type":     string(slot.ServiceType),
		"date":             slot.Date,
		"starts_at":        slot.StartsAt.Format(time.RFC3339),
		"ends_at":          slot.EndsAt.Format(time.RFC3339),
		"max_bookings":     slot.MaxBookings,
		"current_bookings": slot.CurrentBookings,
		"is_available":     slot.IsAvailable,
	}
}

func toStatus(err error) error {
	code := grpcCode(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

// SlotClient calls the slot API over an existing connection.
type SlotClient struct {
	cc grpc.ClientConnInterface
}

func NewSlotClient(cc grpc.ClientConnInterface) *SlotClient {
	return &SlotClient{cc: cc}
}

func (c *SlotClient) ListSlots(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, slotServiceListSlots, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SlotClient) GetSlot(ctx context.Context, id int64, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if id <= 0 {
		return nil, errors.New("slot id must be positive")
	}
	req, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, slotServiceGetSlot, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

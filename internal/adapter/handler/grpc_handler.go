package handler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/retail-ledger/internal/core/domain"
	"github.com/rl1809/retail-ledger/internal/core/service"
)

const RetailServiceName = "retail.v1.RetailService"

// RetailServiceServer is the gRPC surface of the ledger and the sale engine.
// Requests and responses are google.protobuf.Struct messages.
type RetailServiceServer interface {
	AddStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReserveStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReleaseReservation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TransferStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ProcessSale(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ProcessRefund(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSale(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type GRPCHandler struct {
	inventory *service.InventoryService
	sales     *service.SaleService
}

func NewGRPCHandler(inventory *service.InventoryService, sales *service.SaleService) *GRPCHandler {
	return &GRPCHandler{inventory: inventory, sales: sales}
}

type unaryMethod func(RetailServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RetailServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + RetailServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(RetailServiceServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var retailServiceDesc = grpc.ServiceDesc{
	ServiceName: RetailServiceName,
	HandlerType: (*RetailServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("AddStock", RetailServiceServer.AddStock),
		unary("RemoveStock", RetailServiceServer.RemoveStock),
		unary("ReserveStock", RetailServiceServer.ReserveStock),
		unary("ReleaseReservation", RetailServiceServer.ReleaseReservation),
		unary("TransferStock", RetailServiceServer.TransferStock),
		unary("GetStock", RetailServiceServer.GetStock),
		unary("ProcessSale", RetailServiceServer.ProcessSale),
		unary("ProcessRefund", RetailServiceServer.ProcessRefund),
		unary("GetSale", RetailServiceServer.GetSale),
	},
	Metadata: "retail/v1/retail.proto",
}

func RegisterRetailServiceServer(s grpc.ServiceRegistrar, srv RetailServiceServer) {
	s.RegisterService(&retailServiceDesc, srv)
}

func (h *GRPCHandler) AddStock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.stockOp(ctx, req, h.inventory.AddStock)
}

func (h *GRPCHandler) RemoveStock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.stockOp(ctx, req, h.inventory.RemoveStock)
}

func (h *GRPCHandler) ReserveStock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.stockOp(ctx, req, h.inventory.ReserveStock)
}

func (h *GRPCHandler) ReleaseReservation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.stockOp(ctx, req, h.inventory.ReleaseReservation)
}

func (h *GRPCHandler) stockOp(ctx context.Context, req *structpb.Struct, op stockFunc) (*structpb.Struct, error) {
	in := fieldReader{s: req}
	itemID, storeID, quantity := in.int64Of("item_id"), in.int64Of("store_id"), in.intOf("quantity")
	if in.err != nil {
		return nil, in.invalid()
	}
	rec, err := op(ctx, itemID, storeID, quantity)
	if err != nil {
		return nil, grpcError(err)
	}
	return stockStruct(rec)
}

func (h *GRPCHandler) TransferStock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := fieldReader{s: req}
	itemID, fromStoreID, toStoreID := in.int64Of("item_id"), in.int64Of("from_store_id"), in.int64Of("to_store_id")
	quantity := in.intOf("quantity")
	if in.err != nil {
		return nil, in.invalid()
	}
	from, to, err := h.inventory.TransferStock(ctx, itemID, fromStoreID, toStoreID, quantity)
	if err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]any{
		"from": stockMap(from),
		"to":   stockMap(to),
	})
}

func (h *GRPCHandler) GetStock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := fieldReader{s: req}
	itemID, storeID := in.int64Of("item_id"), in.int64Of("store_id")
	if in.err != nil {
		return nil, in.invalid()
	}
	quantity, err := h.inventory.GetStock(ctx, itemID, storeID)
	if err != nil {
		return nil, grpcError(err)
	}
	available, err := h.inventory.GetAvailable(ctx, itemID, storeID)
	if err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]any{
		"item_id":   itemID,
		"store_id":  storeID,
		"quantity":  quantity,
		"available": available,
	})
}

func (h *GRPCHandler) ProcessSale(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var lines []service.SaleLineRequest
	for _, v := range req.GetFields()["lines"].GetListValue().GetValues() {
		l := v.GetStructValue()
		discount, err := decimalField(l, "discount")
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid discount: %v", err)
		}
		in := fieldReader{s: l}
		line := service.SaleLineRequest{
			ItemID:   in.int64Of("item_id"),
			Quantity: in.intOf("quantity"),
			Discount: discount,
		}
		if in.err != nil {
			return nil, in.invalid()
		}
		lines = append(lines, line)
	}

	in := fieldReader{s: req}
	storeID := in.int64Of("store_id")
	if in.err != nil {
		return nil, in.invalid()
	}
	sale, err := h.sales.ProcessSale(ctx, service.SaleRequest{
		RequestID:     stringField(req, "request_id"),
		StoreID:       storeID,
		Lines:         lines,
		PaymentMethod: domain.PaymentMethod(stringField(req, "payment_method")),
		CustomerEmail: stringField(req, "customer_email"),
		CustomerPhone: stringField(req, "customer_phone"),
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return saleStruct(*sale)
}

func (h *GRPCHandler) ProcessRefund(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := fieldReader{s: req}
	storeID, itemID, quantity := in.int64Of("store_id"), in.int64Of("item_id"), in.intOf("quantity")
	if in.err != nil {
		return nil, in.invalid()
	}
	sale, err := h.sales.ProcessRefund(ctx, storeID, stringField(req, "sale_id"), itemID, quantity)
	if err != nil {
		return nil, grpcError(err)
	}
	return saleStruct(*sale)
}

func (h *GRPCHandler) GetSale(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := fieldReader{s: req}
	storeID := in.int64Of("store_id")
	if in.err != nil {
		return nil, in.invalid()
	}
	sale, err := h.sales.GetSale(ctx, storeID, stringField(req, "sale_id"))
	if err != nil {
		return nil, grpcError(err)
	}
	return saleStruct(*sale)
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrInsufficientStock):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidReservation),
		errors.Is(err, service.ErrInvalidRefundQuantity):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrNotAuthorized):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, service.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, service.ErrConcurrencyConflict):
		return status.Error(codes.Aborted, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}

// intField reads an integer field; structpb carries every number as a
// double, so fractions and values outside the int64 range are rejected.
// An absent or null field reads as zero.
func intField(s *structpb.Struct, name string) (int64, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return 0, nil
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, fmt.Errorf("field %s must be an integer, got %v", name, n)
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("field %s must be a number", name)
}

// fieldReader reads integer fields and keeps the first error.
type fieldReader struct {
	s   *structpb.Struct
	err error
}

func (r *fieldReader) int64Of(name string) int64 {
	v, err := intField(r.s, name)
	if err != nil && r.err == nil {
		r.err = err
	}
	return v
}

func (r *fieldReader) intOf(name string) int {
	v := r.int64Of(name)
	if (v < math.MinInt || v > math.MaxInt) && r.err == nil {
		r.err = fmt.Errorf("field %s is out of range", name)
		return 0
	}
	return int(v)
}

func (r *fieldReader) invalid() error {
	return status.Error(codes.InvalidArgument, r.err.Error())
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

// decimalField accepts money as a string ("2.50") or a number; absent is zero.
func decimalField(s *structpb.Struct, name string) (decimal.Decimal, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return decimal.Zero, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return decimal.NewFromString(k.StringValue)
	case *structpb.Value_NumberValue:
		return decimal.NewFromFloat(k.NumberValue), nil
	case *structpb.Value_NullValue:
		return decimal.Zero, nil
	}
	return decimal.Zero, fmt.Errorf("field %s must be a string or number", name)
}

func stockMap(rec domain.StockRecord) map[string]any {
	return map[string]any{
		"item_id":            rec.ItemID,
		"store_id":           rec.StoreID,
		"quantity":           rec.Quantity,
		"reserved_quantity":  rec.ReservedQuantity,
		"available_quantity": rec.AvailableQuantity(),
		"min_stock_level":    rec.MinStockLevel,
		"max_stock_level":    rec.MaxStockLevel,
		"low_stock":          rec.IsLowStock(),
	}
}

func stockStruct(rec domain.StockRecord) (*structpb.Struct, error) {
	return structpb.NewStruct(stockMap(rec))
}

func saleStruct(s domain.Sale) (*structpb.Struct, error) {
	lines := make([]any, len(s.Lines))
	for i, l := range s.Lines {
		lines[i] = map[string]any{
			"item_id":    l.ItemID,
			"item_name":  l.ItemName,
			"quantity":   l.Quantity,
			"unit_price": l.UnitPrice.String(),
			"discount":   l.Discount.String(),
			"line_total": l.LineTotal.String(),
		}
	}
	return structpb.NewStruct(map[string]any{
		"id":             s.ID,
		"store_id":       s.StoreID,
		"sale_date":      s.SaleDate.Format(time.RFC3339Nano),
		"total_amount":   s.TotalAmount.String(),
		"payment_method": string(s.PaymentMethod),
		"lines":          lines,
	})
}

package grpc

import (
	"context"

	"github.com/OP0007/shelf-to-door/internal/domain"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
)

const serviceName = "shelftodoor.v1.CartEngine"

type ScanRequest struct {
	CartID    int64 `json:"cart_id"`
	ProductID int64 `json:"product_id"`
}

type TagScanRequest struct {
	CartID  int64  `json:"cart_id"`
	RFIDTag string `json:"rfid_tag"`
}

type CartRequest struct {
	CartID int64 `json:"cart_id"`
}

type ScanResponse struct {
	Line            domain.CartLine `json:"line"`
	ProductName     string          `json:"product_name"`
	AggregateWeight decimal.Decimal `json:"aggregate_weight"`
}

type CartResponse struct {
	Cart  domain.Cart           `json:"cart"`
	Lines []domain.CartLineView `json:"lines,omitempty"`
	Total decimal.Decimal       `json:"total"`
}

// CartEngineServer is the server API for the reader gateway service.
type CartEngineServer interface {
	ProcessScan(ctx context.Context, req *ScanRequest) (*ScanResponse, error)
	ScanTag(ctx context.Context, req *TagScanRequest) (*ScanResponse, error)
	Resync(ctx context.Context, req *CartRequest) (*CartResponse, error)
	GetCart(ctx context.Context, req *CartRequest) (*CartResponse, error)
}

func RegisterCartEngineServer(s grpc.ServiceRegistrar, srv CartEngineServer) {
	s.RegisterService(&cartEngineServiceDesc, srv)
}

// unaryHandler adapts a typed method to grpc.MethodDesc.
func unaryHandler[Req any, Resp any](method string, call func(CartEngineServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CartEngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + serviceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CartEngineServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var cartEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CartEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ProcessScan",
			Handler:    unaryHandler("ProcessScan", CartEngineServer.ProcessScan),
		},
		{
			MethodName: "ScanTag",
			Handler:    unaryHandler("ScanTag", CartEngineServer.ScanTag),
		},
		{
			MethodName: "Resync",
			Handler:    unaryHandler("Resync", CartEngineServer.Resync),
		},
		{
			MethodName: "GetCart",
			Handler:    unaryHandler("GetCart", CartEngineServer.GetCart),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shelftodoor/v1/cart_engine.proto",
}

// CartEngineClient calls the reader gateway service using the JSON codec.
type CartEngineClient struct {
	cc grpc.ClientConnInterface
}

func NewCartEngineClient(cc grpc.ClientConnInterface) *CartEngineClient {
	return &CartEngineClient{cc: cc}
}

func (c *CartEngineClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...)
}

func (c *CartEngineClient) ProcessScan(ctx context.Context, in *ScanRequest, opts ...grpc.CallOption) (*ScanResponse, error) {
	out := new(ScanResponse)
	if err := c.invoke(ctx, "ProcessScan", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CartEngineClient) ScanTag(ctx context.Context, in *TagScanRequest, opts ...grpc.CallOption) (*ScanResponse, error) {
	out := new(ScanResponse)
	if err := c.invoke(ctx, "ScanTag", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CartEngineClient) Resync(ctx context.Context, in *CartRequest, opts ...grpc.CallOption) (*CartResponse, error) {
	out := new(CartResponse)
	if err := c.invoke(ctx, "Resync", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CartEngineClient) GetCart(ctx context.Context, in *CartRequest, opts ...grpc.CallOption) (*CartResponse, error) {
	out := new(CartResponse)
	if err := c.invoke(ctx, "GetCart", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

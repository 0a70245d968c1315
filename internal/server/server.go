// Package server 以 gRPC 暴露執行中 driver 的狀態
//
// 服務沒有 .proto 產生的程式碼：請求是 google.protobuf.Empty，回應是
// google.protobuf.Struct，內容即 types.RunSnapshot 的 JSON 形式
package server

import (
	"context"
	"encoding/json"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/pkg/types"
)

const (
	// ServiceName gRPC 服務名稱
	ServiceName = "driver.v1.Status"
	// GetMethod 完整方法名稱
	GetMethod = "/" + ServiceName + "/Get"
)

// StatusSource 提供最新狀態，通常是 *controller.Controller
type StatusSource interface {
	Status() *types.RunSnapshot
}

// StatusServer driver.v1.Status 的伺服端介面
type StatusServer interface {
	Get(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

// StatusServiceDesc 手動註冊用的服務描述
var StatusServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: getHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "driver/v1/status.proto",
}

func getHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatusServer).Get(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Server gRPC 狀態服務
type Server struct {
	src  StatusSource
	grpc *grpc.Server
	log  *zap.SugaredLogger
}

// New 建立並註冊狀態服務
func New(src StatusSource, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		src:  src,
		grpc: grpc.NewServer(),
		log:  log.Named("status"),
	}
	s.grpc.RegisterService(&StatusServiceDesc, s)
	return s
}

// Get 實作 StatusServer
func (s *Server) Get(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap := s.src.Status()
	if snap == nil {
		return nil, status.Error(codes.Unavailable, "driver has not published a status yet")
	}
	out, err := encode(snap)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

// Serve 在 lis 上提供服務直到 Stop
func (s *Server) Serve(lis net.Listener) error {
	s.log.Infow("status service listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "serve status")
	}
	return nil
}

// ListenAndServe 監聽 addr 並提供服務
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return s.Serve(lis)
}

// Stop 等待進行中的請求結束後停止
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func encode(snap *types.RunSnapshot) (*structpb.Struct, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func decode(st *structpb.Struct) (*types.RunSnapshot, error) {
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return nil, err
	}
	var snap types.RunSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Fetch 透過既有連線查詢狀態
func Fetch(ctx context.Context, conn grpc.ClientConnInterface) (*types.RunSnapshot, error) {
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, GetMethod, &emptypb.Empty{}, out); err != nil {
		return nil, errors.Wrap(err, "status rpc")
	}
	snap, err := decode(out)
	if err != nil {
		return nil, errors.Wrap(err, "decode status")
	}
	return snap, nil
}

// FetchStatus 連線到 addr 查詢狀態
func FetchStatus(ctx context.Context, addr string) (*types.RunSnapshot, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", addr)
	}
	defer conn.Close()
	return Fetch(ctx, conn)
}

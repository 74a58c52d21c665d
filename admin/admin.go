// Package admin exposes the edge worker's message protocol and the cache
// manager's statistics as the nutcache.EdgeAdmin gRPC service. It uses
// [grpc.ServiceDesc] registration so that no protobuf code generation is
// required.
//
// Because the request/response types are plain Go structs, the package
// registers a thin codec wrapper that JSON-encodes admin types while
// delegating all other messages to the standard proto codec. Importing this
// package activates the codec.
package admin

import (
	"context"
	"time"

	"github.com/Keksclan/nutcache/edge"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "nutcache.EdgeAdmin"

// Full method names.
const (
	MethodGetCacheStats    = "/" + ServiceName + "/GetCacheStats"
	MethodClearCache       = "/" + ServiceName + "/ClearCache"
	MethodPreloadResources = "/" + ServiceName + "/PreloadResources"
	MethodSkipWaiting      = "/" + ServiceName + "/SkipWaiting"
	MethodGetManagerStats  = "/" + ServiceName + "/GetManagerStats"
)

type StatsRequest struct{}

// StatsResponse lists every edge partition with its record count.
type StatsResponse struct {
	Partitions []edge.PartitionStats `json:"partitions"`
}

// ClearRequest names the partition to delete. An empty Name clears every
// partition.
type ClearRequest struct {
	Name string `json:"name,omitempty"`
}

type ClearResponse struct {
	Name string `json:"name,omitempty"`
}

// PreloadRequest lists URLs to store in the static partition. Relative URLs
// are resolved against the worker origin.
type PreloadRequest struct {
	URLs []string `json:"urls"`
}

type PreloadResponse struct {
	URLs []string `json:"urls"`
}

type SkipWaitingRequest struct{}

// SkipWaitingResponse reports the worker state when the command was queued.
// Activation completes asynchronously.
type SkipWaitingResponse struct {
	State string `json:"state"`
}

type ManagerStatsRequest struct{}

// ManagerStatsResponse mirrors cache.Stats.
type ManagerStatsResponse struct {
	TotalSize   int64     `json:"total_size"`
	ItemCount   int       `json:"item_count"`
	Hits        uint64    `json:"hits"`
	Misses      uint64    `json:"misses"`
	Evictions   uint64    `json:"evictions"`
	HitRate     float64   `json:"hit_rate"`
	LastCleanup time.Time `json:"last_cleanup"`
}

// adminMsg is a marker interface satisfied by every request and response
// type of the service.
type adminMsg interface {
	isAdminMsg()
}

func (*StatsRequest) isAdminMsg()         {}
func (*StatsResponse) isAdminMsg()        {}
func (*ClearRequest) isAdminMsg()         {}
func (*ClearResponse) isAdminMsg()        {}
func (*PreloadRequest) isAdminMsg()       {}
func (*PreloadResponse) isAdminMsg()      {}
func (*SkipWaitingRequest) isAdminMsg()   {}
func (*SkipWaitingResponse) isAdminMsg()  {}
func (*ManagerStatsRequest) isAdminMsg()  {}
func (*ManagerStatsResponse) isAdminMsg() {}

// Handler is the interface an EdgeAdmin implementation must satisfy.
type Handler interface {
	GetCacheStats(ctx context.Context, req *StatsRequest) (*StatsResponse, error)
	ClearCache(ctx context.Context, req *ClearRequest) (*ClearResponse, error)
	PreloadResources(ctx context.Context, req *PreloadRequest) (*PreloadResponse, error)
	SkipWaiting(ctx context.Context, req *SkipWaitingRequest) (*SkipWaitingResponse, error)
	GetManagerStats(ctx context.Context, req *ManagerStatsRequest) (*ManagerStatsResponse, error)
}

// ServiceDesc is the grpc.ServiceDesc for the nutcache.EdgeAdmin service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetCacheStats", Handler: unary(MethodGetCacheStats, Handler.GetCacheStats)},
		{MethodName: "ClearCache", Handler: unary(MethodClearCache, Handler.ClearCache)},
		{MethodName: "PreloadResources", Handler: unary(MethodPreloadResources, Handler.PreloadResources)},
		{MethodName: "SkipWaiting", Handler: unary(MethodSkipWaiting, Handler.SkipWaiting)},
		{MethodName: "GetManagerStats", Handler: unary(MethodGetManagerStats, Handler.GetManagerStats)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nutcache/admin.proto",
}

// unary adapts a Handler method to a grpc.MethodHandler.
func unary[Req, Resp any](fullMethod string, call func(Handler, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(Handler), ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, r any) (any, error) {
			return call(srv.(Handler), ctx, r.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

// Register registers an EdgeAdmin implementation on the given gRPC server.
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

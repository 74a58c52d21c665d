package admin

import (
	"context"
	"errors"

	"github.com/Keksclan/nutcache/cache"
	"github.com/Keksclan/nutcache/edge"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Mailbox is the part of *edge.Worker the service talks to.
type Mailbox interface {
	Request(ctx context.Context, msg edge.Message) (edge.Message, error)
	State() edge.State
}

// StatsSource reports cache manager statistics; *cache.Manager satisfies it.
type StatsSource interface {
	Stats() cache.Stats
}

// Service implements Handler by forwarding commands to a worker mailbox.
type Service struct {
	mailbox Mailbox
	stats   StatsSource
}

var _ Handler = (*Service)(nil)

// NewService returns a Service for w. stats may be nil, in which case
// GetManagerStats returns Unimplemented.
func NewService(w Mailbox, stats StatsSource) *Service {
	return &Service{mailbox: w, stats: stats}
}

func (s *Service) GetCacheStats(ctx context.Context, _ *StatsRequest) (*StatsResponse, error) {
	resp := &StatsResponse{}
	if err := s.call(ctx, edge.GetCacheStats, nil, edge.CacheStats, &resp.Partitions); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) ClearCache(ctx context.Context, req *ClearRequest) (*ClearResponse, error) {
	var payload any
	if req.Name != "" {
		payload = req.Name
	}
	resp := &ClearResponse{}
	if err := s.call(ctx, edge.ClearCache, payload, edge.CacheCleared, &resp.Name); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) PreloadResources(ctx context.Context, req *PreloadRequest) (*PreloadResponse, error) {
	if len(req.URLs) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no urls")
	}
	resp := &PreloadResponse{}
	if err := s.call(ctx, edge.PreloadResources, req.URLs, edge.ResourcesPreloaded, &resp.URLs); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) SkipWaiting(ctx context.Context, _ *SkipWaitingRequest) (*SkipWaitingResponse, error) {
	if _, err := s.mailbox.Request(ctx, edge.Message{Type: edge.SkipWaiting}); err != nil {
		return nil, toStatus(err)
	}
	return &SkipWaitingResponse{State: s.mailbox.State().String()}, nil
}

func (s *Service) GetManagerStats(_ context.Context, _ *ManagerStatsRequest) (*ManagerStatsResponse, error) {
	if s.stats == nil {
		return nil, status.Error(codes.Unimplemented, "no cache manager configured")
	}
	st := s.stats.Stats()
	return &ManagerStatsResponse{
		TotalSize:   st.TotalSize,
		ItemCount:   st.ItemCount,
		Hits:        st.Hits,
		Misses:      st.Misses,
		Evictions:   st.Evictions,
		HitRate:     st.HitRate,
		LastCleanup: st.LastCleanup,
	}, nil
}

// call sends a command and decodes a reply of type want into out. An ERROR
// reply becomes codes.FailedPrecondition carrying the worker's reason.
func (s *Service) call(ctx context.Context, cmd edge.MessageType, payload any, want edge.MessageType, out any) error {
	msg, err := edge.NewMessage(cmd, payload)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	reply, err := s.mailbox.Request(ctx, msg)
	if err != nil {
		return toStatus(err)
	}
	switch reply.Type {
	case want:
	case edge.Error:
		var reason string
		if err := reply.Decode(&reason); err != nil {
			reason = "worker error"
		}
		return status.Error(codes.FailedPrecondition, reason)
	default:
		return status.Errorf(codes.Internal, "unexpected reply %s to %s", reply.Type, cmd)
	}
	if len(reply.Payload) == 0 {
		return nil
	}
	if err := reply.Decode(out); err != nil {
		return status.Errorf(codes.Internal, "decode %s: %v", reply.Type, err)
	}
	return nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, edge.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

package admin

import (
	"context"
	"time"

	"github.com/Keksclan/nutcache/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

// Client calls a remote EdgeAdmin service.
type Client struct {
	cc    grpc.ClientConnInterface
	retry retry.Config
}

// DefaultRetry retries calls that fail with Unavailable, which covers a
// daemon that is still starting.
var DefaultRetry = retry.Config{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    time.Second,
	Jitter:      0.2,
	RetryCodes:  []codes.Code{codes.Unavailable},
}

// NewClient returns a Client over cc. Calls are retried per DefaultRetry.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc, retry: DefaultRetry}
}

// WithRetry returns a copy of c using cfg for every call.
func (c *Client) WithRetry(cfg retry.Config) *Client {
	cp := *c
	cp.retry = cfg
	return &cp
}

func (c *Client) GetCacheStats(ctx context.Context) (*StatsResponse, error) {
	return invoke[StatsResponse](ctx, c, MethodGetCacheStats, &StatsRequest{})
}

// ClearCache deletes the named partition, or every partition when name is
// empty.
func (c *Client) ClearCache(ctx context.Context, name string) (*ClearResponse, error) {
	return invoke[ClearResponse](ctx, c, MethodClearCache, &ClearRequest{Name: name})
}

func (c *Client) PreloadResources(ctx context.Context, urls ...string) (*PreloadResponse, error) {
	return invoke[PreloadResponse](ctx, c, MethodPreloadResources, &PreloadRequest{URLs: urls})
}

func (c *Client) SkipWaiting(ctx context.Context) (*SkipWaitingResponse, error) {
	return invoke[SkipWaitingResponse](ctx, c, MethodSkipWaiting, &SkipWaitingRequest{})
}

func (c *Client) GetManagerStats(ctx context.Context) (*ManagerStatsResponse, error) {
	return invoke[ManagerStatsResponse](ctx, c, MethodGetManagerStats, &ManagerStatsRequest{})
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req adminMsg) (*Resp, error) {
	return retry.Do(ctx, c.retry, func(ctx context.Context) (*Resp, error) {
		resp := new(Resp)
		if err := c.cc.Invoke(ctx, method, req, resp); err != nil {
			return nil, err
		}
		return resp, nil
	})
}

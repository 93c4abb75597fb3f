// Package agentrpc is the manager's client to the per-node agent
// daemon, generalized from the teacher's pkg/client.Client +
// pkg/worker/worker.go pairing: there, the manager dials a generated
// proto.WarrenAPIClient; here it dials a hand-declared AgentServiceClient
// covering only the five calls the scheduler and reconciler need.
package agentrpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/metrics"
	"github.com/sokovan/manager/pkg/resource"
)

// PingRequest/PingResponse carry agent liveness and capacity.
type PingRequest struct{}

type PingResponse struct {
	AvailableSlots resource.Slots
	OccupiedSlots  resource.Slots
	ContainerCount int
}

// CheckAndPullImageRequest asks the agent to ensure an image is
// present locally before kernels referencing it are created.
type CheckAndPullImageRequest struct {
	Image string
	Tag   string
}

type CheckAndPullImageResponse struct {
	Present bool
}

// CreateKernelsRequest asks the agent to start one or more kernels for
// a session.
type CreateKernelsRequest struct {
	SessionID       string
	Kernels         []domain.Kernel
	StartupCommand  string
	BootstrapScript string
	Env             map[string]string
	Mounts          []domain.MountRef
}

type CreateKernelsResponse struct {
	ServicePorts map[string][]domain.ServicePort // kernel id -> ports
}

// DestroyKernelRequest asks the agent to terminate one kernel.
type DestroyKernelRequest struct {
	KernelID string
}

type DestroyKernelResponse struct{}

// PingKernelRequest asks the agent for a single kernel's current
// health/status.
type PingKernelRequest struct {
	KernelID string
}

type PingKernelResponse struct {
	Status domain.KernelStatus
	Stat   map[string]string
}

// AgentServiceClient is the full surface the scheduler, reconciler, and
// session-creation worker call against one agent.
type AgentServiceClient interface {
	Ping(ctx context.Context, req *PingRequest) (*PingResponse, error)
	CheckAndPullImage(ctx context.Context, req *CheckAndPullImageRequest) (*CheckAndPullImageResponse, error)
	CreateKernels(ctx context.Context, req *CreateKernelsRequest) (*CreateKernelsResponse, error)
	DestroyKernel(ctx context.Context, req *DestroyKernelRequest) (*DestroyKernelResponse, error)
	PingKernel(ctx context.Context, req *PingKernelRequest) (*PingKernelResponse, error)
}

// Client wraps one gRPC connection to an agent. Requests are encoded
// with the json codec (see codec.go) rather than a protoc-generated
// message set, since the agent wire contract here is small and
// json-over-grpc keeps the manager free of a separate build step for a
// five-method surface.
type Client struct {
	agentID string
	conn    *grpc.ClientConn
}

// Dial opens a connection to addr. A nil tlsConfig dials without
// transport security; production deployments pass tlsConfig.
func Dial(agentID, addr string, tlsConfig *tls.Config) (*Client, error) {
	var creds credentials.TransportCredentials
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds), grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})))
	if err != nil {
		return nil, fmt.Errorf("dial agent %s at %s: %w", agentID, addr, err)
	}
	return &Client{agentID: agentID, conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.AgentRPCDuration, method)

	if err := c.conn.Invoke(ctx, "/sokovan.agent.AgentService/"+method, req, resp); err != nil {
		metrics.AgentRPCErrors.WithLabelValues(method).Inc()
		return &domain.AgentError{Kind: domain.AgentErrorRPCFailed, AgentID: c.agentID, Err: err}
	}
	return nil
}

// Ping implements AgentServiceClient.
func (c *Client) Ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	resp := &PingResponse{}
	if err := c.invoke(ctx, "Ping", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CheckAndPullImage implements AgentServiceClient.
func (c *Client) CheckAndPullImage(ctx context.Context, req *CheckAndPullImageRequest) (*CheckAndPullImageResponse, error) {
	resp := &CheckAndPullImageResponse{}
	if err := c.invoke(ctx, "CheckAndPullImage", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateKernels implements AgentServiceClient.
func (c *Client) CreateKernels(ctx context.Context, req *CreateKernelsRequest) (*CreateKernelsResponse, error) {
	resp := &CreateKernelsResponse{}
	if err := c.invoke(ctx, "CreateKernels", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DestroyKernel implements AgentServiceClient.
func (c *Client) DestroyKernel(ctx context.Context, req *DestroyKernelRequest) (*DestroyKernelResponse, error) {
	resp := &DestroyKernelResponse{}
	if err := c.invoke(ctx, "DestroyKernel", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// PingKernel implements AgentServiceClient.
func (c *Client) PingKernel(ctx context.Context, req *PingKernelRequest) (*PingKernelResponse, error) {
	resp := &PingKernelResponse{}
	if err := c.invoke(ctx, "PingKernel", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// WithDeadline returns a context bounded by timeout. The scheduler and
// reconciler do not call it: their agent calls run under the context of
// the tick that issues them, with no per-call deadline.
func WithDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

var _ AgentServiceClient = (*Client)(nil)

package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/sokovan/manager/pkg/agentrpc"
	"github.com/sokovan/manager/pkg/domain"
)

// fakeAgentClient is an in-process AgentServiceClient double: each
// method's behavior is configured via a func field, defaulting to a
// success response so tests only override what they care about.
type fakeAgentClient struct {
	mu sync.Mutex

	checkAndPullImage func(req *agentrpc.CheckAndPullImageRequest) (*agentrpc.CheckAndPullImageResponse, error)
	createKernels     func(req *agentrpc.CreateKernelsRequest) (*agentrpc.CreateKernelsResponse, error)
	destroyKernel     func(req *agentrpc.DestroyKernelRequest) (*agentrpc.DestroyKernelResponse, error)

	destroyCalls []string
}

func (f *fakeAgentClient) Ping(context.Context, *agentrpc.PingRequest) (*agentrpc.PingResponse, error) {
	return &agentrpc.PingResponse{}, nil
}

func (f *fakeAgentClient) CheckAndPullImage(_ context.Context, req *agentrpc.CheckAndPullImageRequest) (*agentrpc.CheckAndPullImageResponse, error) {
	if f.checkAndPullImage != nil {
		return f.checkAndPullImage(req)
	}
	return &agentrpc.CheckAndPullImageResponse{Present: true}, nil
}

func (f *fakeAgentClient) CreateKernels(_ context.Context, req *agentrpc.CreateKernelsRequest) (*agentrpc.CreateKernelsResponse, error) {
	if f.createKernels != nil {
		return f.createKernels(req)
	}
	ports := make(map[string][]domain.ServicePort, len(req.Kernels))
	for _, k := range req.Kernels {
		ports[k.ID] = []domain.ServicePort{{Name: "main", ContainerPort: 2000, HostPort: 30000}}
	}
	return &agentrpc.CreateKernelsResponse{ServicePorts: ports}, nil
}

func (f *fakeAgentClient) DestroyKernel(_ context.Context, req *agentrpc.DestroyKernelRequest) (*agentrpc.DestroyKernelResponse, error) {
	f.mu.Lock()
	f.destroyCalls = append(f.destroyCalls, req.KernelID)
	f.mu.Unlock()
	if f.destroyKernel != nil {
		return f.destroyKernel(req)
	}
	return &agentrpc.DestroyKernelResponse{}, nil
}

func (f *fakeAgentClient) PingKernel(context.Context, *agentrpc.PingKernelRequest) (*agentrpc.PingKernelResponse, error) {
	return &agentrpc.PingKernelResponse{}, nil
}

var _ agentrpc.AgentServiceClient = (*fakeAgentClient)(nil)

// dialerFor builds an AgentDialer that always returns client,
// regardless of which agent id/addr it's asked to dial.
func dialerFor(client *fakeAgentClient) AgentDialer {
	return func(agentID, addr string) (agentrpc.AgentServiceClient, error) {
		return client, nil
	}
}

// dialerErr builds an AgentDialer that always fails to dial.
func dialerErr(err error) AgentDialer {
	return func(agentID, addr string) (agentrpc.AgentServiceClient, error) {
		return nil, err
	}
}

func errFixture(msg string) error {
	return fmt.Errorf("%s", msg)
}

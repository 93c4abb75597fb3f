package reconciler

import (
	"context"
	"sync"

	"github.com/sokovan/manager/pkg/agentrpc"
	"github.com/sokovan/manager/pkg/domain"
)

// fakeAgentClient is an in-process AgentServiceClient double that just
// tracks which kernels were asked to be destroyed.
type fakeAgentClient struct {
	mu           sync.Mutex
	destroyCalls []string
	pingStat     map[string]string
}

func (f *fakeAgentClient) Ping(context.Context, *agentrpc.PingRequest) (*agentrpc.PingResponse, error) {
	return &agentrpc.PingResponse{}, nil
}

func (f *fakeAgentClient) CheckAndPullImage(context.Context, *agentrpc.CheckAndPullImageRequest) (*agentrpc.CheckAndPullImageResponse, error) {
	return &agentrpc.CheckAndPullImageResponse{Present: true}, nil
}

func (f *fakeAgentClient) CreateKernels(context.Context, *agentrpc.CreateKernelsRequest) (*agentrpc.CreateKernelsResponse, error) {
	return &agentrpc.CreateKernelsResponse{}, nil
}

func (f *fakeAgentClient) DestroyKernel(_ context.Context, req *agentrpc.DestroyKernelRequest) (*agentrpc.DestroyKernelResponse, error) {
	f.mu.Lock()
	f.destroyCalls = append(f.destroyCalls, req.KernelID)
	f.mu.Unlock()
	return &agentrpc.DestroyKernelResponse{}, nil
}

func (f *fakeAgentClient) PingKernel(context.Context, *agentrpc.PingKernelRequest) (*agentrpc.PingKernelResponse, error) {
	return &agentrpc.PingKernelResponse{Status: domain.KernelStatusRunning, Stat: f.pingStat}, nil
}

var _ agentrpc.AgentServiceClient = (*fakeAgentClient)(nil)

func dialerFor(client *fakeAgentClient) AgentDialer {
	return func(agentID, addr string) (agentrpc.AgentServiceClient, error) {
		return client, nil
	}
}

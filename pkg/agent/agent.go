package agent

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/hivecompute/hive/pkg/agentrpc"
	"github.com/hivecompute/hive/pkg/log"
	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/types"
)

// ManagerClient is the northbound surface the agent needs from the
// manager. pkg/client provides the production implementation.
type ManagerClient interface {
	RegisterAgent(ctx context.Context, info *agentrpc.AgentInfo) error
	Heartbeat(ctx context.Context, info *agentrpc.AgentInfo) error
	KernelEvent(ctx context.Context, event *agentrpc.KernelEvent) error
}

// Config configures one agent daemon.
type Config struct {
	ID            string
	ListenAddr    string
	AdvertiseAddr string
	ResourceGroup string
	Arch          string
	Total         slots.Slots

	HeartbeatInterval time.Duration
}

type localKernel struct {
	kernel      *types.Kernel
	containerID string
}

type attemptKey struct {
	kernelID string
	seq      uint64
}

type attemptResult struct {
	resp interface{}
	err  error
}

// Agent hosts kernels on one worker node. It serves the southbound RPC
// surface, heartbeats northbound, and dedupes dispatch attempts on
// (kernel_id, attempt_seq) so retransmitted calls have one effect.
type Agent struct {
	cfg     *Config
	runtime Runtime
	mgr     ManagerClient

	mu        sync.Mutex
	kernels   map[string]*localKernel
	occupied  slots.Slots
	attempts  map[attemptKey]attemptResult
	lastToken uint64

	grpcServer *grpc.Server
	logger     zerolog.Logger
}

// New builds an agent daemon around a runtime and a manager client.
func New(cfg *Config, runtime Runtime, mgr ManagerClient) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.ListenAddr
	}
	return &Agent{
		cfg:      cfg,
		runtime:  runtime,
		mgr:      mgr,
		kernels:  make(map[string]*localKernel),
		occupied: slots.Slots{},
		attempts: make(map[attemptKey]attemptResult),
		logger:   log.WithComponent("agent").With().Str("agent_id", cfg.ID).Logger(),
	}
}

// Run registers with the manager, serves the southbound RPC surface and
// heartbeats until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.ListenAddr, err)
	}

	a.grpcServer = grpc.NewServer()
	agentrpc.RegisterAgentServer(a.grpcServer, a)

	if err := a.mgr.RegisterAgent(ctx, a.Info()); err != nil {
		return fmt.Errorf("register with manager: %w", err)
	}
	a.logger.Info().Str("addr", a.cfg.ListenAddr).Msg("agent registered")

	errCh := make(chan error, 1)
	go func() { errCh <- a.grpcServer.Serve(lis) }()
	go a.heartbeatLoop(ctx)

	select {
	case <-ctx.Done():
		a.grpcServer.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.mgr.Heartbeat(ctx, a.Info()); err != nil {
				a.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// Info snapshots what the agent reports northbound.
func (a *Agent) Info() *agentrpc.AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	running := make([]string, 0, len(a.kernels))
	for id := range a.kernels {
		running = append(running, id)
	}
	return &agentrpc.AgentInfo{
		ID:             a.cfg.ID,
		Addr:           a.cfg.AdvertiseAddr,
		ResourceGroup:  a.cfg.ResourceGroup,
		Arch:           a.cfg.Arch,
		Total:          a.cfg.Total.Clone(),
		Occupied:       a.occupied.Clone(),
		RunningKernels: running,
	}
}

// checkToken rejects calls fenced with a token older than the newest
// one seen; a deposed leader's queued RPCs die here.
func (a *Agent) checkToken(meta agentrpc.Meta) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if meta.FencedToken < a.lastToken {
		return types.NewError(types.KindPermanent,
			fmt.Sprintf("stale fenced token %d < %d", meta.FencedToken, a.lastToken), nil)
	}
	a.lastToken = meta.FencedToken
	return nil
}

// cached returns a previously computed result for this attempt, if any.
func (a *Agent) cached(key attemptKey) (attemptResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.attempts[key]
	return res, ok
}

func (a *Agent) remember(key attemptKey, resp interface{}, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts[key] = attemptResult{resp: resp, err: err}
}

func (a *Agent) CreateKernel(ctx context.Context, req *agentrpc.CreateKernelRequest) (*agentrpc.CreateKernelResponse, error) {
	if err := a.checkToken(req.Meta); err != nil {
		return nil, err
	}
	key := attemptKey{req.Kernel.ID, req.Meta.AttemptSeq}
	if res, ok := a.cached(key); ok {
		if res.err != nil {
			return nil, res.err
		}
		return res.resp.(*agentrpc.CreateKernelResponse), nil
	}

	container, err := a.runtime.Create(ctx, req.Kernel, ContainerSpec{
		SessionID: req.SessionID,
		Env:       req.Env,
		Mounts:    req.Mounts,
		Bootstrap: req.Bootstrap,
	})
	if err != nil {
		a.remember(key, nil, err)
		return nil, err
	}

	a.mu.Lock()
	a.kernels[req.Kernel.ID] = &localKernel{kernel: req.Kernel, containerID: container.ID}
	a.occupied = a.occupied.Add(req.Kernel.Allocated)
	a.mu.Unlock()

	resp := &agentrpc.CreateKernelResponse{
		ContainerID:  container.ID,
		ServicePorts: container.ServicePorts,
	}
	a.remember(key, resp, nil)
	a.notify(ctx, req.Kernel, agentrpc.KernelStarted, 0)
	a.logger.Info().Str("kernel_id", req.Kernel.ID).Str("container_id", container.ID).Msg("kernel created")
	return resp, nil
}

func (a *Agent) DestroyKernel(ctx context.Context, req *agentrpc.DestroyKernelRequest) (*agentrpc.DestroyKernelResponse, error) {
	if err := a.checkToken(req.Meta); err != nil {
		return nil, err
	}
	key := attemptKey{req.KernelID, req.Meta.AttemptSeq}
	if res, ok := a.cached(key); ok {
		if res.err != nil {
			return nil, res.err
		}
		return res.resp.(*agentrpc.DestroyKernelResponse), nil
	}

	a.mu.Lock()
	local, ok := a.kernels[req.KernelID]
	a.mu.Unlock()
	if !ok {
		// Unknown kernel: destroy is idempotent.
		resp := &agentrpc.DestroyKernelResponse{}
		a.remember(key, resp, nil)
		return resp, nil
	}

	exitCode, err := a.runtime.Destroy(ctx, local.containerID)
	if err != nil {
		a.remember(key, nil, err)
		return nil, err
	}

	a.mu.Lock()
	delete(a.kernels, req.KernelID)
	if remaining, serr := a.occupied.Sub(local.kernel.Allocated); serr == nil {
		a.occupied = remaining
	}
	a.mu.Unlock()

	resp := &agentrpc.DestroyKernelResponse{ExitCode: exitCode}
	a.remember(key, resp, nil)
	a.notify(ctx, local.kernel, agentrpc.KernelTerminated, exitCode)
	a.logger.Info().Str("kernel_id", req.KernelID).Str("reason", req.Reason).Msg("kernel destroyed")
	return resp, nil
}

func (a *Agent) Interrupt(ctx context.Context, req *agentrpc.InterruptRequest) (*agentrpc.InterruptResponse, error) {
	if err := a.checkToken(req.Meta); err != nil {
		return nil, err
	}
	local, err := a.lookup(req.KernelID)
	if err != nil {
		return nil, err
	}
	if err := a.runtime.Interrupt(ctx, local.containerID); err != nil {
		return nil, err
	}
	return &agentrpc.InterruptResponse{}, nil
}

func (a *Agent) Restart(ctx context.Context, req *agentrpc.RestartRequest) (*agentrpc.RestartResponse, error) {
	if err := a.checkToken(req.Meta); err != nil {
		return nil, err
	}
	key := attemptKey{req.KernelID, req.Meta.AttemptSeq}
	if res, ok := a.cached(key); ok {
		if res.err != nil {
			return nil, res.err
		}
		return res.resp.(*agentrpc.RestartResponse), nil
	}

	local, err := a.lookup(req.KernelID)
	if err != nil {
		return nil, err
	}
	container, err := a.runtime.Restart(ctx, local.containerID)
	if err != nil {
		a.remember(key, nil, err)
		return nil, err
	}

	a.mu.Lock()
	local.containerID = container.ID
	a.mu.Unlock()

	resp := &agentrpc.RestartResponse{ContainerID: container.ID}
	a.remember(key, resp, nil)
	return resp, nil
}

func (a *Agent) Exec(req *agentrpc.ExecRequest, stream agentrpc.AgentExecStream) error {
	local, err := a.lookup(req.KernelID)
	if err != nil {
		return err
	}
	ctx := stream.Context()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	return a.runtime.Exec(ctx, local.containerID, req.Code, stream.Send)
}

func (a *Agent) ListFiles(ctx context.Context, req *agentrpc.ListFilesRequest) (*agentrpc.ListFilesResponse, error) {
	local, err := a.lookup(req.KernelID)
	if err != nil {
		return nil, err
	}
	files, err := a.runtime.ListFiles(ctx, local.containerID, req.Path)
	if err != nil {
		return nil, err
	}
	return &agentrpc.ListFilesResponse{Files: files}, nil
}

func (a *Agent) UploadFiles(ctx context.Context, req *agentrpc.UploadFilesRequest) (*agentrpc.UploadFilesResponse, error) {
	local, err := a.lookup(req.KernelID)
	if err != nil {
		return nil, err
	}
	for _, file := range req.Files {
		if err := a.runtime.WriteFile(ctx, local.containerID, file.Path, file.Data); err != nil {
			return nil, err
		}
	}
	return &agentrpc.UploadFilesResponse{}, nil
}

func (a *Agent) DownloadFiles(ctx context.Context, req *agentrpc.DownloadFilesRequest) (*agentrpc.DownloadFilesResponse, error) {
	local, err := a.lookup(req.KernelID)
	if err != nil {
		return nil, err
	}
	var files []agentrpc.FilePayload
	for _, path := range req.Paths {
		data, err := a.runtime.ReadFile(ctx, local.containerID, path)
		if err != nil {
			return nil, err
		}
		files = append(files, agentrpc.FilePayload{Path: path, Data: data})
	}
	return &agentrpc.DownloadFilesResponse{Files: files}, nil
}

func (a *Agent) lookup(kernelID string) (*localKernel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	local, ok := a.kernels[kernelID]
	if !ok {
		return nil, types.NewError(types.KindValidation, fmt.Sprintf("kernel %s not hosted here", kernelID), nil)
	}
	return local, nil
}

func (a *Agent) notify(ctx context.Context, kernel *types.Kernel, kind agentrpc.KernelEventKind, exitCode int) {
	if a.mgr == nil {
		return
	}
	err := a.mgr.KernelEvent(ctx, &agentrpc.KernelEvent{
		AgentID:   a.cfg.ID,
		KernelID:  kernel.ID,
		SessionID: kernel.SessionID,
		Kind:      kind,
		ExitCode:  exitCode,
		At:        time.Now(),
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("kernel_id", kernel.ID).Msg("kernel event delivery failed")
	}
}

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/hivecompute/hive/pkg/accounting"
	"github.com/hivecompute/hive/pkg/agentrpc"
	"github.com/hivecompute/hive/pkg/config"
	"github.com/hivecompute/hive/pkg/dispatch"
	"github.com/hivecompute/hive/pkg/events"
	"github.com/hivecompute/hive/pkg/log"
	"github.com/hivecompute/hive/pkg/manager"
	"github.com/hivecompute/hive/pkg/metrics"
	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/storage"
	"github.com/hivecompute/hive/pkg/types"
)

// Server serves the northbound hive.Manager service.
type Server struct {
	mgr        *manager.Manager
	dispatcher *dispatch.Dispatcher
	cfg        *config.Config
	schemas    *slots.Registry

	// dialAgent opens a direct connection for interactive paths (exec).
	dialAgent func(addr string) (*agentrpc.Client, error)

	grpc   *grpc.Server
	roGRPC *grpc.Server
	logger zerolog.Logger
}

// NewServer wires the API over the manager and dispatcher. schemas is
// the per-group slot schema registry requests are validated against; a
// nil registry falls back to the built-in cpu/mem schema.
func NewServer(mgr *manager.Manager, dispatcher *dispatch.Dispatcher, schemas *slots.Registry, cfg *config.Config) *Server {
	if schemas == nil {
		schemas = slots.NewRegistry()
	}
	return &Server{
		mgr:        mgr,
		dispatcher: dispatcher,
		cfg:        cfg,
		schemas:    schemas,
		dialAgent:  agentrpc.Dial,
		logger:     log.WithComponent("api"),
	}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(MetricsInterceptor()))
	RegisterManagerServer(s.grpc, s)
	s.logger.Info().Str("addr", addr).Msg("api listening")
	return s.grpc.Serve(lis)
}

// StartReadOnly serves the same service with write methods rejected,
// for a local socket listener.
func (s *Server) StartReadOnly(lis net.Listener) error {
	s.roGRPC = grpc.NewServer(
		grpc.ChainUnaryInterceptor(ReadOnlyInterceptor(), MetricsInterceptor()),
		grpc.StreamInterceptor(ReadOnlyStreamInterceptor()),
	)
	RegisterManagerServer(s.roGRPC, s)
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("read-only api listening")
	return s.roGRPC.Serve(lis)
}

func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.roGRPC != nil {
		s.roGRPC.GracefulStop()
	}
}

func (s *Server) statusRef(sessionID string) (StatusRef, error) {
	session, err := s.mgr.GetSession(sessionID)
	if err != nil {
		return StatusRef{}, err
	}
	return StatusRef{
		SessionID: session.ID,
		Status:    session.Status,
		EventSeq:  session.StatusVersion,
	}, nil
}

func (s *Server) EnqueueSession(ctx context.Context, req *EnqueueSessionRequest) (*EnqueueSessionResponse, error) {
	spec := req.Spec
	if err := s.validateSpec(&spec); err != nil {
		return nil, toStatus(err)
	}
	if err := s.checkPendingQuota(spec.Owner); err != nil {
		return nil, toStatus(err)
	}

	session := &types.Session{
		ID:            uuid.New().String(),
		Name:          spec.Name,
		Owner:         spec.Owner,
		ResourceGroup: spec.ResourceGroup,
		Type:          spec.Type,
		ClusterMode:   spec.ClusterMode,
		ClusterSize:   spec.ClusterSize,
		Priority:      spec.Priority,
		Requested:     spec.Requested,
		Images:        spec.Images,
		Arch:          spec.Arch,
		Mounts:        spec.Mounts,
		Env:           spec.Env,
		Bootstrap:     spec.Bootstrap,
		StartsAt:      spec.StartsAt,
		IdleTimeout:   spec.IdleTimeout,
		MaxLifetime:   spec.MaxLifetime,
		DependsOn:     spec.DependsOn,
		Status:        types.SessionPending,
	}
	if err := s.mgr.EnqueueSession(session); err != nil {
		return nil, toStatus(err)
	}
	ref, err := s.statusRef(session.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &EnqueueSessionResponse{StatusRef: ref}, nil
}

func (s *Server) validateSpec(spec *SessionSpec) error {
	if spec.Name == "" {
		return types.NewError(types.KindValidation, "session name is required", nil)
	}
	if spec.Owner.AccessKey == "" {
		return types.NewError(types.KindValidation, "owner access key is required", nil)
	}
	if !spec.Requested.Any() {
		return types.NewError(types.KindValidation, "requested slots must not be empty", nil)
	}
	if spec.ResourceGroup == "" {
		spec.ResourceGroup = "default"
	}

	// Requested names must exist in the group's slot schema; unknown
	// names fail here, not in the scheduler.
	schema, err := s.schemas.Get(spec.ResourceGroup)
	if err != nil {
		schema = slots.DefaultSchema(spec.ResourceGroup)
	}
	if err := schema.Validate(spec.Requested); err != nil {
		return types.NewError(types.KindValidation, "invalid slot request", err)
	}

	if spec.Type == "" {
		spec.Type = types.SessionInteractive
	}
	if spec.ClusterMode == "" {
		spec.ClusterMode = types.ClusterSingleNode
	}
	if spec.ClusterSize < 1 {
		spec.ClusterSize = 1
	}
	if spec.ClusterMode == types.ClusterMultiNode && spec.ClusterSize == 1 {
		spec.ClusterMode = types.ClusterSingleNode
	}
	if len(spec.DependsOn) > 0 && spec.Type != types.SessionBatch {
		return types.NewError(types.KindValidation, "dependencies are only valid for batch sessions", nil)
	}
	return nil
}

// checkPendingQuota enforces the keypair policy's pending caps at the
// queue door; concurrency and slot quotas bind at scheduling time.
func (s *Server) checkPendingQuota(owner types.Owner) error {
	scope := types.ScopeRef{Kind: types.ScopeKeypair, ID: owner.AccessKey}
	policy, err := s.mgr.GetPolicy(scope.Key())
	if err != nil {
		return nil // no policy, no cap
	}
	if policy.MaxPending <= 0 {
		return nil
	}
	sessions, err := s.mgr.ListSessionsByStatus(types.SessionPending)
	if err != nil {
		return err
	}
	pending := 0
	for _, session := range sessions {
		if session.Owner.AccessKey == owner.AccessKey {
			pending++
		}
	}
	if pending >= policy.MaxPending {
		return types.NewError(types.KindCapacity,
			fmt.Sprintf("keypair %s already has %d pending sessions", owner.AccessKey, pending), nil)
	}
	return nil
}

func (s *Server) CancelSession(ctx context.Context, req *SessionRefRequest) (*SessionRefResponse, error) {
	if err := s.dispatcher.CancelSession(ctx, req.SessionID, req.Reason); err != nil {
		return nil, toStatus(err)
	}
	ref, err := s.statusRef(req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SessionRefResponse{StatusRef: ref}, nil
}

func (s *Server) DestroySession(ctx context.Context, req *SessionRefRequest) (*SessionRefResponse, error) {
	reason := req.Reason
	if reason == "" {
		reason = "destroyed by user"
	}
	if err := s.dispatcher.DestroySession(ctx, req.SessionID, reason); err != nil {
		return nil, toStatus(err)
	}
	ref, err := s.statusRef(req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SessionRefResponse{StatusRef: ref}, nil
}

func (s *Server) RestartSession(ctx context.Context, req *SessionRefRequest) (*SessionRefResponse, error) {
	if err := s.dispatcher.RestartSession(ctx, req.SessionID); err != nil {
		return nil, toStatus(err)
	}
	ref, err := s.statusRef(req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SessionRefResponse{StatusRef: ref}, nil
}

func (s *Server) InterruptSession(ctx context.Context, req *SessionRefRequest) (*SessionRefResponse, error) {
	if err := s.dispatcher.Interrupt(ctx, req.SessionID); err != nil {
		return nil, toStatus(err)
	}
	ref, err := s.statusRef(req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SessionRefResponse{StatusRef: ref}, nil
}

// ForceTerminate marks a session dead without waiting for agent acks.
// Kernels with containers are left to the orphan sweep.
func (s *Server) ForceTerminate(ctx context.Context, req *SessionRefRequest) (*SessionRefResponse, error) {
	session, err := s.mgr.GetSession(req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	if !types.TerminalStatus(session.Status) {
		if session.Status != types.SessionTerminating {
			if err := s.mgr.TransitSession(&manager.TransitRequest{
				SessionID: req.SessionID, Next: types.SessionTerminating, Reason: "force-terminated",
			}); err != nil {
				return nil, toStatus(err)
			}
		}
		if err := s.mgr.TransitSession(&manager.TransitRequest{
			SessionID: req.SessionID, Next: types.SessionTerminated,
			Reason: "force-terminated", Result: types.ResultFailure,
		}); err != nil {
			return nil, toStatus(err)
		}
	}
	kernels, err := s.mgr.ListKernelsBySession(req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	for _, kernel := range kernels {
		if kernel.Status == types.KernelTerminated {
			continue
		}
		kernel.Status = types.KernelLost
		if err := s.mgr.UpsertKernel(kernel); err != nil {
			return nil, toStatus(err)
		}
	}
	ref, err := s.statusRef(req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SessionRefResponse{StatusRef: ref}, nil
}

func (s *Server) SetPriority(ctx context.Context, req *SetPriorityRequest) (*SessionRefResponse, error) {
	if err := s.mgr.SetSessionPriority(req.SessionID, req.Priority); err != nil {
		return nil, toStatus(err)
	}
	ref, err := s.statusRef(req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SessionRefResponse{StatusRef: ref}, nil
}

func (s *Server) GetSession(ctx context.Context, req *QuerySessionRequest) (*QuerySessionResponse, error) {
	session, err := s.mgr.GetSession(req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	kernels, err := s.mgr.ListKernelsBySession(req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	history, err := s.mgr.ListStatusLog(req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &QuerySessionResponse{Session: session, Kernels: kernels, History: history}, nil
}

func (s *Server) ListSessions(ctx context.Context, req *MatchSessionsRequest) (*MatchSessionsResponse, error) {
	sessions, err := s.mgr.ListSessions()
	if err != nil {
		return nil, toStatus(err)
	}
	var matched []*types.Session
	for _, session := range sessions {
		if req.NamePrefix != "" && !strings.HasPrefix(session.Name, req.NamePrefix) {
			continue
		}
		if req.AccessKey != "" && session.Owner.AccessKey != req.AccessKey {
			continue
		}
		if req.Group != "" && session.ResourceGroup != req.Group {
			continue
		}
		if req.Status != "" && session.Status != req.Status {
			continue
		}
		matched = append(matched, session)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].EnqueuedAt.Before(matched[j].EnqueuedAt)
	})
	return &MatchSessionsResponse{Sessions: matched}, nil
}

func (s *Server) ShowQueue(ctx context.Context, req *ShowQueueRequest) (*ShowQueueResponse, error) {
	sessions, err := s.mgr.ListSessionsByStatus(types.SessionPending)
	if err != nil {
		return nil, toStatus(err)
	}
	group := req.Group
	if group == "" {
		group = "default"
	}
	state, err := s.mgr.GetSchedulerState(group)
	retries := map[string]int{}
	if err == nil && state.Retries != nil {
		retries = state.Retries
	}

	var entries []QueueEntry
	for _, session := range sessions {
		if req.Group != "" && session.ResourceGroup != req.Group {
			continue
		}
		entries = append(entries, QueueEntry{Session: session, Retries: retries[session.ID]})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Session.EnqueuedAt.Before(entries[j].Session.EnqueuedAt)
	})
	return &ShowQueueResponse{Entries: entries}, nil
}

func (s *Server) ListAgents(ctx context.Context, req *ListAgentsRequest) (*ListAgentsResponse, error) {
	var (
		agents []*types.Agent
		err    error
	)
	if req.Group != "" {
		agents, err = s.mgr.ListAgentsByGroup(req.Group)
	} else {
		agents, err = s.mgr.ListAgents()
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListAgentsResponse{Agents: agents}, nil
}

func (s *Server) GetClusterInfo(ctx context.Context, req *ClusterInfoRequest) (*ClusterInfoResponse, error) {
	stats := map[string]string{}
	for k, v := range s.mgr.RaftStats() {
		stats[k] = fmt.Sprint(v)
	}
	return &ClusterInfoResponse{
		LeaderAddr: s.mgr.LeaderAddr(),
		IsLeader:   s.mgr.IsLeader(),
		RaftStats:  stats,
	}, nil
}

func (s *Server) DrainAgent(ctx context.Context, req *DrainAgentRequest) (*DrainAgentResponse, error) {
	if err := s.mgr.DrainAgent(req.AgentID, !req.Undrain); err != nil {
		return nil, toStatus(err)
	}
	agent, err := s.mgr.GetAgent(req.AgentID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DrainAgentResponse{Status: agent.Status}, nil
}

// RecalcUsage replays the accounting ledger and reports (without
// correcting) any drift against live agent occupancy.
func (s *Server) RecalcUsage(ctx context.Context, req *RecalcUsageRequest) (*RecalcUsageResponse, error) {
	report, err := accounting.Recalculate(s.mgr.Store())
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &RecalcUsageResponse{}
	for _, drift := range report.Drifts {
		metrics.AccountingDrift.Inc()
		resp.Drifts = append(resp.Drifts, DriftReport{
			AgentID:  drift.AgentID,
			Slot:     drift.Slot,
			Live:     drift.Live,
			Replayed: drift.Replayed,
		})
	}
	return resp, nil
}

// RescanImages summarizes the images in active use across kernels.
func (s *Server) RescanImages(ctx context.Context, req *RescanImagesRequest) (*RescanImagesResponse, error) {
	sessions, err := s.mgr.ListSessions()
	if err != nil {
		return nil, toStatus(err)
	}
	counts := map[string]*ImageRef{}
	for _, session := range sessions {
		kernels, err := s.mgr.ListKernelsBySession(session.ID)
		if err != nil {
			return nil, toStatus(err)
		}
		for _, kernel := range kernels {
			if kernel.Image == "" {
				continue
			}
			ref, ok := counts[kernel.Image]
			if !ok {
				ref = &ImageRef{Image: kernel.Image, Arch: kernel.Arch}
				counts[kernel.Image] = ref
			}
			ref.Kernels++
		}
	}
	resp := &RescanImagesResponse{}
	for _, ref := range counts {
		resp.Images = append(resp.Images, *ref)
	}
	sort.Slice(resp.Images, func(i, j int) bool { return resp.Images[i].Image < resp.Images[j].Image })
	return resp, nil
}

func (s *Server) JoinCluster(ctx context.Context, req *JoinClusterRequest) (*JoinClusterResponse, error) {
	role, err := s.mgr.ValidateJoinToken(req.Token)
	if err != nil {
		return nil, toStatus(types.NewError(types.KindValidation, "invalid join token", err))
	}
	if role != "manager" {
		return nil, toStatus(types.NewError(types.KindValidation, "token does not grant manager role", nil))
	}
	if err := s.mgr.AddVoter(req.NodeID, req.RaftAddr); err != nil {
		return nil, toStatus(err)
	}
	return &JoinClusterResponse{LeaderAddr: s.mgr.LeaderAddr()}, nil
}

func (s *Server) RegisterAgent(ctx context.Context, req *RegisterAgentRequest) (*RegisterAgentResponse, error) {
	if req.Info == nil || req.Info.ID == "" {
		return nil, toStatus(types.NewError(types.KindValidation, "agent info is required", nil))
	}
	agent := agentFromInfo(req.Info)
	agent.RegisteredAt = time.Now()
	if existing, err := s.mgr.GetAgent(req.Info.ID); err == nil {
		agent.RegisteredAt = existing.RegisteredAt
		agent.ConcurrencyBudget = existing.ConcurrencyBudget
		if existing.Status == types.AgentDraining {
			agent.Status = types.AgentDraining
		}
	}
	if err := s.mgr.UpsertAgent(agent); err != nil {
		return nil, toStatus(err)
	}
	s.mgr.EventBroker().Publish(&events.Message{
		Topic:   events.TopicAgentStatus,
		Key:     agent.ID,
		Payload: []byte(`{"status":"` + string(agent.Status) + `"}`),
	})
	return &RegisterAgentResponse{}, nil
}

func (s *Server) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	if req.Info == nil || req.Info.ID == "" {
		return nil, toStatus(types.NewError(types.KindValidation, "agent info is required", nil))
	}
	existing, err := s.mgr.GetAgent(req.Info.ID)
	if err != nil {
		// Heartbeat from an unknown agent doubles as registration.
		return &HeartbeatResponse{}, s.registerFromHeartbeat(req.Info)
	}
	existing.Addr = req.Info.Addr
	existing.Total = req.Info.Total
	existing.RunningKernels = req.Info.RunningKernels
	existing.LastHeartbeat = time.Now()
	if existing.Status == types.AgentLost {
		existing.Status = types.AgentAlive
	}
	if err := s.mgr.UpsertAgent(existing); err != nil {
		return nil, toStatus(err)
	}
	return &HeartbeatResponse{}, nil
}

func (s *Server) registerFromHeartbeat(info *agentrpc.AgentInfo) error {
	agent := agentFromInfo(info)
	agent.RegisteredAt = time.Now()
	return s.mgr.UpsertAgent(agent)
}

func agentFromInfo(info *agentrpc.AgentInfo) *types.Agent {
	return &types.Agent{
		ID:            info.ID,
		Addr:          info.Addr,
		ResourceGroup: info.ResourceGroup,
		Arch:          info.Arch,
		Total:         info.Total,
		Occupied:      info.Occupied,
		RunningKernels: append([]string(nil),
			info.RunningKernels...),
		Status:        types.AgentAlive,
		LastHeartbeat: time.Now(),
	}
}

// KernelEvent absorbs agent-initiated kernel state changes: natural
// exits and losses the manager did not cause.
func (s *Server) KernelEvent(ctx context.Context, req *KernelEventRequest) (*KernelEventResponse, error) {
	event := req.Event
	if event == nil {
		return nil, toStatus(types.NewError(types.KindValidation, "event is required", nil))
	}
	kernel, err := s.mgr.GetKernel(event.KernelID)
	if err != nil {
		// Kernel unknown (already swept or an orphan); nothing to track.
		return &KernelEventResponse{}, nil
	}

	switch event.Kind {
	case agentrpc.KernelStarted:
		// Creation acks arrive through the dispatch RPC; this path only
		// covers restarts the agent performed on its own.
		if kernel.Status != types.KernelRunning {
			kernel.Status = types.KernelRunning
			kernel.StartedAt = event.At
			if err := s.mgr.UpsertKernel(kernel); err != nil {
				return nil, toStatus(err)
			}
		}

	case agentrpc.KernelTerminated:
		kernel.Status = types.KernelTerminated
		kernel.ExitCode = event.ExitCode
		kernel.TerminatedAt = event.At
		if err := s.mgr.UpsertKernel(kernel); err != nil {
			return nil, toStatus(err)
		}
		if kernel.Role == types.RoleMain {
			if err := s.finishSession(ctx, kernel, event.ExitCode); err != nil {
				return nil, toStatus(err)
			}
		}

	case agentrpc.KernelLost:
		kernel.Status = types.KernelLost
		if err := s.mgr.UpsertKernel(kernel); err != nil {
			return nil, toStatus(err)
		}
		session, err := s.mgr.GetSession(kernel.SessionID)
		if err == nil && session.Status == types.SessionRunning {
			next := types.SessionRunningDegraded
			if kernel.Role == types.RoleMain {
				next = types.SessionError
			}
			if err := s.mgr.TransitSession(&manager.TransitRequest{
				SessionID: session.ID, Next: next, Reason: "kernel lost",
			}); err != nil {
				return nil, toStatus(err)
			}
		}
	}
	return &KernelEventResponse{}, nil
}

// finishSession tears a session down after its main kernel exited on
// its own, recording success or failure from the exit code.
func (s *Server) finishSession(ctx context.Context, kernel *types.Kernel, exitCode int) error {
	session, err := s.mgr.GetSession(kernel.SessionID)
	if err != nil {
		return err
	}
	if types.TerminalStatus(session.Status) || session.Status == types.SessionTerminating {
		return nil
	}
	result := types.ResultSuccess
	reason := "main kernel exited"
	if exitCode != 0 {
		result = types.ResultFailure
		reason = fmt.Sprintf("main kernel exited with code %d", exitCode)
	}
	if err := s.mgr.TransitSession(&manager.TransitRequest{
		SessionID: session.ID, Next: types.SessionTerminating, Reason: reason, Result: result,
	}); err != nil {
		return err
	}
	return s.dispatcher.DestroySession(ctx, session.ID, reason)
}

func (s *Server) ExecCode(req *ExecCodeRequest, stream ExecStream) error {
	kernels, err := s.mgr.ListKernelsBySession(req.SessionID)
	if err != nil {
		return toStatus(err)
	}
	var main *types.Kernel
	for _, kernel := range kernels {
		if kernel.Role == types.RoleMain {
			main = kernel
			break
		}
	}
	if main == nil {
		return toStatus(fmt.Errorf("session %s has no main kernel: %w", req.SessionID, storage.ErrNotFound))
	}
	agent, err := s.mgr.GetAgent(main.AgentID)
	if err != nil {
		return toStatus(err)
	}
	client, err := s.dialAgent(agent.Addr)
	if err != nil {
		return toStatus(err)
	}
	defer client.Close()

	// Each exec is its own attempt, persisted before the call so a
	// retransmission dedupes on the agent like any other RPC.
	main.AttemptSeq++
	if err := s.mgr.UpsertKernel(main); err != nil {
		return toStatus(err)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.cfg.Dispatch.ExecTimeout
	}

	ctx := stream.Context()
	down, err := client.Exec(ctx, &agentrpc.ExecRequest{
		Meta:     agentrpc.Meta{RequestID: uuid.New().String(), AttemptSeq: main.AttemptSeq},
		KernelID: main.ID,
		Code:     req.Code,
		Timeout:  timeout,
	})
	if err != nil {
		return toStatus(err)
	}
	for {
		chunk, err := down.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return toStatus(err)
		}
		if err := stream.Send(chunk); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
}

func (s *Server) WatchEvents(req *WatchEventsRequest, stream EventStream) error {
	topics := make([]events.Topic, 0, len(req.Topics))
	for _, t := range req.Topics {
		topics = append(topics, events.Topic(t))
	}
	broker := s.mgr.EventBroker()
	sub := broker.Subscribe(topics...)
	defer broker.Unsubscribe(sub)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub:
			if !ok {
				return nil
			}
			err := stream.Send(&Event{
				Topic:   string(msg.Topic),
				Key:     msg.Key,
				Seq:     msg.Seq,
				Payload: msg.Payload,
			})
			if err != nil {
				return err
			}
		}
	}
}

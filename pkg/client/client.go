package client

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hivecompute/hive/pkg/agentrpc"
	"github.com/hivecompute/hive/pkg/api"
)

// Client talks to the hive.Manager service. It serves the CLI, the
// agent daemon's northbound calls, and replica cluster joins.
type Client struct {
	conn *grpc.ClientConn
}

// Connect dials a manager address. The connection is lazy; the first
// call establishes it.
func Connect(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(agentrpc.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial manager %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req interface{}) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, "/hive.Manager/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) EnqueueSession(ctx context.Context, spec api.SessionSpec) (*api.EnqueueSessionResponse, error) {
	return invoke[api.EnqueueSessionResponse](ctx, c, "EnqueueSession", &api.EnqueueSessionRequest{Spec: spec})
}

func (c *Client) CancelSession(ctx context.Context, sessionID, reason string) (*api.SessionRefResponse, error) {
	return invoke[api.SessionRefResponse](ctx, c, "CancelSession", &api.SessionRefRequest{SessionID: sessionID, Reason: reason})
}

func (c *Client) DestroySession(ctx context.Context, sessionID, reason string) (*api.SessionRefResponse, error) {
	return invoke[api.SessionRefResponse](ctx, c, "DestroySession", &api.SessionRefRequest{SessionID: sessionID, Reason: reason})
}

func (c *Client) RestartSession(ctx context.Context, sessionID string) (*api.SessionRefResponse, error) {
	return invoke[api.SessionRefResponse](ctx, c, "RestartSession", &api.SessionRefRequest{SessionID: sessionID})
}

func (c *Client) InterruptSession(ctx context.Context, sessionID string) (*api.SessionRefResponse, error) {
	return invoke[api.SessionRefResponse](ctx, c, "InterruptSession", &api.SessionRefRequest{SessionID: sessionID})
}

func (c *Client) ForceTerminate(ctx context.Context, sessionID string) (*api.SessionRefResponse, error) {
	return invoke[api.SessionRefResponse](ctx, c, "ForceTerminate", &api.SessionRefRequest{SessionID: sessionID})
}

func (c *Client) SetPriority(ctx context.Context, sessionID string, priority int) (*api.SessionRefResponse, error) {
	return invoke[api.SessionRefResponse](ctx, c, "SetPriority", &api.SetPriorityRequest{SessionID: sessionID, Priority: priority})
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*api.QuerySessionResponse, error) {
	return invoke[api.QuerySessionResponse](ctx, c, "GetSession", &api.QuerySessionRequest{SessionID: sessionID})
}

func (c *Client) ListSessions(ctx context.Context, filter api.MatchSessionsRequest) (*api.MatchSessionsResponse, error) {
	return invoke[api.MatchSessionsResponse](ctx, c, "ListSessions", &filter)
}

func (c *Client) ShowQueue(ctx context.Context, group string) (*api.ShowQueueResponse, error) {
	return invoke[api.ShowQueueResponse](ctx, c, "ShowQueue", &api.ShowQueueRequest{Group: group})
}

func (c *Client) ListAgents(ctx context.Context, group string) (*api.ListAgentsResponse, error) {
	return invoke[api.ListAgentsResponse](ctx, c, "ListAgents", &api.ListAgentsRequest{Group: group})
}

func (c *Client) GetClusterInfo(ctx context.Context) (*api.ClusterInfoResponse, error) {
	return invoke[api.ClusterInfoResponse](ctx, c, "GetClusterInfo", &api.ClusterInfoRequest{})
}

func (c *Client) DrainAgent(ctx context.Context, agentID string, undrain bool) (*api.DrainAgentResponse, error) {
	return invoke[api.DrainAgentResponse](ctx, c, "DrainAgent", &api.DrainAgentRequest{AgentID: agentID, Undrain: undrain})
}

func (c *Client) RecalcUsage(ctx context.Context) (*api.RecalcUsageResponse, error) {
	return invoke[api.RecalcUsageResponse](ctx, c, "RecalcUsage", &api.RecalcUsageRequest{})
}

func (c *Client) RescanImages(ctx context.Context) (*api.RescanImagesResponse, error) {
	return invoke[api.RescanImagesResponse](ctx, c, "RescanImages", &api.RescanImagesRequest{})
}

// JoinCluster asks the leader to add a manager replica. Suitable as a
// manager.JoinFunc.
func (c *Client) JoinCluster(ctx context.Context, nodeID, raftAddr, token string) (*api.JoinClusterResponse, error) {
	return invoke[api.JoinClusterResponse](ctx, c, "JoinCluster", &api.JoinClusterRequest{
		NodeID: nodeID, RaftAddr: raftAddr, Token: token,
	})
}

// RegisterAgent, Heartbeat and KernelEvent make *Client satisfy the
// agent daemon's ManagerClient interface.

func (c *Client) RegisterAgent(ctx context.Context, info *agentrpc.AgentInfo) error {
	_, err := invoke[api.RegisterAgentResponse](ctx, c, "RegisterAgent", &api.RegisterAgentRequest{Info: info})
	return err
}

func (c *Client) Heartbeat(ctx context.Context, info *agentrpc.AgentInfo) error {
	_, err := invoke[api.HeartbeatResponse](ctx, c, "Heartbeat", &api.HeartbeatRequest{Info: info})
	return err
}

func (c *Client) KernelEvent(ctx context.Context, event *agentrpc.KernelEvent) error {
	_, err := invoke[api.KernelEventResponse](ctx, c, "KernelEvent", &api.KernelEventRequest{Event: event})
	return err
}

// streamDesc looks up a server-streaming method from the service
// descriptor exposed by pkg/api.
var (
	execStreamDesc  = grpc.StreamDesc{StreamName: "ExecCode", ServerStreams: true}
	eventStreamDesc = grpc.StreamDesc{StreamName: "WatchEvents", ServerStreams: true}
)

// ExecCode streams execution output from a session's main kernel.
func (c *Client) ExecCode(ctx context.Context, req *api.ExecCodeRequest) (*ExecStream, error) {
	stream, err := c.conn.NewStream(ctx, &execStreamDesc, "/hive.Manager/ExecCode",
		grpc.CallContentSubtype(agentrpc.CodecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &ExecStream{stream: stream}, nil
}

type ExecStream struct {
	stream grpc.ClientStream
}

func (s *ExecStream) Recv() (*agentrpc.ExecChunk, error) {
	chunk := new(agentrpc.ExecChunk)
	if err := s.stream.RecvMsg(chunk); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return chunk, nil
}

// WatchEvents streams broker events, optionally filtered by topic.
func (c *Client) WatchEvents(ctx context.Context, topics ...string) (*EventStream, error) {
	stream, err := c.conn.NewStream(ctx, &eventStreamDesc, "/hive.Manager/WatchEvents",
		grpc.CallContentSubtype(agentrpc.CodecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&api.WatchEventsRequest{Topics: topics}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

type EventStream struct {
	stream grpc.ClientStream
}

func (s *EventStream) Recv() (*api.Event, error) {
	event := new(api.Event)
	if err := s.stream.RecvMsg(event); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return event, nil
}

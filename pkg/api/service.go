package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/hivecompute/hive/pkg/agentrpc"
)

// ManagerServer is the northbound surface served to the CLI, SDKs and
// agent daemons.
type ManagerServer interface {
	EnqueueSession(ctx context.Context, req *EnqueueSessionRequest) (*EnqueueSessionResponse, error)
	CancelSession(ctx context.Context, req *SessionRefRequest) (*SessionRefResponse, error)
	DestroySession(ctx context.Context, req *SessionRefRequest) (*SessionRefResponse, error)
	RestartSession(ctx context.Context, req *SessionRefRequest) (*SessionRefResponse, error)
	InterruptSession(ctx context.Context, req *SessionRefRequest) (*SessionRefResponse, error)
	ForceTerminate(ctx context.Context, req *SessionRefRequest) (*SessionRefResponse, error)
	SetPriority(ctx context.Context, req *SetPriorityRequest) (*SessionRefResponse, error)

	GetSession(ctx context.Context, req *QuerySessionRequest) (*QuerySessionResponse, error)
	ListSessions(ctx context.Context, req *MatchSessionsRequest) (*MatchSessionsResponse, error)
	ShowQueue(ctx context.Context, req *ShowQueueRequest) (*ShowQueueResponse, error)
	ListAgents(ctx context.Context, req *ListAgentsRequest) (*ListAgentsResponse, error)
	GetClusterInfo(ctx context.Context, req *ClusterInfoRequest) (*ClusterInfoResponse, error)

	DrainAgent(ctx context.Context, req *DrainAgentRequest) (*DrainAgentResponse, error)
	RecalcUsage(ctx context.Context, req *RecalcUsageRequest) (*RecalcUsageResponse, error)
	RescanImages(ctx context.Context, req *RescanImagesRequest) (*RescanImagesResponse, error)
	JoinCluster(ctx context.Context, req *JoinClusterRequest) (*JoinClusterResponse, error)

	RegisterAgent(ctx context.Context, req *RegisterAgentRequest) (*RegisterAgentResponse, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	KernelEvent(ctx context.Context, req *KernelEventRequest) (*KernelEventResponse, error)

	ExecCode(req *ExecCodeRequest, stream ExecStream) error
	WatchEvents(req *WatchEventsRequest, stream EventStream) error
}

// ExecStream sends execution output back to the caller.
type ExecStream interface {
	Send(*agentrpc.ExecChunk) error
	Context() context.Context
}

// EventStream sends broker events to a watching client.
type EventStream interface {
	Send(*Event) error
	Context() context.Context
}

// RegisterManagerServer attaches an implementation to a grpc server.
func RegisterManagerServer(s *grpc.Server, srv ManagerServer) {
	s.RegisterService(&managerServiceDesc, srv)
}

const fullMethodPrefix = "/hive.Manager/"

func unaryHandler[Req any, Resp any](method string, call func(ManagerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ManagerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethodPrefix + method}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ManagerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var managerServiceDesc = grpc.ServiceDesc{
	ServiceName: "hive.Manager",
	HandlerType: (*ManagerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("EnqueueSession", func(s ManagerServer, ctx context.Context, r *EnqueueSessionRequest) (*EnqueueSessionResponse, error) {
			return s.EnqueueSession(ctx, r)
		}),
		unaryHandler("CancelSession", func(s ManagerServer, ctx context.Context, r *SessionRefRequest) (*SessionRefResponse, error) {
			return s.CancelSession(ctx, r)
		}),
		unaryHandler("DestroySession", func(s ManagerServer, ctx context.Context, r *SessionRefRequest) (*SessionRefResponse, error) {
			return s.DestroySession(ctx, r)
		}),
		unaryHandler("RestartSession", func(s ManagerServer, ctx context.Context, r *SessionRefRequest) (*SessionRefResponse, error) {
			return s.RestartSession(ctx, r)
		}),
		unaryHandler("InterruptSession", func(s ManagerServer, ctx context.Context, r *SessionRefRequest) (*SessionRefResponse, error) {
			return s.InterruptSession(ctx, r)
		}),
		unaryHandler("ForceTerminate", func(s ManagerServer, ctx context.Context, r *SessionRefRequest) (*SessionRefResponse, error) {
			return s.ForceTerminate(ctx, r)
		}),
		unaryHandler("SetPriority", func(s ManagerServer, ctx context.Context, r *SetPriorityRequest) (*SessionRefResponse, error) {
			return s.SetPriority(ctx, r)
		}),
		unaryHandler("GetSession", func(s ManagerServer, ctx context.Context, r *QuerySessionRequest) (*QuerySessionResponse, error) {
			return s.GetSession(ctx, r)
		}),
		unaryHandler("ListSessions", func(s ManagerServer, ctx context.Context, r *MatchSessionsRequest) (*MatchSessionsResponse, error) {
			return s.ListSessions(ctx, r)
		}),
		unaryHandler("ShowQueue", func(s ManagerServer, ctx context.Context, r *ShowQueueRequest) (*ShowQueueResponse, error) {
			return s.ShowQueue(ctx, r)
		}),
		unaryHandler("ListAgents", func(s ManagerServer, ctx context.Context, r *ListAgentsRequest) (*ListAgentsResponse, error) {
			return s.ListAgents(ctx, r)
		}),
		unaryHandler("GetClusterInfo", func(s ManagerServer, ctx context.Context, r *ClusterInfoRequest) (*ClusterInfoResponse, error) {
			return s.GetClusterInfo(ctx, r)
		}),
		unaryHandler("DrainAgent", func(s ManagerServer, ctx context.Context, r *DrainAgentRequest) (*DrainAgentResponse, error) {
			return s.DrainAgent(ctx, r)
		}),
		unaryHandler("RecalcUsage", func(s ManagerServer, ctx context.Context, r *RecalcUsageRequest) (*RecalcUsageResponse, error) {
			return s.RecalcUsage(ctx, r)
		}),
		unaryHandler("RescanImages", func(s ManagerServer, ctx context.Context, r *RescanImagesRequest) (*RescanImagesResponse, error) {
			return s.RescanImages(ctx, r)
		}),
		unaryHandler("JoinCluster", func(s ManagerServer, ctx context.Context, r *JoinClusterRequest) (*JoinClusterResponse, error) {
			return s.JoinCluster(ctx, r)
		}),
		unaryHandler("RegisterAgent", func(s ManagerServer, ctx context.Context, r *RegisterAgentRequest) (*RegisterAgentResponse, error) {
			return s.RegisterAgent(ctx, r)
		}),
		unaryHandler("Heartbeat", func(s ManagerServer, ctx context.Context, r *HeartbeatRequest) (*HeartbeatResponse, error) {
			return s.Heartbeat(ctx, r)
		}),
		unaryHandler("KernelEvent", func(s ManagerServer, ctx context.Context, r *KernelEventRequest) (*KernelEventResponse, error) {
			return s.KernelEvent(ctx, r)
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ExecCode",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				in := new(ExecCodeRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(ManagerServer).ExecCode(in, &execServerStream{stream})
			},
		},
		{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				in := new(WatchEventsRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(ManagerServer).WatchEvents(in, &eventServerStream{stream})
			},
		},
	},
}

type execServerStream struct {
	grpc.ServerStream
}

func (s *execServerStream) Send(chunk *agentrpc.ExecChunk) error {
	return s.ServerStream.SendMsg(chunk)
}

type eventServerStream struct {
	grpc.ServerStream
}

func (s *eventServerStream) Send(event *Event) error {
	return s.ServerStream.SendMsg(event)
}

package agentrpc

import (
	"context"

	"google.golang.org/grpc"
)

// AgentServer is the southbound surface an agent daemon implements.
type AgentServer interface {
	CreateKernel(ctx context.Context, req *CreateKernelRequest) (*CreateKernelResponse, error)
	DestroyKernel(ctx context.Context, req *DestroyKernelRequest) (*DestroyKernelResponse, error)
	Interrupt(ctx context.Context, req *InterruptRequest) (*InterruptResponse, error)
	Restart(ctx context.Context, req *RestartRequest) (*RestartResponse, error)
	ListFiles(ctx context.Context, req *ListFilesRequest) (*ListFilesResponse, error)
	UploadFiles(ctx context.Context, req *UploadFilesRequest) (*UploadFilesResponse, error)
	DownloadFiles(ctx context.Context, req *DownloadFilesRequest) (*DownloadFilesResponse, error)
	Exec(req *ExecRequest, stream AgentExecStream) error
}

// AgentExecStream sends execution output chunks back to the manager.
type AgentExecStream interface {
	Send(*ExecChunk) error
	Context() context.Context
}

// RegisterAgentServer attaches an AgentServer implementation to a grpc
// server under the hand-written service descriptor.
func RegisterAgentServer(s *grpc.Server, srv AgentServer) {
	s.RegisterService(&agentServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(AgentServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AgentServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hive.Agent/" + method}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(AgentServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: "hive.Agent",
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("CreateKernel", func(s AgentServer, ctx context.Context, r *CreateKernelRequest) (*CreateKernelResponse, error) {
			return s.CreateKernel(ctx, r)
		}),
		unaryHandler("DestroyKernel", func(s AgentServer, ctx context.Context, r *DestroyKernelRequest) (*DestroyKernelResponse, error) {
			return s.DestroyKernel(ctx, r)
		}),
		unaryHandler("Interrupt", func(s AgentServer, ctx context.Context, r *InterruptRequest) (*InterruptResponse, error) {
			return s.Interrupt(ctx, r)
		}),
		unaryHandler("Restart", func(s AgentServer, ctx context.Context, r *RestartRequest) (*RestartResponse, error) {
			return s.Restart(ctx, r)
		}),
		unaryHandler("ListFiles", func(s AgentServer, ctx context.Context, r *ListFilesRequest) (*ListFilesResponse, error) {
			return s.ListFiles(ctx, r)
		}),
		unaryHandler("UploadFiles", func(s AgentServer, ctx context.Context, r *UploadFilesRequest) (*UploadFilesResponse, error) {
			return s.UploadFiles(ctx, r)
		}),
		unaryHandler("DownloadFiles", func(s AgentServer, ctx context.Context, r *DownloadFilesRequest) (*DownloadFilesResponse, error) {
			return s.DownloadFiles(ctx, r)
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exec",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				in := new(ExecRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(AgentServer).Exec(in, &execServerStream{stream})
			},
		},
	},
}

type execServerStream struct {
	grpc.ServerStream
}

func (s *execServerStream) Send(chunk *ExecChunk) error {
	return s.ServerStream.SendMsg(chunk)
}

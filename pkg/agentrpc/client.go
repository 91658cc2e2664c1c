package agentrpc

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is the manager-side handle to one agent daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to an agent address without blocking; calls fail fast
// until the connection is up.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial agent %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req interface{}) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, "/hive.Agent/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateKernel(ctx context.Context, req *CreateKernelRequest) (*CreateKernelResponse, error) {
	return invoke[CreateKernelResponse](ctx, c, "CreateKernel", req)
}

func (c *Client) DestroyKernel(ctx context.Context, req *DestroyKernelRequest) (*DestroyKernelResponse, error) {
	return invoke[DestroyKernelResponse](ctx, c, "DestroyKernel", req)
}

func (c *Client) Interrupt(ctx context.Context, req *InterruptRequest) (*InterruptResponse, error) {
	return invoke[InterruptResponse](ctx, c, "Interrupt", req)
}

func (c *Client) Restart(ctx context.Context, req *RestartRequest) (*RestartResponse, error) {
	return invoke[RestartResponse](ctx, c, "Restart", req)
}

func (c *Client) ListFiles(ctx context.Context, req *ListFilesRequest) (*ListFilesResponse, error) {
	return invoke[ListFilesResponse](ctx, c, "ListFiles", req)
}

func (c *Client) UploadFiles(ctx context.Context, req *UploadFilesRequest) (*UploadFilesResponse, error) {
	return invoke[UploadFilesResponse](ctx, c, "UploadFiles", req)
}

func (c *Client) DownloadFiles(ctx context.Context, req *DownloadFilesRequest) (*DownloadFilesResponse, error) {
	return invoke[DownloadFilesResponse](ctx, c, "DownloadFiles", req)
}

// Exec starts a streaming execution and returns a receiver for the
// output chunks.
func (c *Client) Exec(ctx context.Context, req *ExecRequest) (*ExecStream, error) {
	stream, err := c.conn.NewStream(ctx, &agentServiceDesc.Streams[0], "/hive.Agent/Exec",
		grpc.CallContentSubtype(CodecName))
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

// ExecStream receives execution output until the done chunk or EOF.
type ExecStream struct {
	stream grpc.ClientStream
}

// Recv returns the next chunk, or io.EOF when the stream ends.
func (s *ExecStream) Recv() (*ExecChunk, error) {
	chunk := new(ExecChunk)
	if err := s.stream.RecvMsg(chunk); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return chunk, nil
}

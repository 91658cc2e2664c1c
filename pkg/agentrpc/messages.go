package agentrpc

import (
	"time"

	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/types"
)

// Meta rides on every southbound call. RequestID names the call for
// logs; (KernelID, AttemptSeq) is the idempotency key an agent caches
// results under; FencedToken identifies the dispatching leader so
// agents can drop calls from a deposed one.
type Meta struct {
	RequestID   string `json:"request_id"`
	AttemptSeq  uint64 `json:"attempt_seq"`
	FencedToken uint64 `json:"fenced_token"`
}

type CreateKernelRequest struct {
	Meta      Meta              `json:"meta"`
	Kernel    *types.Kernel     `json:"kernel"`
	SessionID string            `json:"session_id"`
	Env       map[string]string `json:"env,omitempty"`
	Mounts    []string          `json:"mounts,omitempty"`
	Bootstrap string            `json:"bootstrap,omitempty"`
}

type CreateKernelResponse struct {
	ContainerID  string              `json:"container_id"`
	ServicePorts []types.PortBinding `json:"service_ports,omitempty"`
}

type DestroyKernelRequest struct {
	Meta     Meta   `json:"meta"`
	KernelID string `json:"kernel_id"`
	Reason   string `json:"reason,omitempty"`
}

type DestroyKernelResponse struct {
	ExitCode int `json:"exit_code"`
}

type InterruptRequest struct {
	Meta     Meta   `json:"meta"`
	KernelID string `json:"kernel_id"`
}

type InterruptResponse struct{}

type RestartRequest struct {
	Meta     Meta   `json:"meta"`
	KernelID string `json:"kernel_id"`
}

type RestartResponse struct {
	ContainerID string `json:"container_id"`
}

type ExecRequest struct {
	Meta     Meta          `json:"meta"`
	KernelID string        `json:"kernel_id"`
	Code     string        `json:"code"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// ExecChunk is one streamed piece of execution output. The final chunk
// has Done set and carries the exit code.
type ExecChunk struct {
	Stream   string `json:"stream,omitempty"` // "stdout" or "stderr"
	Data     []byte `json:"data,omitempty"`
	Done     bool   `json:"done,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

type FileStat struct {
	Path  string    `json:"path"`
	Size  int64     `json:"size"`
	Mode  string    `json:"mode"`
	MTime time.Time `json:"mtime"`
	IsDir bool      `json:"is_dir"`
}

type FilePayload struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

type ListFilesRequest struct {
	Meta     Meta   `json:"meta"`
	KernelID string `json:"kernel_id"`
	Path     string `json:"path"`
}

type ListFilesResponse struct {
	Files []FileStat `json:"files"`
}

type UploadFilesRequest struct {
	Meta     Meta          `json:"meta"`
	KernelID string        `json:"kernel_id"`
	Files    []FilePayload `json:"files"`
}

type UploadFilesResponse struct{}

type DownloadFilesRequest struct {
	Meta     Meta     `json:"meta"`
	KernelID string   `json:"kernel_id"`
	Paths    []string `json:"paths"`
}

type DownloadFilesResponse struct {
	Files []FilePayload `json:"files"`
}

// KernelEventKind tags an agent-side kernel lifecycle notification.
type KernelEventKind string

const (
	KernelStarted    KernelEventKind = "kernel_started"
	KernelTerminated KernelEventKind = "kernel_terminated"
	KernelLost       KernelEventKind = "kernel_lost"
)

// KernelEvent is pushed northbound when a kernel changes state on an
// agent outside of a manager-initiated call.
type KernelEvent struct {
	AgentID   string          `json:"agent_id"`
	KernelID  string          `json:"kernel_id"`
	SessionID string          `json:"session_id"`
	Kind      KernelEventKind `json:"kind"`
	ExitCode  int             `json:"exit_code,omitempty"`
	At        time.Time       `json:"at"`
}

// AgentInfo is what an agent reports at registration and heartbeat.
type AgentInfo struct {
	ID             string      `json:"id"`
	Addr           string      `json:"addr"`
	ResourceGroup  string      `json:"resource_group"`
	Arch           string      `json:"arch"`
	Total          slots.Slots `json:"total"`
	Occupied       slots.Slots `json:"occupied"`
	RunningKernels []string    `json:"running_kernels"`
}

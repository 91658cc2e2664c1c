package api

import (
	"time"

	"github.com/hivecompute/hive/pkg/agentrpc"
	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/types"
)

// SessionSpec is the user-facing description of a session to enqueue.
type SessionSpec struct {
	Name          string                      `json:"name"`
	Owner         types.Owner                 `json:"owner"`
	ResourceGroup string                      `json:"resource_group,omitempty"`
	Type          types.SessionType           `json:"type,omitempty"`
	ClusterMode   types.ClusterMode           `json:"cluster_mode,omitempty"`
	ClusterSize   int                         `json:"cluster_size,omitempty"`
	Priority      int                         `json:"priority,omitempty"`
	Requested     slots.Slots                 `json:"requested"`
	Images        map[types.KernelRole]string `json:"images,omitempty"`
	Arch          string                      `json:"arch,omitempty"`
	Mounts        []string                    `json:"mounts,omitempty"`
	Env           map[string]string           `json:"env,omitempty"`
	Bootstrap     string                      `json:"bootstrap,omitempty"`
	StartsAt      *time.Time                  `json:"starts_at,omitempty"`
	IdleTimeout   time.Duration               `json:"idle_timeout,omitempty"`
	MaxLifetime   time.Duration               `json:"max_lifetime,omitempty"`
	DependsOn     []string                    `json:"depends_on,omitempty"`
}

type EnqueueSessionRequest struct {
	Spec SessionSpec `json:"spec"`
}

// StatusRef reports where a write left the session: its status and the
// status version, which doubles as the event sequence number.
type StatusRef struct {
	SessionID string              `json:"session_id"`
	Status    types.SessionStatus `json:"status"`
	EventSeq  uint64              `json:"event_seq"`
}

type EnqueueSessionResponse struct {
	StatusRef
}

type SessionRefRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type SessionRefResponse struct {
	StatusRef
}

type SetPriorityRequest struct {
	SessionID string `json:"session_id"`
	Priority  int    `json:"priority"`
}

type QuerySessionRequest struct {
	SessionID string `json:"session_id"`
}

type QuerySessionResponse struct {
	Session *types.Session          `json:"session"`
	Kernels []*types.Kernel         `json:"kernels,omitempty"`
	History []*types.StatusLogEntry `json:"history,omitempty"`
}

// MatchSessionsRequest filters sessions; empty fields match everything.
type MatchSessionsRequest struct {
	NamePrefix string              `json:"name_prefix,omitempty"`
	AccessKey  string              `json:"access_key,omitempty"`
	Group      string              `json:"group,omitempty"`
	Status     types.SessionStatus `json:"status,omitempty"`
}

type MatchSessionsResponse struct {
	Sessions []*types.Session `json:"sessions"`
}

type ShowQueueRequest struct {
	Group string `json:"group,omitempty"`
}

// QueueEntry is one pending session with its scheduling bookkeeping.
type QueueEntry struct {
	Session *types.Session `json:"session"`
	Retries int            `json:"retries"`
}

type ShowQueueResponse struct {
	Entries []QueueEntry `json:"entries"`
}

type ExecCodeRequest struct {
	SessionID string        `json:"session_id"`
	Code      string        `json:"code"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

type DrainAgentRequest struct {
	AgentID string `json:"agent_id"`
	Undrain bool   `json:"undrain,omitempty"`
}

type DrainAgentResponse struct {
	Status types.AgentStatus `json:"status"`
}

type ListAgentsRequest struct {
	Group string `json:"group,omitempty"`
}

type ListAgentsResponse struct {
	Agents []*types.Agent `json:"agents"`
}

type RecalcUsageRequest struct{}

// DriftReport is one disagreement between live occupancy and replay.
type DriftReport struct {
	AgentID  string `json:"agent_id"`
	Slot     string `json:"slot"`
	Live     int64  `json:"live"`
	Replayed int64  `json:"replayed"`
}

type RecalcUsageResponse struct {
	Drifts []DriftReport `json:"drifts"`
}

type RescanImagesRequest struct{}

// ImageRef summarizes one image in active use.
type ImageRef struct {
	Image   string `json:"image"`
	Arch    string `json:"arch,omitempty"`
	Kernels int    `json:"kernels"`
}

type RescanImagesResponse struct {
	Images []ImageRef `json:"images"`
}

type JoinClusterRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
	Token    string `json:"token"`
}

type JoinClusterResponse struct {
	LeaderAddr string `json:"leader_addr"`
}

type ClusterInfoRequest struct{}

type ClusterInfoResponse struct {
	LeaderAddr string            `json:"leader_addr"`
	IsLeader   bool              `json:"is_leader"`
	RaftStats  map[string]string `json:"raft_stats,omitempty"`
}

type RegisterAgentRequest struct {
	Info *agentrpc.AgentInfo `json:"info"`
}

type RegisterAgentResponse struct{}

type HeartbeatRequest struct {
	Info *agentrpc.AgentInfo `json:"info"`
}

type HeartbeatResponse struct{}

type KernelEventRequest struct {
	Event *agentrpc.KernelEvent `json:"event"`
}

type KernelEventResponse struct{}

type WatchEventsRequest struct {
	Topics []string `json:"topics,omitempty"`
}

// Event is one streamed broker message.
type Event struct {
	Topic   string `json:"topic"`
	Key     string `json:"key"`
	Seq     uint64 `json:"seq"`
	Payload []byte `json:"payload,omitempty"`
}

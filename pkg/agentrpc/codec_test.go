package agentrpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/types"
)

func TestCodecRoundTripsCreateRequest(t *testing.T) {
	codec := jsonCodec{}

	req := &CreateKernelRequest{
		Meta:      Meta{RequestID: "r1", AttemptSeq: 3, FencedToken: 7},
		SessionID: "s1",
		Kernel: &types.Kernel{
			ID:        "k1",
			SessionID: "s1",
			Role:      types.RoleMain,
			Allocated: slots.Slots{"cpu": 2000, "mem": 1 << 30},
		},
		Env: map[string]string{"HOME": "/home/work"},
	}

	data, err := codec.Marshal(req)
	require.NoError(t, err)

	var decoded CreateKernelRequest
	require.NoError(t, codec.Unmarshal(data, &decoded))
	assert.Equal(t, req.Meta, decoded.Meta)
	assert.Equal(t, req.Kernel.Allocated, decoded.Kernel.Allocated)
	assert.Equal(t, "/home/work", decoded.Env["HOME"])
}

func TestCodecPreservesExecChunkBytes(t *testing.T) {
	codec := jsonCodec{}

	chunk := &ExecChunk{Stream: "stdout", Data: []byte("hello\x00world")}
	data, err := codec.Marshal(chunk)
	require.NoError(t, err)

	var decoded ExecChunk
	require.NoError(t, codec.Unmarshal(data, &decoded))
	assert.Equal(t, chunk.Data, decoded.Data)
	assert.False(t, decoded.Done)
}

func TestCodecName(t *testing.T) {
	assert.Equal(t, CodecName, jsonCodec{}.Name())
}

func TestKernelEventSerializesKind(t *testing.T) {
	codec := jsonCodec{}

	event := &KernelEvent{
		AgentID:  "a1",
		KernelID: "k1",
		Kind:     KernelTerminated,
		ExitCode: 137,
		At:       time.Now().UTC().Truncate(time.Second),
	}
	data, err := codec.Marshal(event)
	require.NoError(t, err)

	var decoded KernelEvent
	require.NoError(t, codec.Unmarshal(data, &decoded))
	assert.Equal(t, KernelTerminated, decoded.Kind)
	assert.Equal(t, 137, decoded.ExitCode)
	assert.True(t, event.At.Equal(decoded.At))
}

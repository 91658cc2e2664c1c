package agent

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivecompute/hive/pkg/agentrpc"
	"github.com/hivecompute/hive/pkg/types"
)

// Runtime abstracts the container backend. The shipped implementation
// is in-memory; a real deployment plugs a container engine in here.
type Runtime interface {
	Create(ctx context.Context, kernel *types.Kernel, spec ContainerSpec) (*Container, error)
	Destroy(ctx context.Context, containerID string) (int, error)
	Interrupt(ctx context.Context, containerID string) error
	Restart(ctx context.Context, containerID string) (*Container, error)
	Exec(ctx context.Context, containerID, code string, sink func(*agentrpc.ExecChunk) error) error
	ListFiles(ctx context.Context, containerID, path string) ([]agentrpc.FileStat, error)
	ReadFile(ctx context.Context, containerID, path string) ([]byte, error)
	WriteFile(ctx context.Context, containerID, path string, data []byte) error
	List(ctx context.Context) ([]*Container, error)
}

// ContainerSpec carries everything a runtime needs beyond the kernel
// record itself.
type ContainerSpec struct {
	SessionID string
	Env       map[string]string
	Mounts    []string
	Bootstrap string
}

// Container is the runtime's view of one created kernel.
type Container struct {
	ID           string
	KernelID     string
	ServicePorts []types.PortBinding
	StartedAt    time.Time
}

// FakeRuntime keeps containers and their scratch filesystems in memory.
// Failure hooks let tests and soak setups inject errors per kernel.
type FakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer // container id -> state

	// CreateHook, when set, runs before each create and may veto it.
	CreateHook func(kernel *types.Kernel) error
	// ExecOutput overrides the canned execution output.
	ExecOutput []byte
}

type fakeContainer struct {
	container *Container
	files     map[string][]byte
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (r *FakeRuntime) Create(_ context.Context, kernel *types.Kernel, spec ContainerSpec) (*Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.CreateHook != nil {
		if err := r.CreateHook(kernel); err != nil {
			return nil, err
		}
	}

	c := &Container{
		ID:       "fake-" + uuid.New().String()[:8],
		KernelID: kernel.ID,
		ServicePorts: []types.PortBinding{
			{Name: "repl", ContainerPort: 2001, HostPort: 0, Protocol: "tcp"},
		},
		StartedAt: time.Now(),
	}
	files := map[string][]byte{}
	if spec.Bootstrap != "" {
		files["/bootstrap.sh"] = []byte(spec.Bootstrap)
	}
	r.containers[c.ID] = &fakeContainer{container: c, files: files}
	return c, nil
}

func (r *FakeRuntime) Destroy(_ context.Context, containerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[containerID]; !ok {
		// Destroy is idempotent: a missing container already succeeded.
		return 0, nil
	}
	delete(r.containers, containerID)
	return 0, nil
}

func (r *FakeRuntime) Interrupt(_ context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[containerID]; !ok {
		return fmt.Errorf("container %s not found", containerID)
	}
	return nil
}

func (r *FakeRuntime) Restart(ctx context.Context, containerID string) (*Container, error) {
	r.mu.Lock()
	state, ok := r.containers[containerID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("container %s not found", containerID)
	}
	delete(r.containers, containerID)
	kernelID := state.container.KernelID
	r.mu.Unlock()

	return r.Create(ctx, &types.Kernel{ID: kernelID}, ContainerSpec{})
}

func (r *FakeRuntime) Exec(_ context.Context, containerID, code string, sink func(*agentrpc.ExecChunk) error) error {
	r.mu.Lock()
	_, ok := r.containers[containerID]
	out := r.ExecOutput
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("container %s not found", containerID)
	}
	if out == nil {
		out = []byte(fmt.Sprintf("executed %d bytes\n", len(code)))
	}
	if err := sink(&agentrpc.ExecChunk{Stream: "stdout", Data: out}); err != nil {
		return err
	}
	return sink(&agentrpc.ExecChunk{Done: true, ExitCode: 0})
}

func (r *FakeRuntime) ListFiles(_ context.Context, containerID, path string) ([]agentrpc.FileStat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("container %s not found", containerID)
	}
	var stats []agentrpc.FileStat
	for name, data := range state.files {
		if path == "" || path == "/" || bytes.HasPrefix([]byte(name), []byte(path)) {
			stats = append(stats, agentrpc.FileStat{Path: name, Size: int64(len(data)), Mode: "0644"})
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Path < stats[j].Path })
	return stats, nil
}

func (r *FakeRuntime) ReadFile(_ context.Context, containerID, path string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("container %s not found", containerID)
	}
	data, ok := state.files[path]
	if !ok {
		return nil, fmt.Errorf("file %s not found", path)
	}
	return data, nil
}

func (r *FakeRuntime) WriteFile(_ context.Context, containerID, path string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.containers[containerID]
	if !ok {
		return fmt.Errorf("container %s not found", containerID)
	}
	state.files[path] = append([]byte(nil), data...)
	return nil
}

func (r *FakeRuntime) List(_ context.Context) ([]*Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Container
	for _, state := range r.containers {
		out = append(out, state.container)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

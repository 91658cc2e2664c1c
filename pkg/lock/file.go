package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// FileLocker implements Locker with OS-level file locks, for
// single-host deployments without redis. The kernel drops the lock
// when the holder process dies, so there is no TTL to renew; Renew is
// a no-op. A sidecar counter file keeps tokens monotonic per scope.
type FileLocker struct {
	dir string
}

func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &FileLocker{dir: dir}, nil
}

func (l *FileLocker) Acquire(ctx context.Context, scope string, _ time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fl := flock.New(filepath.Join(l.dir, scope+".lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire file lock %s: %w", scope, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	token, err := l.nextToken(scope)
	if err != nil {
		fl.Unlock()
		return nil, err
	}

	return &fileLease{fl: fl, scope: scope, token: token}, nil
}

// nextToken bumps the scope's counter file. Called only while the
// scope's flock is held, so the read-modify-write is race-free.
func (l *FileLocker) nextToken(scope string) (uint64, error) {
	path := filepath.Join(l.dir, scope+".token")

	var token uint64
	if data, err := os.ReadFile(path); err == nil {
		token, err = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt token file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return 0, err
	}

	token++
	if err := os.WriteFile(path, []byte(strconv.FormatUint(token, 10)), 0o644); err != nil {
		return 0, fmt.Errorf("write token file: %w", err)
	}
	return token, nil
}

type fileLease struct {
	fl    *flock.Flock
	scope string
	token uint64
}

func (l *fileLease) Scope() string { return l.scope }
func (l *fileLease) Token() uint64 { return l.token }

func (l *fileLease) Renew(context.Context) error { return nil }

func (l *fileLease) Release(context.Context) error {
	return l.fl.Unlock()
}

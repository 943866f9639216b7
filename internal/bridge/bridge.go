// Package bridge implements the file-directory event queue that lets
// processes outside the server push events into the broadcast stream.
//
// Producers write one JSON file per event with Enqueue. The server drains
// the directory with a Bridge. Event file names are opaque: every regular,
// non-hidden file is an event. A file is claimed by renaming it to
// ".<name>.claimed" before it is read; rename is atomic within a
// filesystem, so two consumers never process the same file. The claimed
// file is deleted only after the event was handed to the broadcaster, and
// Recover puts claims orphaned by a crash back in the queue. Delivery is
// therefore at-least-once across crashes and exactly-once otherwise.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	eventExt   = ".json"
	claimedExt = ".claimed"
	tempExt    = ".tmp"
	failedDir  = "failed"

	dirPerm  = 0o755
	filePerm = 0o644
)

var (
	ErrQueueDir     = errors.New("queue directory unavailable")
	ErrMissingEvent = errors.New("queued event has no event name")
)

// Event is the on-disk form of a queued event.
type Event struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	QueuedAt  int64           `json:"queued_at"`
}

// Enqueue writes one event file to dir, creating dir if needed.
// It reports success and never panics, whatever dir or payload is.
func Enqueue(dir, event string, payload any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	_, err := Write(dir, event, payload)
	return err == nil
}

// Write is Enqueue returning the created file path or the failure.
//
// The event is written to a hidden temporary file first and renamed into
// place, so a consumer never observes a partially written event.
func Write(dir, event string, payload any) (string, error) {
	if event == "" {
		return "", ErrMissingEvent
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	now := time.Now()
	data, err := json.Marshal(Event{
		Event:     event,
		Payload:   raw,
		Timestamp: now.Unix(),
		QueuedAt:  now.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("%w: %v", ErrQueueDir, err)
	}

	name := fileName(now)
	tmp := filepath.Join(dir, "."+name+tempExt)
	final := filepath.Join(dir, name)

	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return "", fmt.Errorf("write event: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("publish event: %w", err)
	}
	return final, nil
}

// fileName sorts by enqueue time and stays unique across processes.
func fileName(now time.Time) string {
	return fmt.Sprintf("%020d-%s%s", now.UnixNano(), uuid.NewString(), eventExt)
}

// Options tunes a Bridge.
type Options struct {
	// BatchSize caps the files handled per Drain. Zero or less means no cap.
	BatchSize int
	Logger    *zap.Logger
}

// Bridge consumes events queued in one directory.
type Bridge struct {
	dir    string
	opts   Options
	logger *zap.Logger
}

// New creates the queue directory if necessary and returns a consumer for it.
func New(dir string, opts Options) (*Bridge, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty path", ErrQueueDir)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueDir, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		dir:    dir,
		opts:   opts,
		logger: logger.With(zap.String("queue_dir", dir)),
	}, nil
}

// Dir returns the directory being consumed.
func (b *Bridge) Dir() string {
	return b.dir
}

// Recover returns claimed files left behind by an earlier consumer to the
// queue. Call it before the first Drain, while no other consumer runs.
func (b *Bridge) Recover() (int, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueDir, err)
	}

	n := 0
	for _, e := range entries {
		name := e.Name()
		orig, ok := claimedOriginal(name)
		if !e.Type().IsRegular() || !ok {
			continue
		}
		claimed := filepath.Join(b.dir, name)
		if err := os.Rename(claimed, filepath.Join(b.dir, orig)); err != nil {
			b.logger.Warn("failed to recover claimed event", zap.String("file", name), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		b.logger.Info("recovered claimed events", zap.Int("count", n))
	}
	return n, nil
}

// Drain claims queued files in name order and passes each event to fn.
// It returns the number of events delivered. BatchSize bounds the files
// claimed per call, malformed ones included.
//
// A file is deleted once fn returns nil. If fn fails the claim is undone
// and draining stops, leaving the file for a later pass. Unreadable or
// malformed files are moved to the "failed" subdirectory and skipped.
// Only a failure to list the directory is returned as an error.
func (b *Bridge) Drain(fn func(Event) error) (int, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueDir, err)
	}

	n, handled := 0, 0
	for _, e := range entries {
		if b.opts.BatchSize > 0 && handled >= b.opts.BatchSize {
			break
		}
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}

		path := filepath.Join(b.dir, name)
		claimed := filepath.Join(b.dir, claimName(name))
		if err := os.Rename(path, claimed); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				b.logger.Warn("failed to claim event", zap.String("file", name), zap.Error(err))
			}
			// Another consumer won the claim.
			continue
		}
		// Malformed files count against the batch too.
		handled++

		ev, err := readEvent(claimed)
		if err != nil {
			b.logger.Warn("discarding malformed event", zap.String("file", name), zap.Error(err))
			b.quarantine(claimed, name)
			continue
		}

		if err := fn(ev); err != nil {
			if rerr := os.Rename(claimed, path); rerr != nil {
				b.logger.Error("failed to release claim", zap.String("file", name), zap.Error(rerr))
			}
			return n, nil
		}

		if err := os.Remove(claimed); err != nil {
			b.logger.Warn("failed to remove consumed event", zap.String("file", name), zap.Error(err))
		}
		n++
	}
	return n, nil
}

// claimName is the hidden name a claimed event file is renamed to.
func claimName(name string) string {
	return "." + name + claimedExt
}

// claimedOriginal reverses claimName.
func claimedOriginal(name string) (string, bool) {
	if !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, claimedExt) {
		return "", false
	}
	orig := strings.TrimSuffix(strings.TrimPrefix(name, "."), claimedExt)
	return orig, orig != ""
}

func readEvent(path string) (Event, error) {
	var ev Event
	data, err := os.ReadFile(path)
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, err
	}
	if ev.Event == "" {
		return ev, ErrMissingEvent
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage("null")
	}
	return ev, nil
}

// quarantine moves a bad claimed file out of the queue, deleting it if the
// move is impossible so it cannot be retried forever.
func (b *Bridge) quarantine(claimed, name string) {
	dir := filepath.Join(b.dir, failedDir)
	if err := os.MkdirAll(dir, dirPerm); err == nil {
		if err := os.Rename(claimed, filepath.Join(dir, name)); err == nil {
			return
		}
	}
	if err := os.Remove(claimed); err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.logger.Error("failed to remove malformed event", zap.String("file", name), zap.Error(err))
	}
}

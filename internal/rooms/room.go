package rooms

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// Errors
var (
	ErrInvalidRoom   = errors.New("invalid room id")
	ErrUnknownHandle = errors.New("unknown handle")
)

// Room id conventions.
const (
	RoomGlobal   = "global"
	WorkerPrefix = "worker:"
	TaskPrefix   = "task:"
)

// HandleID identifies one Join.
type HandleID uuid.UUID

func (id HandleID) String() string { return uuid.UUID(id).String() }

// WorkerRoom returns the room for a single worker.
func WorkerRoom(workerID string) string { return WorkerPrefix + workerID }

// TaskRoom returns the room for a single task.
func TaskRoom(taskID string) string { return TaskPrefix + taskID }

// ValidateRoom checks a room id. In strict mode only global, worker:<id> and
// task:<id> are accepted; otherwise any non-empty id without whitespace is.
func ValidateRoom(room string, strict bool) error {
	if room == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRoom)
	}
	if strings.ContainsFunc(room, unicode.IsSpace) {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidRoom, room)
	}
	if !strict || room == RoomGlobal {
		return nil
	}
	for _, prefix := range []string{WorkerPrefix, TaskPrefix} {
		if id, ok := strings.CutPrefix(room, prefix); ok {
			if id == "" {
				return fmt.Errorf("%w: %q has no entity id", ErrInvalidRoom, room)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidRoom, room)
}

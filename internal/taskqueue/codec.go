package taskqueue

import (
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// EncodeTask msgpack-encodes a Task.
func EncodeTask(t Task) ([]byte, error) {
	return msgpack.Marshal(&t)
}

// DecodeTask msgpack-decodes a Task.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := msgpack.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// prepare fills the ID and timestamps of a task about to be stored.
func prepare(t Task, now time.Time) Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	return t
}

package store

import (
	"errors"
	"fmt"
	"time"

	"happysrt/api/internal/thread"
)

const (
	MediaPending = "pending"
	MediaActive  = "active"
	MediaDeleted = "deleted"
	MediaFailed  = "failed"
	MediaExpired = "expired"
)

var (
	ErrThreadExists = errors.New("thread already exists")
	ErrMediaExpired = errors.New("media reservation expired")
)

// ThreadLimitError reports that an owner already holds Limit live threads.
type ThreadLimitError struct {
	Limit int
	Used  int
}

func (e *ThreadLimitError) Error() string {
	return fmt.Sprintf("thread limit reached: %d of %d", e.Used, e.Limit)
}

// threadData is the jsonb payload of the threads.data column.
type threadData struct {
	Kind  string        `json:"kind"`
	Items []thread.Item `json:"items"`
}

type DraftCommit struct {
	Draft          thread.Draft
	DraftRev       int64
	DraftUpdatedAt time.Time
	UpdatedAt      time.Time
}

type MediaObject struct {
	ObjectID  string
	OwnerID   string
	ThreadID  string
	ItemID    string
	ObjectKey string
	Filename  string
	Mime      string
	Bytes     int64
	Status    string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

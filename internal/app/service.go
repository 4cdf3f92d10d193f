package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"happysrt/api/internal/auth"
	"happysrt/api/internal/config"
	"happysrt/api/internal/events"
	"happysrt/api/internal/logger"
	"happysrt/api/internal/metrics"
	"happysrt/api/internal/owner"
	"happysrt/api/internal/quota"
	"happysrt/api/internal/store"
	"happysrt/api/internal/thread"
	"happysrt/api/internal/util"
)

// Caller is the resolved owner of a request together with its plan.
type Caller struct {
	Owner owner.Owner
	Plan  quota.Plan
	Email string
	Name  string
}

type CreateThreadInput struct {
	ThreadID string `json:"threadId"`
	Title    string `json:"title"`
}

type RenameThreadInput struct {
	ThreadID string `json:"threadId"`
	Title    string `json:"title"`
}

type RenameResult struct {
	ThreadID  string    `json:"threadId"`
	Title     string    `json:"title"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type StorageUsage struct {
	UsedBytes  int64 `json:"usedBytes"`
	LimitBytes int64 `json:"limitBytes"`
}

type dataStore interface {
	CreateThread(context.Context, string, thread.Thread, int) (thread.Thread, error)
	EnsureThread(context.Context, string, string, string) error
	ThreadExists(context.Context, string, string) (bool, error)
	RenameThread(context.Context, string, string, string) (int64, time.Time, error)
	SoftDeleteThread(context.Context, string, string) (time.Time, error)
	GetThread(context.Context, string, string) (thread.Thread, error)
	IndexThreads(context.Context, string, *time.Time) (time.Time, []thread.IndexRow, error)
	MutateDraft(context.Context, string, string, func(*thread.Draft) error) (store.DraftCommit, error)
	UsedBytes(context.Context, string) (int64, error)
	ReserveMedia(context.Context, store.MediaObject, int64, time.Duration) (int64, error)
	ActivateMedia(context.Context, string, string) error
	FailMedia(context.Context, string, string) error
	MarkMediaDeleted(context.Context, string, string) error
	Ping(context.Context) error
}

type objectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	objects  objectStore
	verifier auth.Verifier
	events   events.Publisher
	log      *zap.Logger
	now      func() time.Time
	probes   []readinessCheck
}

type readinessCheck struct {
	name string
	ping func(context.Context) error
}

// New wires the service. objects may be nil, in which case audio uploads are
// refused; publisher may be nil to disable events.
func New(cfg config.Config, dataStore dataStore, objects objectStore, verifier auth.Verifier, publisher events.Publisher, log *zap.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		objects:  objects,
		verifier: verifier,
		events:   publisher,
		log:      logger.OrNop(log),
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// AddReadinessCheck registers an extra dependency reported by /api/ready.
func (s *Service) AddReadinessCheck(name string, ping func(context.Context) error) {
	s.probes = append(s.probes, readinessCheck{name: name, ping: ping})
}

func (s *Service) readinessChecks() []readinessCheck {
	return append([]readinessCheck{{name: "database", ping: s.Ping}}, s.probes...)
}

// Identify resolves a bearer token into a signed in caller.
func (s *Service) Identify(ctx context.Context, token string) (Caller, error) {
	if s.verifier == nil {
		return Caller{}, auth.ErrInvalidToken
	}
	identity, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return Caller{}, err
	}
	return Caller{
		Owner: owner.Authenticated(identity.UserID, token),
		Plan:  quota.ResolvePlan(true, identity.Plan),
		Email: identity.Email,
		Name:  identity.Name,
	}, nil
}

func (s *Service) GuestCaller(guestID string) Caller {
	return Caller{Owner: owner.Guest(guestID), Plan: quota.PlanGuest}
}

func (s *Service) limits() quota.Limits {
	return quota.Limits{FreeBytes: s.cfg.FreeStorageBytes, PaidBytes: s.cfg.PaidStorageBytes}
}

func (s *Service) Usage(ctx context.Context, caller Caller) (StorageUsage, error) {
	used, err := s.store.UsedBytes(ctx, caller.Owner.ID())
	if err != nil {
		return StorageUsage{}, err
	}
	return StorageUsage{UsedBytes: used, LimitBytes: s.limits().BytesFor(caller.Plan)}, nil
}

func (s *Service) CreateThread(ctx context.Context, caller Caller, input CreateThreadInput) (thread.Thread, error) {
	if err := requireSignedIn(caller); err != nil {
		return thread.Thread{}, err
	}
	threadID, err := validateThreadID(input.ThreadID)
	if err != nil {
		return thread.Thread{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = thread.NewThreadTitle
	}
	if len(title) > thread.MaxTitleLength {
		return thread.Thread{}, validationError("title is too long")
	}

	limit := caller.Plan.ThreadLimit()
	created, err := s.store.CreateThread(ctx, caller.Owner.ID(), thread.New(threadID, title, s.now()), limit)
	if err != nil {
		var limitErr *store.ThreadLimitError
		if errors.As(err, &limitErr) {
			metrics.LimitRejections.WithLabelValues("threads").Inc()
			return thread.Thread{}, domainError(http.StatusForbidden, "THREAD_LIMIT_REACHED", "Thread limit reached for your plan", map[string]any{
				"limit": limitErr.Limit,
				"used":  limitErr.Used,
				"plan":  caller.Plan,
			})
		}
		return thread.Thread{}, err
	}

	metrics.ThreadMutations.WithLabelValues("create").Inc()
	s.publish(ctx, events.Event{Type: events.ThreadCreated, OwnerID: caller.Owner.ID(), ThreadID: created.ID, Version: created.Version})
	return created, nil
}

func (s *Service) RenameThread(ctx context.Context, caller Caller, input RenameThreadInput) (RenameResult, error) {
	if err := requireSignedIn(caller); err != nil {
		return RenameResult{}, err
	}
	threadID, err := validateThreadID(input.ThreadID)
	if err != nil {
		return RenameResult{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return RenameResult{}, validationError("title is required")
	}
	if len(title) > thread.MaxTitleLength {
		return RenameResult{}, validationError("title is too long")
	}

	version, updatedAt, err := s.store.RenameThread(ctx, caller.Owner.ID(), threadID, title)
	if err != nil {
		return RenameResult{}, err
	}
	metrics.ThreadMutations.WithLabelValues("rename").Inc()
	s.publish(ctx, events.Event{Type: events.ThreadRenamed, OwnerID: caller.Owner.ID(), ThreadID: threadID, Version: version})
	return RenameResult{ThreadID: threadID, Title: title, Version: version, UpdatedAt: updatedAt}, nil
}

func (s *Service) DeleteThread(ctx context.Context, caller Caller, threadID string) (time.Time, error) {
	if err := requireSignedIn(caller); err != nil {
		return time.Time{}, err
	}
	threadID, err := validateThreadID(threadID)
	if err != nil {
		return time.Time{}, err
	}
	deletedAt, err := s.store.SoftDeleteThread(ctx, caller.Owner.ID(), threadID)
	if err != nil {
		return time.Time{}, err
	}
	metrics.ThreadMutations.WithLabelValues("delete").Inc()
	s.publish(ctx, events.Event{Type: events.ThreadDeleted, OwnerID: caller.Owner.ID(), ThreadID: threadID})
	return deletedAt, nil
}

func (s *Service) GetThread(ctx context.Context, caller Caller, threadID string) (thread.Thread, error) {
	if err := requireSignedIn(caller); err != nil {
		return thread.Thread{}, err
	}
	threadID, err := validateThreadID(threadID)
	if err != nil {
		return thread.Thread{}, err
	}
	return s.store.GetThread(ctx, caller.Owner.ID(), threadID)
}

func (s *Service) IndexThreads(ctx context.Context, caller Caller, since *time.Time) (thread.Index, error) {
	if err := requireSignedIn(caller); err != nil {
		return thread.Index{}, err
	}
	serverTime, rows, err := s.store.IndexThreads(ctx, caller.Owner.ID(), since)
	if err != nil {
		return thread.Index{}, err
	}
	if rows == nil {
		rows = []thread.IndexRow{}
	}
	return thread.Index{ServerTime: serverTime, Threads: rows}, nil
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if event.At.IsZero() {
		event.At = s.now().UTC()
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn("publish event failed", zap.String("type", event.Type), zap.Error(err))
	}
}

func requireSignedIn(caller Caller) error {
	if caller.Owner.IsGuest() {
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Sign in required", nil)
	}
	return nil
}

func validateThreadID(raw string) (string, error) {
	threadID := strings.TrimSpace(raw)
	switch {
	case threadID == "":
		return "", validationError("threadId is required")
	case threadID == thread.DefaultID:
		return "", validationError("the default thread is local only")
	case !util.IsUUID(threadID):
		return "", validationError("threadId must be a UUID")
	}
	return threadID, nil
}

func validateHTTPURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	parsed, err := url.Parse(value)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", validationError("url must be an http(s) URL")
	}
	return value, nil
}

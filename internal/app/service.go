package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"stepdocs/api/internal/auth"
	"stepdocs/api/internal/lock"
	"stepdocs/api/internal/logger"
	"stepdocs/api/internal/rbac"
	"stepdocs/api/internal/search"
	"stepdocs/api/internal/store"
	"stepdocs/api/internal/util"
	"stepdocs/api/internal/versioning"
)

type dataStore interface {
	Ping(context.Context) error
	InsertStep(context.Context, store.Step) error
	GetStep(context.Context, string) (store.Step, error)
	GetDocument(context.Context, string) (store.Document, error)
	ListStepDocuments(context.Context, string) ([]store.Document, error)
	ListCurrentDocuments(context.Context) ([]store.Document, error)
	ListVersionedStepIDs(context.Context, int) ([]string, error)
	InStepTx(context.Context, string, func(store.StepTx) error) error
}

type blobStore interface {
	DownloadURL(ctx context.Context, storageKey, recorded string) (string, error)
	Remove(ctx context.Context, storageKey string) error
}

type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	SyncStep(stepID string, current []store.Document)
}

// ReadMode selects how the query facade derives its answers.
type ReadMode string

const (
	// ReadFast serves the stored derived fields.
	ReadFast ReadMode = "fast"
	// ReadRecompute rebuilds the step in memory on every read.
	ReadRecompute ReadMode = "recompute"
)

type Options struct {
	Store     dataStore
	Locker    lock.Locker
	Blobs     blobStore
	Search    searchIndex
	Policy    versioning.DedupPolicy
	ReadMode  ReadMode
	JWTSecret string
	Logger    *logger.Logger
	Now       func() time.Time
	// Probes are extra readiness checks (lock backend, blob storage) keyed
	// by the name reported under /api/ready.
	Probes map[string]Probe
}

type Probe func(context.Context) error

type Service struct {
	store    dataStore
	locker   lock.Locker
	blobs    blobStore
	search   searchIndex
	policy   versioning.DedupPolicy
	readMode ReadMode
	secret   []byte
	log      *logger.Logger
	now      func() time.Time
	probes   map[string]Probe
}

func NewService(opts Options) *Service {
	s := &Service{
		store:    opts.Store,
		locker:   opts.Locker,
		blobs:    opts.Blobs,
		search:   opts.Search,
		policy:   opts.Policy,
		readMode: opts.ReadMode,
		secret:   []byte(opts.JWTSecret),
		log:      opts.Logger,
		now:      opts.Now,
		probes:   opts.Probes,
	}
	if s.locker == nil {
		s.locker = lock.NewLocal(5 * time.Second)
	}
	if s.policy == nil {
		s.policy = versioning.DefaultPolicy()
	}
	if s.readMode == "" {
		s.readMode = ReadFast
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Session is the authenticated caller of an HTTP request.
type Session struct {
	ActorID   string
	Name      string
	Role      string
	ExpiresAt time.Time
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		ActorID:   claims.Sub,
		Name:      claims.Name,
		Role:      string(rbac.Normalize(claims.Role)),
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Readiness runs the database ping and every probe. The service is ready
// when all of them pass.
func (s *Service) Readiness(ctx context.Context) (bool, map[string]any) {
	ready := true
	checks := map[string]any{"database": map[string]any{"status": "ok"}}
	if err := s.Ping(ctx); err != nil {
		ready = false
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	for name, probe := range s.probes {
		if err := probe(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	return ready, checks
}

// timestamp is the service clock truncated to what Postgres stores.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

type CreateStepInput struct {
	ID         string `json:"id"`
	TimelineID string `json:"timelineId"`
	Name       string `json:"name"`
}

func (s *Service) CreateStep(ctx context.Context, input CreateStepInput) (store.Step, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = util.NewID("step")
	}
	if !util.ValidID(id) {
		return store.Step{}, domainError(http.StatusBadRequest, CodeInvalidStep, "step id is not valid", map[string]any{"id": id})
	}
	step := store.Step{
		ID:         id,
		TimelineID: strings.TrimSpace(input.TimelineID),
		Name:       strings.TrimSpace(input.Name),
		CreatedAt:  s.timestamp(),
	}
	if err := s.store.InsertStep(ctx, step); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Step{}, domainError(http.StatusConflict, CodeStepExists, "step already exists", map[string]any{"id": id})
		}
		return store.Step{}, fmt.Errorf("create step: %w", err)
	}
	s.log.Info("step created", "step_id", step.ID, "timeline_id", step.TimelineID)
	return step, nil
}

func (s *Service) GetStep(ctx context.Context, stepID string) (store.Step, error) {
	step, err := s.store.GetStep(ctx, stepID)
	if err != nil {
		return store.Step{}, classify(err, "step", stepID)
	}
	return step, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, classify(err, "document", documentID)
	}
	return doc, nil
}

// DownloadURL resolves a fetchable URL for the document's blob.
func (s *Service) DownloadURL(ctx context.Context, documentID string) (string, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	if s.blobs == nil {
		return doc.DownloadURL, nil
	}
	url, err := s.blobs.DownloadURL(ctx, doc.StorageKey, doc.DownloadURL)
	if err != nil {
		return "", fmt.Errorf("download url for %s: %w", documentID, err)
	}
	return url, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// CurrentDocuments returns the current document of every type for a step.
func (s *Service) CurrentDocuments(ctx context.Context, stepID string) ([]versioning.AnnotatedDocument, error) {
	docs, err := s.readStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	return versioning.Current(docs), nil
}

// VersionHistory returns superseded documents grouped by session.
func (s *Service) VersionHistory(ctx context.Context, stepID string, order versioning.Order) ([]versioning.HistorySession, error) {
	docs, err := s.readStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	return versioning.History(docs, order), nil
}

// readStep loads a step's snapshot according to the read mode.
func (s *Service) readStep(ctx context.Context, stepID string) ([]store.Document, error) {
	if _, err := s.GetStep(ctx, stepID); err != nil {
		return nil, err
	}
	docs, err := s.store.ListStepDocuments(ctx, stepID)
	if err != nil {
		return nil, fmt.Errorf("list step documents: %w", err)
	}
	if s.readMode == ReadRecompute {
		return versioning.Materialize(docs, s.policy), nil
	}
	return docs, nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"rundown/api/internal/archive"
	"rundown/api/internal/auth"
	"rundown/api/internal/collab"
	"rundown/api/internal/config"
	"rundown/api/internal/history"
	"rundown/api/internal/realtime"
	"rundown/api/internal/search"
	"rundown/api/internal/store"
	"rundown/api/internal/util"
)

// Session is the resolved identity behind a request.
type Session struct {
	UserID string
	Email  string
	Name   string
}

type dataStore interface {
	GetRundown(ctx context.Context, id string) (store.Rundown, error)
	ListRundowns(ctx context.Context, teamID string) ([]store.RundownSummary, error)
	CreateRundown(ctx context.Context, r store.Rundown) (store.Rundown, error)
	UpdateRundown(ctx context.Context, id string, patch store.RundownPatch, expectedVersion int64) (store.SaveResult, error)
	DeleteRundown(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

type publisher interface {
	Publish(ctx context.Context, ev realtime.UpdateEvent) error
	Ping(ctx context.Context, timeout time.Duration) error
}

type historyService interface {
	Commit(rundownID string, snap history.Snapshot, author, message string) (store.CommitInfo, error)
	History(rundownID string, limit int) ([]store.CommitInfo, error)
	TagVersion(rundownID, rev, name string) error
	NamedVersions(rundownID string) ([]store.NamedVersion, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexRundown(doc store.Rundown)
	DeleteRundown(doc store.Rundown)
}

type archiveService interface {
	ArchiveRundown(ctx context.Context, doc store.Rundown) (string, error)
}

type Service struct {
	cfg     config.Config
	store   dataStore
	broker  publisher
	history historyService
	search  searchService
	archive archiveService
}

// New wires the service. historySvc, searchSvc and archiveSvc may be nil when
// the corresponding backend is not configured.
func New(cfg config.Config, dataStore *store.PostgresStore, broker *realtime.Broker, historySvc *history.Service, searchSvc *search.Service, archiveSvc *archive.Service) *Service {
	s := &Service{
		cfg:   cfg,
		store: dataStore,
	}
	if broker != nil {
		s.broker = broker
	}
	if historySvc != nil {
		s.history = historySvc
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	if archiveSvc != nil {
		s.archive = archiveSvc
	}
	return s
}

// Bootstrap seeds a demo rundown on an empty database so a fresh install has
// something to open.
func (s *Service) Bootstrap(ctx context.Context) error {
	existing, err := s.store.ListRundowns(ctx, "")
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	doc := store.Rundown{
		ID:        util.NewID("rd"),
		TeamID:    "demo",
		Title:     "Evening News",
		StartTime: "18:00",
		Timezone:  "America/New_York",
		ShowDate:  time.Now().Format("2006-01-02"),
		Columns: []store.Column{
			{ID: util.NewID("col"), Name: "Camera", Width: 120},
		},
		Items: []store.Item{
			{ID: util.NewID("item"), Type: store.ItemTypeHeader, Name: "A BLOCK"},
			{ID: util.NewID("item"), Type: store.ItemTypeRow, Name: "Cold Open", Talent: "Dana", Duration: "00:30"},
			{ID: util.NewID("item"), Type: store.ItemTypeRow, Name: "Top Story", Talent: "Dana", Duration: "02:00"},
			{ID: util.NewID("item"), Type: store.ItemTypeRow, Name: "Weather", Talent: "Sam", Duration: "01:30"},
		},
		UpdatedBy: "system",
	}
	created, err := s.store.CreateRundown(ctx, doc)
	if err != nil {
		return err
	}
	s.snapshot(created, "system", "Seed demo rundown")
	if s.search != nil {
		s.search.IndexRundown(created)
	}
	return nil
}

// SessionFromToken resolves the identity behind a bearer token.
func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Sub, Email: claims.Email, Name: claims.Name}, nil
}

// Login issues a token for the given identity. Rundown trusts the upstream
// identity provider; there is no password flow here.
func (s *Service) Login(email, name string) (string, Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
	}
	if strings.TrimSpace(name) == "" {
		name = email
	}
	session := Session{UserID: util.NewID("user"), Email: email, Name: name}
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   session.UserID,
		Email: session.Email,
		Name:  session.Name,
		Exp:   time.Now().Add(s.cfg.SessionTTL).Unix(),
	})
	if err != nil {
		return "", Session{}, err
	}
	return token, session, nil
}

func (s *Service) ListRundowns(ctx context.Context, teamID string) ([]store.RundownSummary, error) {
	return s.store.ListRundowns(ctx, teamID)
}

// GetRundown returns the row plus computed per-item timing. Timing is derived
// at read time, never stored.
func (s *Service) GetRundown(ctx context.Context, id string) (store.Rundown, []store.ItemTiming, error) {
	doc, err := s.store.GetRundown(ctx, id)
	if err != nil {
		return store.Rundown{}, nil, err
	}
	return doc, store.ComputeTiming(doc.StartTime, doc.Items), nil
}

type CreateRundownInput struct {
	TeamID    string `json:"teamId"`
	Title     string `json:"title"`
	StartTime string `json:"startTime"`
	Timezone  string `json:"timezone"`
	ShowDate  string `json:"showDate"`
}

func (s *Service) CreateRundown(ctx context.Context, session Session, input CreateRundownInput) (store.Rundown, error) {
	if strings.TrimSpace(input.Title) == "" {
		return store.Rundown{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	doc := store.Rundown{
		ID:        util.NewID("rd"),
		TeamID:    input.TeamID,
		Title:     input.Title,
		StartTime: input.StartTime,
		Timezone:  input.Timezone,
		ShowDate:  input.ShowDate,
		UpdatedBy: session.UserID,
	}
	created, err := s.store.CreateRundown(ctx, doc)
	if err != nil {
		return store.Rundown{}, err
	}
	s.snapshot(created, session.Name, "Create rundown")
	if s.search != nil {
		s.search.IndexRundown(created)
	}
	return created, nil
}

// SaveRundownInput is the compare-and-swap save body. Pointer fields are
// partial: nil means "leave as is".
type SaveRundownInput struct {
	ExpectedVersion int64          `json:"expectedVersion"`
	Title           *string        `json:"title"`
	StartTime       *string        `json:"startTime"`
	Timezone        *string        `json:"timezone"`
	ShowDate        *string        `json:"showDate"`
	ExternalNotes   *string        `json:"externalNotes"`
	Columns         []store.Column `json:"columns"`
	Items           []store.Item   `json:"items"`
	TabID           string         `json:"tabId"`
}

// SaveRundown is the write path every editing session converges through: one
// conditional UPDATE gated on doc_version. A lost race returns the current
// server row inside a VERSION_CONFLICT error so the client engine can run its
// merge without an extra round trip.
func (s *Service) SaveRundown(ctx context.Context, session Session, id string, input SaveRundownInput) (store.Rundown, error) {
	patch := store.RundownPatch{
		Title:         input.Title,
		StartTime:     input.StartTime,
		Timezone:      input.Timezone,
		ShowDate:      input.ShowDate,
		ExternalNotes: input.ExternalNotes,
		Columns:       input.Columns,
		Items:         input.Items,
		UpdatedBy:     session.UserID,
		TabID:         input.TabID,
	}

	result, err := s.store.UpdateRundown(ctx, id, patch, input.ExpectedVersion)
	if errors.Is(err, store.ErrNotFound) {
		return store.Rundown{}, domainError(http.StatusNotFound, "NOT_FOUND", "Rundown not found", nil)
	}
	if errors.Is(err, store.ErrVersionConflict) {
		current, getErr := s.store.GetRundown(ctx, id)
		if getErr != nil {
			return store.Rundown{}, fmt.Errorf("load conflicting row: %w", getErr)
		}
		return store.Rundown{}, domainError(http.StatusConflict, "VERSION_CONFLICT",
			fmt.Sprintf("rundown moved to version %d", current.DocVersion), current)
	}
	if err != nil {
		return store.Rundown{}, err
	}

	doc, err := s.store.GetRundown(ctx, id)
	if err != nil {
		return store.Rundown{}, fmt.Errorf("load saved row: %w", err)
	}

	// The event carries the full new row; subscribers merge without a fetch.
	ev := realtime.UpdateEvent{
		RundownID:  id,
		DocVersion: result.DocVersion,
		CommitTS:   collab.FormatTimestamp(result.UpdatedAt),
		UserID:     session.UserID,
		TabID:      input.TabID,
		New:        &doc,
	}
	if s.broker != nil {
		if err := s.broker.Publish(ctx, ev); err != nil {
			// The write landed; a lost notification only delays convergence.
			log.Printf("app: publish update for %s v%d: %v", id, result.DocVersion, err)
		}
	}

	if s.search != nil {
		s.search.IndexRundown(doc)
	}
	s.snapshot(doc, session.Name, fmt.Sprintf("Save v%d", doc.DocVersion))
	return doc, nil
}

func (s *Service) DuplicateRundown(ctx context.Context, session Session, id string) (store.Rundown, error) {
	source, err := s.store.GetRundown(ctx, id)
	if err != nil {
		return store.Rundown{}, err
	}

	dup := source
	dup.ID = util.NewID("rd")
	dup.Title = source.Title + " (copy)"
	dup.UpdatedBy = session.UserID
	dup.TabID = ""
	dup.Items = store.CloneItems(source.Items)
	for i := range dup.Items {
		dup.Items[i].ID = util.NewID("item")
	}

	created, err := s.store.CreateRundown(ctx, dup)
	if err != nil {
		return store.Rundown{}, err
	}
	s.snapshot(created, session.Name, "Duplicate rundown")
	if s.search != nil {
		s.search.IndexRundown(created)
	}
	return created, nil
}

// DeleteRundown archives the row to object storage before removing it. When
// an archive backend is configured, a failed archive aborts the delete.
func (s *Service) DeleteRundown(ctx context.Context, id string) error {
	doc, err := s.store.GetRundown(ctx, id)
	if err != nil {
		return err
	}
	if s.archive != nil {
		key, err := s.archive.ArchiveRundown(ctx, doc)
		if err != nil {
			return fmt.Errorf("archive before delete: %w", err)
		}
		log.Printf("app: archived rundown %s to %s", id, key)
	}
	if err := s.store.DeleteRundown(ctx, id); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteRundown(doc)
	}
	return nil
}

// Versions lists the snapshot history and named versions of a rundown.
func (s *Service) Versions(ctx context.Context, id string, limit int) ([]store.CommitInfo, []store.NamedVersion, error) {
	if s.history == nil {
		return []store.CommitInfo{}, []store.NamedVersion{}, nil
	}
	if _, err := s.store.GetRundown(ctx, id); err != nil {
		return nil, nil, err
	}
	commits, err := s.history.History(id, limit)
	if err != nil {
		return nil, nil, err
	}
	named, err := s.history.NamedVersions(id)
	if err != nil {
		return nil, nil, err
	}
	return commits, named, nil
}

// TagVersion names the current (or a specific) snapshot.
func (s *Service) TagVersion(ctx context.Context, id, rev, name string) error {
	if s.history == nil {
		return domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Snapshot history not configured", nil)
	}
	if strings.TrimSpace(name) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if _, err := s.store.GetRundown(ctx, id); err != nil {
		return err
	}
	return s.history.TagVersion(id, rev, name)
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingBroker(ctx context.Context) error {
	if s.broker == nil {
		return nil
	}
	return s.broker.Ping(ctx, 2*time.Second)
}

// snapshot commits the document state into the history repo, off the request
// path.
func (s *Service) snapshot(doc store.Rundown, author, message string) {
	if s.history == nil {
		return
	}
	go func() {
		if _, err := s.history.Commit(doc.ID, history.SnapshotOf(doc), author, message); err != nil {
			log.Printf("app: snapshot rundown %s: %v", doc.ID, err)
		}
	}()
}

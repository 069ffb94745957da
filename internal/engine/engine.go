package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stagegate/internal/audit"
	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/engine/auth"
	"stagegate/internal/events"
	"stagegate/internal/ledger"
	"stagegate/internal/lock"
	"stagegate/internal/metrics"
	"stagegate/internal/notify"
	"stagegate/internal/platform/logging"
	"stagegate/internal/repo"
	"stagegate/internal/risk"
	"stagegate/internal/sla"
)

var tracer = otel.Tracer("stagegate/engine")

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Auth     auth.Service
	Risk     *risk.Registry
	Clock    sla.Clock
	Gateway  notify.Gateway
	Renderer notify.Renderer
	Locks    lock.Keyed
	// ReopenAuth overrides the role-based reopen authorizer built from config.
	ReopenAuth ledger.ReopenAuthorizer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	reg, err := cfg.RiskRegistry()
	if err != nil {
		// cfg passed Validate, which builds the same registry
		reg = risk.DefaultRegistry()
	}
	logger := logging.Discard()
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Auth:     auth.Service{Repo: r},
		Risk:     reg,
		Clock:    cfg.Clock(),
		Gateway:  notify.LogGateway{Logger: logger},
		Renderer: rendererFor(cfg),
		Locks:    lock.NewLocal(),
		Logger:   logger,
		Now:      time.Now,
	}
}

func rendererFor(cfg *config.Config) notify.Renderer {
	r := notify.Renderer{Notices: map[domain.CaseKind]notify.Notice{}}
	for kind, kc := range cfg.Kinds {
		r.Notices[kind] = notify.Notice{
			Recipients: kc.Notification.Recipients,
			Subject:    kc.Notification.Subject,
			Locale:     kc.Notification.Locale,
		}
	}
	return r
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	return logging.OrDiscard(e.Logger)
}

func (e Engine) ledger() ledger.Ledger {
	reopen := e.ReopenAuth
	if reopen == nil && e.Config != nil {
		reopen = e.Auth.ReopenByRole(e.Config.Reopen.Roles)
	}
	return ledger.Ledger{Repo: e.Repo, Now: e.Now, Reopen: reopen}
}

func (e Engine) locks() lock.Keyed {
	if e.Locks == nil {
		return lock.NewLocal()
	}
	return e.Locks
}

func (e Engine) span(ctx context.Context, name, caseID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("case.id", caseID)))
}

// CaseCreateOptions are parameters for opening a case.
type CaseCreateOptions struct {
	ID          string
	Kind        domain.CaseKind
	Title       string
	Reference   string
	Attachments []domain.Attachment
	ActorID     string
}

// CaseView is a case with its derived status.
type CaseView struct {
	domain.Case
	Status domain.CaseStatus `json:"status"`
}

// CreateCase opens a case; its stage list is copied from the kind config and
// never changes afterwards.
func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (CaseView, error) {
	if e.Config == nil {
		return CaseView{}, errors.New("config not loaded")
	}
	kind, err := domain.ParseCaseKind(string(opts.Kind))
	if err != nil {
		return CaseView{}, err
	}
	kc, ok := e.Config.Kind(kind)
	if !ok {
		return CaseView{}, fmt.Errorf("%w: case kind %s is not configured", domain.ErrInvalidInput, kind)
	}
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return CaseView{}, fmt.Errorf("%w: title is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(opts.ActorID) == "" {
		return CaseView{}, fmt.Errorf("%w: actor is required", domain.ErrInvalidInput)
	}
	for _, a := range opts.Attachments {
		if a.URL == "" {
			return CaseView{}, fmt.Errorf("%w: attachment %q has no url", domain.ErrInvalidInput, a.Name)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	ctx, span := e.span(ctx, "engine.CreateCase", id)
	defer span.End()

	c := domain.Case{
		ID:          id,
		Kind:        kind,
		Title:       opts.Title,
		Reference:   strings.TrimSpace(opts.Reference),
		Stages:      kc.StageNames(),
		Attachments: opts.Attachments,
		CreatedBy:   opts.ActorID,
		CreatedAt:   e.now(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CaseView{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return CaseView{}, err
	}
	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return CaseView{}, fmt.Errorf("insert case: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.CaseCreated, c.ID, "case", c.ID, opts.ActorID, events.EventPayload{
		"kind": string(c.Kind), "stages": c.Stages, "reference": c.Reference,
	}); err != nil {
		return CaseView{}, err
	}
	if err := tx.Commit(); err != nil {
		return CaseView{}, err
	}
	logging.Audit(ctx, e.logger(), events.CaseCreated, "case_id", c.ID, "kind", string(c.Kind), "actor_id", opts.ActorID)
	return CaseView{Case: c, Status: domain.StatusDraft}, nil
}

// GetCase loads a case and derives its status.
func (e Engine) GetCase(ctx context.Context, id string) (CaseView, error) {
	c, err := e.loadCase(ctx, nil, id)
	if err != nil {
		return CaseView{}, err
	}
	status, err := e.ledger().Status(ctx, nil, c)
	if err != nil {
		return CaseView{}, err
	}
	return CaseView{Case: c, Status: status}, nil
}

// ListCases returns cases newest first, optionally narrowed to one status.
func (e Engine) ListCases(ctx context.Context, f repo.CaseFilters, status domain.CaseStatus) ([]CaseView, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, status)
	}
	cases, err := e.Repo.ListCases(ctx, f)
	if err != nil {
		return nil, err
	}
	l := e.ledger()
	out := make([]CaseView, 0, len(cases))
	for _, c := range cases {
		st, err := l.Status(ctx, nil, c)
		if err != nil {
			return nil, err
		}
		if status != "" && st != status {
			continue
		}
		out = append(out, CaseView{Case: c, Status: st})
	}
	return out, nil
}

// CurrentStatus derives the status of a case from its ledger.
func (e Engine) CurrentStatus(ctx context.Context, caseID string) (domain.CaseStatus, error) {
	v, err := e.GetCase(ctx, caseID)
	if err != nil {
		return "", err
	}
	return v.Status, nil
}

// ActiveDecision returns the decision in force for a stage.
func (e Engine) ActiveDecision(ctx context.Context, caseID, stage string) (domain.StageDecision, bool, error) {
	c, err := e.loadCase(ctx, nil, caseID)
	if err != nil {
		return domain.StageDecision{}, false, err
	}
	if !c.HasStage(stage) {
		return domain.StageDecision{}, false, domain.Reject(domain.ErrUnknownStage, c.ID, stage, "", "")
	}
	return e.ledger().ActiveDecision(ctx, caseID, stage)
}

func (e Engine) AllStagesSatisfied(ctx context.Context, caseID string) (bool, error) {
	c, err := e.loadCase(ctx, nil, caseID)
	if err != nil {
		return false, err
	}
	return e.ledger().AllStagesSatisfied(ctx, c)
}

// History is the full decision log of a case, superseded entries included.
func (e Engine) History(ctx context.Context, caseID string) ([]domain.AuditEntry, error) {
	entries, err := audit.Recorder{Source: e.Repo}.History(ctx, caseID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, domain.Reject(domain.ErrCaseNotFound, caseID, "", "", "")
	}
	return entries, err
}

func (e Engine) loadCase(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	c, err := e.Repo.GetCaseTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Case{}, domain.Reject(domain.ErrCaseNotFound, id, "", "", "")
	}
	return c, err
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/repo"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

type casePath struct {
	CaseID string `path:"case_id"`
}

type stagePath struct {
	CaseID string `path:"case_id"`
	Stage  string `path:"stage"`
}

func (h handlers) registerCases(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Open a case",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CaseCreateOptions{
			Kind:        domain.CaseKind(input.Body.Kind),
			Title:       input.Body.Title,
			Reference:   input.Body.Reference,
			Attachments: input.Body.Attachments,
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = strings.TrimSpace(*input.Body.ID)
		}
		v, err := e.CreateCase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind   string `query:"kind"`
		Status string `query:"status"`
		Open   bool   `query:"open"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedCases `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		f := repo.CaseFilters{
			Kind:            domain.CaseKind(input.Kind),
			OpenOnly:        input.Open,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		}
		// Status is derived, so filtering by it happens after the query.
		if input.Status == "" {
			f.Limit = limit + 1
		}
		views, err := e.ListCases(ctx, f, domain.CaseStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCases{Items: []CaseResponse{}}
		if len(views) > limit {
			last := views[limit-1]
			resp.NextCursor = composeCursor(domain.FormatTime(last.CreatedAt), last.ID)
			views = views[:limit]
		}
		for _, v := range views {
			resp.Items = append(resp.Items, caseResponse(v))
		}
		return &struct {
			Body paginatedCases `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get a case with its derived status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		v, err := e.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-status",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/status",
		Summary:     "Current status of a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		status, err := e.CurrentStatus(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		satisfied, err := e.AllStagesSatisfied(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{CaseID: input.CaseID, Status: status, Satisfied: satisfied}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-history",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/history",
		Summary:     "Full decision history, superseded entries included",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body historyResponse `json:"body"`
	}, error) {
		entries, err := e.History(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body historyResponse `json:"body"`
		}{Body: historyResponse{Items: nonNilSlice(entries)}}, nil
	})
}

func (h handlers) registerDecisions(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID:   "record-decision",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/decisions",
		Summary:       "Record a stage decision",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		CaseID string                `path:"case_id"`
		Body   RecordDecisionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tr, err := e.RecordDecision(ctx, engine.DecisionOptions{
			CaseID:   input.CaseID,
			Stage:    input.Body.Stage,
			Decision: domain.Decision(input.Body.Decision),
			ActorID:  actorID,
			Comment:  input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(tr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-decision",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/stages/{stage}/decision",
		Summary:     "Decision currently in force for a stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *stagePath) (*struct {
		Body ActiveDecisionResponse `json:"body"`
	}, error) {
		d, ok, err := e.ActiveDecision(ctx, input.CaseID, input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ActiveDecisionResponse{CaseID: input.CaseID, Stage: input.Stage, Pending: !ok || d.Decision.Reset()}
		if ok {
			resp.Decision = &d
		}
		return &struct {
			Body ActiveDecisionResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerLifecycle(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID: "resubmit-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/resubmit",
		Summary:     "Send a case with requested changes back to review",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		CaseID string          `path:"case_id"`
		Body   ResubmitRequest `json:"body" required:"false"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tr, err := e.Resubmit(ctx, input.CaseID, actorID, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(tr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/close",
		Summary:     "Close an approved case",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *casePath) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tr, err := e.Close(ctx, input.CaseID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(tr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/reopen",
		Summary:     "Reopen a closed or rejected case",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		CaseID string        `path:"case_id"`
		Body   ReopenRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tr, err := e.Reopen(ctx, input.CaseID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(tr)}, nil
	})
}

func (h handlers) registerWindows(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID: "stage-window",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/stages/{stage}/window",
		Summary:     "SLA window of one stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Stage  string `path:"stage"`
		Now    string `query:"now"`
	}) (*struct {
		Body domain.StageWindow `json:"body"`
	}, error) {
		now, perr := h.evaluationTime(input.Now)
		if perr != nil {
			return nil, perr
		}
		w, err := e.StageWindow(ctx, input.CaseID, input.Stage, now)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageWindow `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "open-windows",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/windows",
		Summary:     "SLA windows of every entered, unapproved stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Now    string `query:"now"`
	}) (*struct {
		Body windowsResponse `json:"body"`
	}, error) {
		now, perr := h.evaluationTime(input.Now)
		if perr != nil {
			return nil, perr
		}
		ws, err := e.OpenWindows(ctx, input.CaseID, now)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body windowsResponse `json:"body"`
		}{Body: windowsResponse{Items: nonNilSlice(ws)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "overdue",
		Method:      http.MethodGet,
		Path:        "/overdue",
		Summary:     "Overdue stages across open cases",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Now string `query:"now"`
	}) (*struct {
		Body overdueResponse `json:"body"`
	}, error) {
		now, perr := h.evaluationTime(input.Now)
		if perr != nil {
			return nil, perr
		}
		items, err := e.OverdueCases(ctx, now)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body overdueResponse `json:"body"`
		}{Body: overdueResponse{Now: now, Items: nonNilSlice(items)}}, nil
	})
}

func (h handlers) registerRisk(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID: "assess-risk",
		Method:      http.MethodPut,
		Path:        "/cases/{case_id}/risk",
		Summary:     "Record or replace the risk assessment of a case",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		CaseID string            `path:"case_id"`
		Body   AssessRiskRequest `json:"body"`
	}) (*struct {
		Body domain.RiskAssessment `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AssessRisk(ctx, engine.RiskOptions{
			CaseID:      input.CaseID,
			Probability: input.Body.Probability,
			Severity:    input.Body.Severity,
			Rationale:   input.Body.Rationale,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RiskAssessment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-risk",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/risk",
		Summary:     "Risk assessment classified with its recorded matrix version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body domain.RiskAssessment `json:"body"`
	}, error) {
		a, err := e.GetRisk(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RiskAssessment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "classify-risk",
		Method:      http.MethodPost,
		Path:        "/risk/classify",
		Summary:     "Classify probability and severity with the active matrix",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ClassifyRiskRequest `json:"body"`
	}) (*struct {
		Body domain.RiskAssessment `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		a, err := e.Classify(input.Body.Probability, input.Body.Severity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RiskAssessment `json:"body"`
		}{Body: a}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CaseID string `query:"case_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "invalid_input", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			CaseID: input.CaseID,
			Type:   input.Type,
			Limit:  limit + 1,
			Cursor: cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerMe(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		who, err := e.WhoAmI(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		roles := who.Roles
		if len(principal.Roles) > 0 {
			roles = principal.Roles
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:   principal.ActorID,
			Source:    principal.Source,
			Roles:     nonNilSlice(roles),
			CanReopen: who.CanReopen,
		}}, nil
	})
}

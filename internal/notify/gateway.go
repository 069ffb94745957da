// Package notify sends the consolidated notification when a case first
// reaches Approved, and retries dispatches that the gateway refused.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"stagegate/internal/domain"
)

// Gateway accepts a dispatch request for delivery. Enqueue must honour ctx.
type Gateway interface {
	Enqueue(ctx context.Context, req domain.DispatchRequest) error
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, req domain.DispatchRequest) error

func (f GatewayFunc) Enqueue(ctx context.Context, req domain.DispatchRequest) error {
	return f(ctx, req)
}

// LogGateway only logs requests. It is the development default.
type LogGateway struct {
	Logger *slog.Logger
}

func (g LogGateway) Enqueue(ctx context.Context, req domain.DispatchRequest) error {
	if g.Logger != nil {
		g.Logger.InfoContext(ctx, "notification.enqueued",
			"case_id", req.CaseID,
			"recipients", req.Recipients,
			"subject", req.Subject,
			"attachments", len(req.Attachments),
		)
	}
	return nil
}

// Recorder keeps every accepted request in memory. Fail, when set, is
// consulted before accepting.
type Recorder struct {
	mu       sync.Mutex
	requests []domain.DispatchRequest
	Fail     func(req domain.DispatchRequest) error
}

func (r *Recorder) Enqueue(ctx context.Context, req domain.DispatchRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		if err := r.Fail(req); err != nil {
			return err
		}
	}
	r.requests = append(r.requests, req)
	return nil
}

func (r *Recorder) Requests() []domain.DispatchRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.DispatchRequest, len(r.requests))
	copy(out, r.requests)
	return out
}

// Count returns how many requests were accepted for caseID.
func (r *Recorder) Count(caseID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, req := range r.requests {
		if req.CaseID == caseID {
			n++
		}
	}
	return n
}

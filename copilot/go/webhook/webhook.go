// Package webhook is the HTTP ingress for GitLab events. Requests are
// authenticated by constant-time comparison of the X-Gitlab-Token header
// against the shared secret; accepted events are handled in the background
// and the HTTP response returns immediately.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"go.copilot.dev/infra/copilot/go/orchestrator"
	"go.copilot.dev/infra/go/httputils"
	"go.copilot.dev/infra/go/metrics2"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/sklog"
)

const tokenHeader = "X-Gitlab-Token"

// glEvent is the union of the GitLab webhook payload fields used here.
type glEvent struct {
	ObjectKind string `json:"object_kind"`
	Project    struct {
		ID         int64  `json:"id"`
		GitHTTPURL string `json:"git_http_url"`
	} `json:"project"`
	User struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	ObjectAttributes struct {
		// Merge request events.
		IID          int64  `json:"iid"`
		Action       string `json:"action"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		Title        string `json:"title"`
		Description  string `json:"description"`
		LastCommit   struct {
			ID string `json:"id"`
		} `json:"last_commit"`
		// Note events.
		ID           int64  `json:"id"`
		Note         string `json:"note"`
		NoteableType string `json:"noteable_type"`
	} `json:"object_attributes"`
	MergeRequest struct {
		IID          int64  `json:"iid"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		LastCommit   struct {
			ID string `json:"id"`
		} `json:"last_commit"`
	} `json:"merge_request"`
}

// Server handles webhook deliveries.
type Server struct {
	secret string
	orch   *orchestrator.Orchestrator
	// baseCtx parents the background handlers so they survive the HTTP
	// request but stop at process shutdown.
	baseCtx context.Context

	queued     metrics2.Counter
	ignored    metrics2.Counter
	authFailed metrics2.Counter
	bgFailures metrics2.Counter
}

// New returns a webhook Server.
func New(ctx context.Context, secret string, orch *orchestrator.Orchestrator) *Server {
	return &Server{
		secret:     secret,
		orch:       orch,
		baseCtx:    ctx,
		queued:     metrics2.GetCounter("copilot_webhook_queued"),
		ignored:    metrics2.GetCounter("copilot_webhook_ignored"),
		authFailed: metrics2.GetCounter("copilot_webhook_auth_failures"),
		bgFailures: metrics2.GetCounter("copilot_webhook_background_failures"),
	}
}

// Router returns the HTTP routes: POST /webhook and GET /health.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/webhook", s.handleWebhook)
	r.Get("/health", httputils.HealthCheckHandler)
	return r
}

func respond(w http.ResponseWriter, status string, reason string) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]string{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		sklog.Errorf("Failed to encode webhook response: %s", err)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(tokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
		s.authFailed.Inc(1)
		httputils.ReportError(w, skerr.Fmt("token header does not match the shared secret"), "invalid token", http.StatusUnauthorized)
		return
	}
	var ev glEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		httputils.ReportError(w, err, "invalid body", http.StatusBadRequest)
		return
	}

	switch ev.ObjectKind {
	case "merge_request":
		if ev.ObjectAttributes.Action != "open" && ev.ObjectAttributes.Action != "update" {
			s.ignored.Inc(1)
			respond(w, "ignored", "unhandled merge request action")
			return
		}
		mrEv := &orchestrator.MREvent{
			ProjectID:    ev.Project.ID,
			MRIID:        ev.ObjectAttributes.IID,
			SourceBranch: ev.ObjectAttributes.SourceBranch,
			TargetBranch: ev.ObjectAttributes.TargetBranch,
			HeadCommit:   ev.ObjectAttributes.LastCommit.ID,
			Title:        ev.ObjectAttributes.Title,
			Description:  ev.ObjectAttributes.Description,
			CloneURL:     ev.Project.GitHTTPURL,
		}
		s.enqueue(func(ctx context.Context) error {
			return s.orch.HandleMRReview(ctx, mrEv)
		})
		respond(w, "queued", "")
	case "note":
		if ev.ObjectAttributes.NoteableType != "MergeRequest" ||
			!strings.HasPrefix(strings.ToLower(strings.TrimSpace(ev.ObjectAttributes.Note)), orchestrator.CommandPrefix) ||
			s.orch.IsSelf(ev.User.Username) {
			s.ignored.Inc(1)
			respond(w, "ignored", "not a command note")
			return
		}
		noteEv := &orchestrator.NoteEvent{
			ProjectID:      ev.Project.ID,
			MRIID:          ev.MergeRequest.IID,
			NoteID:         ev.ObjectAttributes.ID,
			AuthorUsername: ev.User.Username,
			Body:           ev.ObjectAttributes.Note,
			SourceBranch:   ev.MergeRequest.SourceBranch,
			CloneURL:       ev.Project.GitHTTPURL,
		}
		s.enqueue(func(ctx context.Context) error {
			return s.orch.HandleMRComment(ctx, noteEv)
		})
		respond(w, "queued", "")
	default:
		s.ignored.Inc(1)
		respond(w, "ignored", "unhandled event kind")
	}
}

// enqueue runs the handler in the background. Failures increment a counter
// and are logged; they never affect the HTTP response.
func (s *Server) enqueue(fn func(ctx context.Context) error) {
	s.queued.Inc(1)
	go func() {
		if err := fn(s.baseCtx); err != nil {
			s.bgFailures.Inc(1)
			sklog.Errorf("Background webhook handler failed: %s", err)
		}
	}()
}

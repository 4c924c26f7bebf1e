package stripe

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

type webhookAck struct {
	Received bool `json:"received"`
}

// handleWebhook verifies, decodes and reconciles one Stripe event.
// 2xx acknowledges the event; 5xx asks Stripe to redeliver it.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if p.webhookSecret == "" {
		p.logger.Error("stripe webhook received but no signing secret is configured")
		internal.WriteError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			internal.WriteError(w, http.StatusBadRequest, "invalid payload")
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		p.logger.Warn("stripe webhook signature verification failed",
			goentitle.F("remote_ip", internal.GetClientIP(r)),
			goentitle.ErrField(fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)))
		internal.WriteError(w, http.StatusUnauthorized, "invalid signature")
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	ev, err := p.decodeEvent(&event)
	if err != nil {
		p.logger.Warn("stripe webhook payload rejected",
			goentitle.F("event_id", event.ID),
			goentitle.F("event_type", eventType),
			goentitle.ErrField(err))
		internal.WriteError(w, http.StatusBadRequest, "invalid payload")
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	if ev == nil {
		p.logger.Debug("stripe webhook event ignored",
			goentitle.F("event_id", event.ID), goentitle.F("event_type", eventType))
		p.metrics.RecordWebhookEvent(providerName, eventType, "ignored")
		_ = internal.WriteJSON(w, http.StatusOK, webhookAck{Received: true})
		return
	}

	if _, err := p.reconciler.Apply(r.Context(), ev); err != nil {
		internal.WriteError(w, http.StatusInternalServerError, "webhook processing failed")
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, webhookAck{Received: true})
	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

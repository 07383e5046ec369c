package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/model"
	"wrapped-oracle/internal/swing"
)

// HeaderEventKind names the oracle event behind a webhook delivery.
const HeaderEventKind = "X-Oracle-Event"

// WebhookNotifier POSTs alerts as JSON. Alerts raised from an oracle event
// carry its fields flattened to display form next to the raw event.
type WebhookNotifier struct {
	url      string
	instance string
	client   *http.Client
}

// NewWebhookNotifier creates a webhook notifier. instance labels the oracle
// in every payload, typically the wrapped token address.
func NewWebhookNotifier(url, instance string) *WebhookNotifier {
	return &WebhookNotifier{
		url:      url,
		instance: instance,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type webhookPayload struct {
	Instance string     `json:"instance,omitempty"`
	Level    AlertLevel `json:"level"`
	Title    string     `json:"title"`
	Message  string     `json:"message"`
	TS       time.Time  `json:"ts"`

	Kind       model.EventKind `json:"kind,omitempty"`
	Caller     string          `json:"caller,omitempty"`
	Index      string          `json:"index,omitempty"`
	Previous   string          `json:"previous_index,omitempty"`
	Deviation  string          `json:"deviation_from_previous,omitempty"`
	OldAddress string          `json:"old_address,omitempty"`
	NewAddress string          `json:"new_address,omitempty"`
	Event      *model.Event    `json:"event,omitempty"`
}

func (w *WebhookNotifier) payload(alert Alert) webhookPayload {
	p := webhookPayload{
		Instance: w.instance,
		Level:    alert.Level,
		Title:    alert.Title,
		Message:  alert.Message,
		TS:       alert.TS,
		Event:    alert.Event,
	}
	ev := alert.Event
	if ev == nil {
		return p
	}
	p.Kind = ev.Kind
	p.Caller = ev.Caller.Hex()
	switch ev.Kind {
	case model.EventUpdatePosted:
		p.Index = fixed.Format(ev.Index)
	case model.EventIndexAlert:
		p.Index = fixed.Format(ev.Index)
		p.Previous = fixed.Format(ev.Previous)
		if dev, err := swing.Deviation(ev.Index, ev.Previous); err == nil {
			p.Deviation = fixed.Format(dev)
		}
	case model.EventUnderlyingAddressChanged, model.EventManagerAddressChanged,
		model.EventWrappedAddressChanged, model.EventOwnershipTransferred:
		p.OldAddress = ev.OldAddress.Hex()
		p.NewAddress = ev.NewAddress.Hex()
	}
	return p
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.TS.IsZero() {
		alert.TS = time.Now()
	}
	alert.TS = alert.TS.UTC()

	body, err := json.Marshal(w.payload(alert))
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if alert.Event != nil {
		req.Header.Set(HeaderEventKind, string(alert.Event.Kind))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: %s returned status %d", alert.Title, resp.StatusCode)
	}

	log.Printf("[webhook] delivered %q to %s", alert.Title, w.url)
	return nil
}

// Package notification delivers operator alerts for oracle events
// (rejected updates, reconfiguration) to external channels.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel   `json:"level"`
	Title   string       `json:"title"`
	Message string       `json:"message"`
	TS      time.Time    `json:"ts"`
	Event   *model.Event `json:"event,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts; the default when no channel is configured.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AlertFor maps an event to an alert. Accepted updates produce none.
func AlertFor(ev model.Event) (Alert, bool) {
	a := Alert{TS: ev.TS, Event: &ev}
	switch ev.Kind {
	case model.EventUpdatePosted:
		return Alert{}, false
	case model.EventIndexAlert:
		a.Level = AlertWarning
		a.Title = "Index update rejected"
		a.Message = fmt.Sprintf("candidate %s deviates beyond the swing band; previous index %s kept (caller %s)",
			fixed.Format(ev.Index), fixed.Format(ev.Previous), ev.Caller.Hex())
	case model.EventOwnershipTransferred:
		a.Level = AlertWarning
		a.Title = "Oracle ownership transferred"
		a.Message = fmt.Sprintf("owner %s -> %s", ev.OldAddress.Hex(), ev.NewAddress.Hex())
	case model.EventWindowSizeChanged:
		a.Level = AlertInfo
		a.Title = "Window size changed"
		a.Message = fmt.Sprintf("window %d -> %d (by %s)", ev.OldValue, ev.NewValue, ev.Caller.Hex())
	case model.EventPermissionChanged:
		a.Level = AlertInfo
		a.Title = "Updater permission changed"
		verb := "revoked"
		if ev.Allowed {
			verb = "granted"
		}
		a.Message = fmt.Sprintf("%s %s (by %s)", verb, ev.Account.Hex(), ev.Caller.Hex())
	case model.EventUnderlyingAddressChanged, model.EventManagerAddressChanged, model.EventWrappedAddressChanged:
		a.Level = AlertInfo
		a.Title = string(ev.Kind)
		a.Message = fmt.Sprintf("%s -> %s (by %s)", ev.OldAddress.Hex(), ev.NewAddress.Hex(), ev.Caller.Hex())
	default:
		return Alert{}, false
	}
	return a, true
}

// Dispatcher turns bus events into alerts.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration

	// OnError is called when delivery fails (for metrics).
	OnError func(err error)
}

// NewDispatcher returns a dispatcher sending through n with a per-alert timeout.
func NewDispatcher(n Notifier, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{notifier: n, timeout: timeout}
}

// Run consumes events until ctx is cancelled or eventCh is closed.
func (d *Dispatcher) Run(ctx context.Context, eventCh <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev model.Event) {
	alert, ok := AlertFor(ev)
	if !ok {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.notifier.Send(sendCtx, alert); err != nil {
		log.Printf("[notify] deliver %s: %v", ev.Kind, err)
		if d.OnError != nil {
			d.OnError(err)
		}
	}
}

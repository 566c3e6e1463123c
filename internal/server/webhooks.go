package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"reportline/internal/config"
	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/logging"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100

	eventSource      = "reportline"
	eventTypePrefix  = "dev.reportline."
	cloudEventsMedia = "application/cloudevents+json"
)

// WebhookDispatcher forwards stored events to the configured webhooks as
// CloudEvents. Each hook starts at the newest event present when it is first
// polled, and a failed delivery is retried from the same event on the next tick.
type WebhookDispatcher struct {
	engine   engine.Engine
	project  string
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   logging.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

// NewWebhookDispatcher returns nil when there is nothing to deliver.
func NewWebhookDispatcher(e engine.Engine, logger logging.Logger) *WebhookDispatcher {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	return &WebhookDispatcher{
		engine:   e,
		project:  strings.TrimSpace(e.Config.GitLab.ProjectID),
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logging.OrDiscard(logger),
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// Run polls until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, d.project)
	if err != nil {
		d.logger.Error("webhook: fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("webhook: delivery failed", "url", hook.URL, "event_id", evt.ID, "err", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, d.project)
	if err != nil {
		d.logger.Error("webhook: init cursor failed", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// toCloudEvent wraps a stored event. The payload is carried as JSON data when
// it parses, and as a {"raw": ...} object otherwise.
func toCloudEvent(evt domain.Event) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(strconv.FormatInt(evt.ID, 10))
	ce.SetType(eventTypePrefix + evt.Type)
	ce.SetSource(eventSource)
	if evt.EntityID != "" {
		ce.SetSubject(evt.EntityKind + "/" + evt.EntityID)
	}
	if ts, err := time.Parse(time.RFC3339, evt.TS); err == nil {
		ce.SetTime(ts)
	}
	ce.SetExtension("actorid", evt.ActorID)
	if evt.ProjectID != "" {
		ce.SetExtension("projectid", evt.ProjectID)
	}
	var data any = map[string]any{}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			data = json.RawMessage(evt.Payload)
		} else {
			data = map[string]string{"raw": evt.Payload}
		}
	}
	if err := ce.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return ce, err
	}
	return ce, ce.Validate()
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	ce, err := toCloudEvent(evt)
	if err != nil {
		return fmt.Errorf("build cloudevent: %w", err)
	}
	data, err := json.Marshal(ce)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", cloudEventsMedia)
	req.Header.Set("X-Reportline-Event", evt.Type)
	req.Header.Set("X-Reportline-Delivery", ce.ID())
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Reportline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

// match accepts exact types and "draft.*" style prefixes.
func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	if i := strings.IndexByte(evt, '.'); i > 0 {
		_, ok := f.set[evt[:i]+".*"]
		return ok
	}
	return false
}

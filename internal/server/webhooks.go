package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"engram/internal/archive"
	"engram/internal/config"
	"engram/internal/domain"
	"engram/internal/engine"
	"engram/internal/logging"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100

	resultCompletedEvent = "result.completed"
)

type webhookDispatcher struct {
	archive  archive.Writer
	results  archive.Reader
	webhooks []config.WebhookConfig
	client   *http.Client
	interval time.Duration
	log      *zap.Logger
}

// StartWebhooks delivers archived results to the configured webhooks until
// ctx is done. Each hook keeps its own cursor in the archive, so a restart
// resumes where delivery stopped; a hook seen for the first time starts at
// the newest result.
func StartWebhooks(ctx context.Context, e *engine.Engine, logger *zap.Logger) {
	if e == nil || e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	if !e.ArchiveEnabled() {
		logging.OrNop(logger).Warn("webhooks configured but archive disabled; no results will be delivered")
		return
	}
	d := newWebhookDispatcher(e, logger)
	go d.run(ctx)
}

func newWebhookDispatcher(e *engine.Engine, logger *zap.Logger) *webhookDispatcher {
	return &webhookDispatcher{
		archive:  e.Archive,
		results:  e.Results,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: defaultWebhookInterval,
		log:      logging.OrNop(logger).Named("webhooks"),
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, hook config.WebhookConfig) {
	cursor, err := d.cursorFor(ctx, hook)
	if err != nil {
		d.log.Error("init cursor failed", zap.String("url", hook.URL), zap.Error(err))
		return
	}
	records, err := d.results.After(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.log.Error("fetch results failed", zap.Error(err))
		return
	}
	filter := newResultFilter(hook)
	for _, rec := range records {
		if filter.match(rec.Result) {
			if err := d.postResult(ctx, hook, rec); err != nil {
				d.log.Warn("delivery failed", zap.String("url", hook.URL), zap.Int64("seq", rec.Seq), zap.Error(err))
				return
			}
		}
		if err := d.archive.SetCursor(ctx, hook.URL, rec.Seq); err != nil {
			d.log.Error("save cursor failed", zap.String("url", hook.URL), zap.Error(err))
			return
		}
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, hook config.WebhookConfig) (int64, error) {
	cur, err := d.results.Cursor(ctx, hook.URL)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, archive.ErrNotFound) {
		return 0, err
	}
	cur, err = d.results.LastSeq(ctx)
	if err != nil {
		return 0, err
	}
	return cur, d.archive.SetCursor(ctx, hook.URL, cur)
}

type webhookEvent struct {
	Seq        int64         `json:"seq"`
	Type       string        `json:"type"`
	ArchivedAt string        `json:"archived_at"`
	Result     domain.Result `json:"result"`
}

func (d *webhookDispatcher) postResult(ctx context.Context, hook config.WebhookConfig, rec archive.Record) error {
	data, err := json.Marshal(webhookEvent{
		Seq:        rec.Seq,
		Type:       resultCompletedEvent,
		ArchivedAt: rec.ArchivedAt,
		Result:     rec.Result,
	})
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
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Engram-Event", resultCompletedEvent)
	req.Header.Set("X-Engram-Delivery", strconv.FormatInt(rec.Seq, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Engram-Secret", hook.Secret)
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

type resultFilter struct {
	roles        map[domain.Role]struct{}
	onlyFailures bool
}

func newResultFilter(hook config.WebhookConfig) resultFilter {
	f := resultFilter{onlyFailures: hook.OnlyFailures}
	for _, name := range hook.Roles {
		role, err := domain.ParseRole(name)
		if err != nil {
			continue
		}
		if f.roles == nil {
			f.roles = make(map[domain.Role]struct{}, len(hook.Roles))
		}
		f.roles[role] = struct{}{}
	}
	return f
}

func (f resultFilter) match(r domain.Result) bool {
	if f.onlyFailures && r.Success {
		return false
	}
	if f.roles == nil {
		return true
	}
	_, ok := f.roles[r.Role]
	return ok
}

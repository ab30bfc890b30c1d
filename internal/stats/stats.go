// Package stats accounts for requests: prometheus counters for scraping,
// hourly and daily buckets for the admin dashboard, and a bounded ring
// of recent request log entries.
package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grokgate/grokgate/internal/config"
	"github.com/grokgate/grokgate/internal/logger"
	"github.com/grokgate/grokgate/internal/persist"
	"github.com/grokgate/grokgate/internal/storage"
)

const (
	statsBlob = "stats"
	logsBlob  = "logs"

	hourlyLayout = "2006-01-02 15"
	dailyLayout  = "2006-01-02"
)

// Entry is one request log record.
type Entry struct {
	ID             string    `json:"id"`
	Time           time.Time `json:"time"`
	Model          string    `json:"model"`
	TokenID        string    `json:"token_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Status         int       `json:"status"`
	DurationMS     int64     `json:"duration_ms"`
	Stream         bool      `json:"stream"`
	Error          string    `json:"error,omitempty"`
}

// Bucket aggregates one time window.
type Bucket struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type statsBlobBody struct {
	Hourly map[string]*Bucket `json:"hourly"`
	Daily  map[string]*Bucket `json:"daily"`
	Models map[string]*Bucket `json:"models"`
}

type logsBlobBody struct {
	Entries []Entry `json:"entries"`
}

// Snapshot is the aggregate view for the admin API.
type Snapshot struct {
	Hourly map[string]Bucket `json:"hourly"`
	Daily  map[string]Bucket `json:"daily"`
	Models map[string]Bucket `json:"models"`
	Totals Bucket            `json:"totals"`
}

// Recorder owns counters, buckets and the log ring.
type Recorder struct {
	cfg config.Stats
	log *logger.Logger

	statsSaver *persist.Saver
	logsSaver  *persist.Saver
	store      storage.Store

	requestsTotal *prometheus.CounterVec

	mu      sync.Mutex
	hourly  map[string]*Bucket
	daily   map[string]*Bucket
	models  map[string]*Bucket
	entries []Entry // newest first

	now func() time.Time
}

// NewRecorder registers metrics on reg (nil means the default registry).
func NewRecorder(cfg config.Stats, store storage.Store, log *logger.Logger, reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		cfg:    cfg,
		log:    log.WithComponent("stats"),
		store:  store,
		hourly: make(map[string]*Bucket),
		daily:  make(map[string]*Bucket),
		models: make(map[string]*Bucket),
		now:    time.Now,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grokgate_requests_total",
			Help: "Chat requests by model and outcome.",
		}, []string{"model", "outcome"}),
	}
	reg.MustRegister(r.requestsTotal)
	r.statsSaver = persist.NewSaver(statsBlob, cfg.SaveDelay, r.flushStats, log)
	r.logsSaver = persist.NewSaver(logsBlob, cfg.SaveDelay, r.flushLogs, log)
	return r
}

// Load restores buckets and the log ring.
func (r *Recorder) Load(ctx context.Context) error {
	var stats statsBlobBody
	if found, err := r.store.LoadJSON(ctx, statsBlob, &stats); err != nil {
		return err
	} else if found {
		r.mu.Lock()
		if stats.Hourly != nil {
			r.hourly = stats.Hourly
		}
		if stats.Daily != nil {
			r.daily = stats.Daily
		}
		if stats.Models != nil {
			r.models = stats.Models
		}
		r.mu.Unlock()
	}

	var logs logsBlobBody
	if found, err := r.store.LoadJSON(ctx, logsBlob, &logs); err != nil {
		return err
	} else if found {
		r.mu.Lock()
		r.entries = logs.Entries
		r.mu.Unlock()
	}
	return nil
}

// Close drains both savers.
func (r *Recorder) Close(ctx context.Context) error {
	if err := r.statsSaver.Close(ctx); err != nil {
		return err
	}
	return r.logsSaver.Close(ctx)
}

// Record accounts one finished request.
func (r *Recorder) Record(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = r.now()
	}
	success := e.Status >= 200 && e.Status < 400

	outcome := "success"
	if !success {
		outcome = "failed"
	}
	r.requestsTotal.WithLabelValues(e.Model, outcome).Inc()

	r.mu.Lock()
	bump(r.hourly, e.Time.UTC().Format(hourlyLayout), success)
	bump(r.daily, e.Time.UTC().Format(dailyLayout), success)
	bump(r.models, e.Model, success)
	r.pruneLocked()

	r.entries = append([]Entry{e}, r.entries...)
	if r.cfg.LogsMax > 0 && len(r.entries) > r.cfg.LogsMax {
		r.entries = r.entries[:r.cfg.LogsMax]
	}
	r.mu.Unlock()

	r.statsSaver.Mark()
	r.logsSaver.Mark()
}

// Logs returns up to limit entries, newest first. limit <= 0 means all.
func (r *Recorder) Logs(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, r.entries[:n])
	return out
}

// Stats returns the aggregate view.
func (r *Recorder) Stats() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		Hourly: make(map[string]Bucket, len(r.hourly)),
		Daily:  make(map[string]Bucket, len(r.daily)),
		Models: make(map[string]Bucket, len(r.models)),
	}
	for k, b := range r.hourly {
		snap.Hourly[k] = *b
	}
	for k, b := range r.daily {
		snap.Daily[k] = *b
		snap.Totals.Total += b.Total
		snap.Totals.Success += b.Success
		snap.Totals.Failed += b.Failed
	}
	for k, b := range r.models {
		snap.Models[k] = *b
	}
	return snap
}

func bump(m map[string]*Bucket, key string, success bool) {
	b, ok := m[key]
	if !ok {
		b = &Bucket{}
		m[key] = b
	}
	b.Total++
	if success {
		b.Success++
	} else {
		b.Failed++
	}
}

// pruneLocked keeps only the newest N hourly and daily buckets.
func (r *Recorder) pruneLocked() {
	pruneOldest(r.hourly, r.cfg.HourlyKeep)
	pruneOldest(r.daily, r.cfg.DailyKeep)
}

func pruneOldest(m map[string]*Bucket, keep int) {
	if keep <= 0 || len(m) <= keep {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys[:len(keys)-keep] {
		delete(m, k)
	}
}

func (r *Recorder) flushStats(ctx context.Context) error {
	r.mu.Lock()
	body := statsBlobBody{
		Hourly: copyBuckets(r.hourly),
		Daily:  copyBuckets(r.daily),
		Models: copyBuckets(r.models),
	}
	r.mu.Unlock()
	return r.store.SaveJSON(ctx, statsBlob, body)
}

func (r *Recorder) flushLogs(ctx context.Context) error {
	r.mu.Lock()
	body := logsBlobBody{Entries: append([]Entry(nil), r.entries...)}
	r.mu.Unlock()
	return r.store.SaveJSON(ctx, logsBlob, body)
}

func copyBuckets(m map[string]*Bucket) map[string]*Bucket {
	out := make(map[string]*Bucket, len(m))
	for k, b := range m {
		c := *b
		out[k] = &c
	}
	return out
}

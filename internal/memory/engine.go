// Package memory indexes reusable context records and answers ranked,
// safety-filtered retrieval queries over them.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/datafabric/internal/fabricerr"
	fotel "github.com/basket/datafabric/internal/otel"
	"github.com/basket/datafabric/internal/persistence"
	"github.com/basket/datafabric/internal/safety"
	"github.com/basket/datafabric/internal/shared"
	"github.com/basket/datafabric/internal/telemetry"
)

// Record kinds.
const (
	KindCheckpoint = "checkpoint"
	KindArtifact   = "artifact"
	KindDecision   = "decision"
	KindContext    = "context"
	KindRunSummary = "run_summary"
)

var validKinds = map[string]bool{
	KindCheckpoint: true, KindArtifact: true, KindDecision: true, KindContext: true, KindRunSummary: true,
}

// Store is the persistence the engine needs.
type Store interface {
	InsertMemory(ctx context.Context, m persistence.MemoryRecord) (*persistence.MemoryRecord, error)
	GetMemory(ctx context.Context, tenantID, id string) (*persistence.MemoryRecord, error)
	ListMemoryCandidates(ctx context.Context, tenantID string, repos []string, afterID string, limit int) ([]persistence.MemoryRecord, error)
	TouchMemories(ctx context.Context, tenantID string, ids []string, now time.Time) error
	RetireMemory(ctx context.Context, tenantID, id string, now time.Time) (*persistence.MemoryRecord, error)
	ListMemoryGCCandidates(ctx context.Context, tenantID string, expiredBefore time.Time, limit int) ([]persistence.MemoryRecord, error)
	DeleteMemory(ctx context.Context, tenantID, id string, now time.Time) (bool, error)
	CountContentRefs(ctx context.Context, contentRef string) (int, error)
	InsertRetrievalQuery(ctx context.Context, q persistence.RetrievalQuery) error
	GetRetrievalQuery(ctx context.Context, tenantID, id string) (*persistence.RetrievalQuery, error)
	CountRetrievalQueries(ctx context.Context, tenantID string) (int, error)
	InsertRetrievalFeedback(ctx context.Context, f persistence.RetrievalFeedback) error
	FeedbackStats(ctx context.Context, tenantID string) (persistence.FeedbackStats, error)
}

// BlobStore holds record bodies addressed by key.
type BlobStore interface {
	Put(ctx context.Context, tenantID string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Config tunes retrieval and GC.
type Config struct {
	DefaultTopK int
	MaxTopK     int
	// CandidateScan is the page size used to read candidates; every active
	// record in scope is scored regardless.
	CandidateScan      int
	DefaultTokenBudget int
	PackTopK           int
	GCGrace            time.Duration
	GCLimit            int
}

func DefaultConfig() Config {
	return Config{
		DefaultTopK:        8,
		MaxTopK:            50,
		CandidateScan:      500,
		DefaultTokenBudget: 4096,
		PackTopK:           50,
		GCGrace:            24 * time.Hour,
		GCLimit:            1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = d.DefaultTopK
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = d.MaxTopK
	}
	if c.CandidateScan <= 0 {
		c.CandidateScan = d.CandidateScan
	}
	if c.DefaultTokenBudget <= 0 {
		c.DefaultTokenBudget = d.DefaultTokenBudget
	}
	if c.PackTopK <= 0 {
		c.PackTopK = d.PackTopK
	}
	if c.GCGrace < 0 {
		c.GCGrace = d.GCGrace
	}
	if c.GCLimit <= 0 {
		c.GCLimit = d.GCLimit
	}
	return c
}

// Options wires optional collaborators. Without Blobs, Index rejects
// requests that carry content.
type Options struct {
	Config  Config
	Blobs   BlobStore
	Clock   shared.Clock
	Logger  *slog.Logger
	Metrics *fotel.Metrics
	Tracer  trace.Tracer
}

// Engine is safe for concurrent use.
type Engine struct {
	store   Store
	blobs   BlobStore
	cfg     Config
	clock   shared.Clock
	logger  *slog.Logger
	metrics *fotel.Metrics
	tracer  trace.Tracer

	// refLocks serialize a blob's reference check against new references to it.
	refLocks [32]sync.Mutex
}

func (e *Engine) lockRef(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &e.refLocks[h.Sum32()%uint32(len(e.refLocks))]
	mu.Lock()
	return mu.Unlock
}

func New(store Store, opts Options) *Engine {
	e := &Engine{
		store:   store,
		blobs:   opts.Blobs,
		cfg:     opts.Config.withDefaults(),
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  fotel.TracerOrNoop(opts.Tracer),
	}
	if e.clock == nil {
		e.clock = shared.SystemClock()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "memory")
	return e
}

// IndexRequest describes a record to index. Title and Summary are scrubbed
// of inline secrets before they are stored. A record whose text carries a
// secret or a prompt injection is indexed as unsafe unless UnsafeReason is
// already set.
type IndexRequest struct {
	Repo         string
	Kind         string
	RunID        string
	Title        string
	Summary      string
	Tags         []string
	Content      []byte
	SuccessRate  *float64
	TTL          time.Duration
	UnsafeReason string
	ConflictKey  string
}

// Index stores a new active record. When ConflictKey is shared with earlier
// records the new one gets the next conflict version.
func (e *Engine) Index(ctx context.Context, tenantID string, req IndexRequest) (rec *persistence.MemoryRecord, err error) {
	ctx, span := fotel.StartSpan(ctx, e.tracer, "memory.index",
		fotel.AttrTenantID.String(tenantID), fotel.AttrRepo.String(req.Repo))
	defer func() { fotel.EndSpan(span, err) }()

	if err := validateIndex(tenantID, req); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	unsafeReason := strings.TrimSpace(req.UnsafeReason)
	if unsafeReason == "" {
		var body string
		if utf8.Valid(req.Content) {
			body = string(req.Content)
		}
		unsafeReason = safety.UnsafeReason(req.Title, req.Summary, body)
	}
	m := persistence.MemoryRecord{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Repo:         strings.TrimSpace(req.Repo),
		Kind:         req.Kind,
		RunID:        req.RunID,
		Title:        shared.Redact(strings.TrimSpace(req.Title)),
		Summary:      shared.Redact(strings.TrimSpace(req.Summary)),
		Tags:         normalizeTags(req.Tags),
		SuccessRate:  req.SuccessRate,
		IndexedAt:    now,
		UnsafeReason: unsafeReason,
		ConflictKey:  strings.TrimSpace(req.ConflictKey),
	}
	if m.RunID == "" {
		m.RunID = shared.RunID(ctx)
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		m.ExpiresAt = &exp
	}
	if len(req.Content) > 0 {
		if e.blobs == nil {
			return nil, fabricerr.Invalid("content given but no blob store is configured")
		}
		if m.ContentRef, err = e.blobs.Put(ctx, tenantID, req.Content); err != nil {
			return nil, fmt.Errorf("store content: %w", err)
		}
		unlock := e.lockRef(m.ContentRef)
		defer unlock()
	}

	rec, err = e.store.InsertMemory(ctx, m)
	if err != nil {
		if m.ContentRef != "" {
			e.dropOrphanLocked(ctx, m.ContentRef)
		}
		return nil, err
	}
	if m.ContentRef != "" {
		// Put again: the blob may have been collected before the insert committed.
		if _, err := e.blobs.Put(ctx, tenantID, req.Content); err != nil {
			return nil, fmt.Errorf("restore content: %w", err)
		}
	}
	span.SetAttributes(fotel.AttrRecordID.String(rec.ID))
	telemetry.FromContext(ctx, e.logger).Info("memory indexed",
		"record_id", rec.ID, "repo", rec.Repo, "kind", rec.Kind, "conflict_key", rec.ConflictKey,
		"conflict_version", rec.ConflictVersion, "unsafe_reason", rec.UnsafeReason)
	return rec, nil
}

func validateIndex(tenantID string, req IndexRequest) error {
	switch {
	case strings.TrimSpace(tenantID) == "":
		return fabricerr.Invalid("tenant is required")
	case strings.TrimSpace(req.Repo) == "":
		return fabricerr.Invalid("repo is required")
	case !validKinds[req.Kind]:
		return fabricerr.Invalid("unknown memory kind %q", req.Kind)
	case strings.TrimSpace(req.Summary) == "":
		return fabricerr.Invalid("summary is required")
	case req.TTL < 0:
		return fabricerr.Invalid("ttl must not be negative")
	case req.SuccessRate != nil && (*req.SuccessRate < 0 || *req.SuccessRate > 1 || math.IsNaN(*req.SuccessRate)):
		return fabricerr.Invalid("success rate must be within [0, 1]")
	}
	return nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Get loads one record regardless of status.
func (e *Engine) Get(ctx context.Context, tenantID, id string) (*persistence.MemoryRecord, error) {
	return e.store.GetMemory(ctx, tenantID, id)
}

// Content returns the stored body of a record.
func (e *Engine) Content(ctx context.Context, tenantID, id string) ([]byte, error) {
	rec, err := e.store.GetMemory(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if rec.ContentRef == "" || e.blobs == nil {
		return nil, fabricerr.NotFound("memory content", id)
	}
	return e.blobs.Get(ctx, rec.ContentRef)
}

// RetrieveRequest is one ranked query. Unsafe, expired and superseded
// records are excluded unless the matching Include flag is set.
type RetrieveRequest struct {
	Repo              string
	Query             string
	TopK              int
	IncludeStale      bool
	IncludeUnsafe     bool
	IncludeConflicted bool
	RelatedRepos      []string
}

// Item is a ranked record.
type Item struct {
	persistence.MemoryRecord
	Score           float64 `json:"score"`
	Stale           bool    `json:"stale"`
	Conflicted      bool    `json:"conflicted"`
	EstimatedTokens int     `json:"estimated_tokens"`
}

// RetrieveResult carries the ranked items and what the filters removed.
type RetrieveResult struct {
	QueryID          string `json:"query_id"`
	LatencyMS        int64  `json:"latency_ms"`
	TotalCandidates  int    `json:"total_candidates"`
	Returned         int    `json:"returned"`
	StaleFiltered    int    `json:"stale_filtered"`
	UnsafeFiltered   int    `json:"unsafe_filtered"`
	ConflictFiltered int    `json:"conflict_filtered"`
	Items            []Item `json:"items"`
}

// Retrieve ranks active records in req.Repo and req.RelatedRepos against
// req.Query. Returned records have their access count bumped and the query
// is logged.
func (e *Engine) Retrieve(ctx context.Context, tenantID string, req RetrieveRequest) (res *RetrieveResult, err error) {
	ctx, span := fotel.StartSpan(ctx, e.tracer, "memory.retrieve",
		fotel.AttrTenantID.String(tenantID), fotel.AttrRepo.String(req.Repo))
	defer func() { fotel.EndSpan(span, err) }()

	started := time.Now()
	if strings.TrimSpace(tenantID) == "" {
		return nil, fabricerr.Invalid("tenant is required")
	}
	if strings.TrimSpace(req.Repo) == "" {
		return nil, fabricerr.Invalid("repo is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, fabricerr.Invalid("query is required")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = e.cfg.DefaultTopK
	}
	topK = min(topK, e.cfg.MaxTopK)

	rows, err := e.candidates(ctx, tenantID, repoSet(req.Repo, req.RelatedRepos))
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	res = &RetrieveResult{QueryID: uuid.NewString(), TotalCandidates: len(rows)}
	kept := make([]Item, 0, len(rows))
	for _, r := range rows {
		stale := r.ExpiresAt != nil && !r.ExpiresAt.After(now)
		if stale && !req.IncludeStale {
			res.StaleFiltered++
			continue
		}
		if r.UnsafeReason != "" && !req.IncludeUnsafe {
			res.UnsafeFiltered++
			continue
		}
		kept = append(kept, Item{MemoryRecord: r, Stale: stale})
	}

	latest := make(map[string]int)
	for _, it := range kept {
		if it.ConflictKey != "" && it.ConflictVersion > latest[it.ConflictKey] {
			latest[it.ConflictKey] = it.ConflictVersion
		}
	}
	terms := Terms(req.Query)
	ranked := kept[:0]
	for _, it := range kept {
		it.Conflicted = it.ConflictKey != "" && it.ConflictVersion < latest[it.ConflictKey]
		if it.Conflicted && !req.IncludeConflicted {
			res.ConflictFiltered++
			continue
		}
		it.Score = Score(it.MemoryRecord, terms, now)
		it.EstimatedTokens = RecordTokens(it.Title, it.Summary, it.Tags)
		ranked = append(ranked, it)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.IndexedAt.Equal(b.IndexedAt) {
			return a.IndexedAt.After(b.IndexedAt)
		}
		return a.ID < b.ID
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	ids := make([]string, len(ranked))
	for i := range ranked {
		ids[i] = ranked[i].ID
		ranked[i].AccessCount++
		at := now
		ranked[i].LastAccessedAt = &at
	}
	if err := e.store.TouchMemories(ctx, tenantID, ids, now); err != nil {
		return nil, err
	}
	res.Items = ranked
	res.Returned = len(ranked)
	res.LatencyMS = time.Since(started).Milliseconds()

	if err := e.store.InsertRetrievalQuery(ctx, persistence.RetrievalQuery{
		ID:               res.QueryID,
		TenantID:         tenantID,
		Repo:             req.Repo,
		QueryText:        shared.Redact(req.Query),
		TopK:             topK,
		CandidateCount:   res.TotalCandidates,
		ReturnedCount:    res.Returned,
		FilteredStale:    res.StaleFiltered,
		FilteredUnsafe:   res.UnsafeFiltered,
		FilteredConflict: res.ConflictFiltered,
		LatencyMS:        res.LatencyMS,
		CreatedAt:        now,
	}); err != nil {
		return nil, err
	}

	e.metrics.ObserveRetrieval(ctx, time.Since(started).Seconds(), fotel.AttrRepo.String(req.Repo))
	telemetry.FromContext(ctx, e.logger).Debug("memory retrieved",
		"query_id", res.QueryID, "repo", req.Repo, "candidates", res.TotalCandidates, "returned", res.Returned,
		"stale_filtered", res.StaleFiltered, "unsafe_filtered", res.UnsafeFiltered, "conflict_filtered", res.ConflictFiltered)
	return res, nil
}

// candidates pages through every active record in repos.
func (e *Engine) candidates(ctx context.Context, tenantID string, repos []string) ([]persistence.MemoryRecord, error) {
	var all []persistence.MemoryRecord
	after := ""
	for {
		page, err := e.store.ListMemoryCandidates(ctx, tenantID, repos, after, e.cfg.CandidateScan)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return all, nil
		}
		all = append(all, page...)
		after = page[len(page)-1].ID
	}
}

func repoSet(repo string, related []string) []string {
	out := []string{strings.TrimSpace(repo)}
	for _, r := range related {
		r = strings.TrimSpace(r)
		if r != "" && !contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// PackRequest asks for the best records that fit TokenBudget.
type PackRequest struct {
	Retrieve    RetrieveRequest
	TokenBudget int
}

// PackContext retrieves with a wide top-k and greedily fills the budget in
// rank order, stopping at the first record that does not fit.
func (e *Engine) PackContext(ctx context.Context, tenantID string, req PackRequest) (*ContextPack, error) {
	if req.TokenBudget < 0 {
		return nil, fabricerr.Invalid("token budget must not be negative")
	}
	budget := req.TokenBudget
	if budget == 0 {
		budget = e.cfg.DefaultTokenBudget
	}
	rr := req.Retrieve
	rr.TopK = e.cfg.PackTopK
	res, err := e.Retrieve(ctx, tenantID, rr)
	if err != nil {
		return nil, err
	}
	items, used, dropped := packItems(res.Items, budget)
	pack := &ContextPack{
		QueryID:            res.QueryID,
		LatencyMS:          res.LatencyMS,
		TokenBudget:        budget,
		UsedTokens:         used,
		DroppedDueToBudget: dropped,
		Items:              items,
	}
	pack.Rendered = pack.Format()
	telemetry.FromContext(ctx, e.logger).Debug("context packed",
		"query_id", res.QueryID, "budget", budget, "budget_used", used,
		"budget_remaining", pack.Remaining(), "budget_pct", pack.Percentage(),
		"items", len(items), "dropped", dropped)
	return pack, nil
}

// Retire ends a record's lifecycle without deleting it. Retiring twice is a no-op.
func (e *Engine) Retire(ctx context.Context, tenantID, id string) (*persistence.MemoryRecord, error) {
	rec, err := e.store.RetireMemory(ctx, tenantID, id, e.clock.Now())
	if err != nil {
		return nil, err
	}
	telemetry.FromContext(ctx, e.logger).Info("memory retired", "record_id", id)
	return rec, nil
}

// GCResult reports one collection pass.
type GCResult struct {
	Scanned      int `json:"scanned"`
	Deleted      int `json:"deleted"`
	BlobsDeleted int `json:"blobs_deleted"`
}

// GC deletes retired records and records that expired more than grace ago,
// then any blobs no longer referenced. An empty tenantID collects every
// tenant. A negative grace uses the configured default.
func (e *Engine) GC(ctx context.Context, tenantID string, grace time.Duration, limit int) (res GCResult, err error) {
	ctx, span := fotel.StartSpan(ctx, e.tracer, "memory.gc", fotel.AttrTenantID.String(tenantID))
	defer func() { fotel.EndSpan(span, err) }()

	if grace < 0 {
		grace = e.cfg.GCGrace
	}
	if limit <= 0 {
		limit = e.cfg.GCLimit
	}
	now := e.clock.Now()
	cands, err := e.store.ListMemoryGCCandidates(ctx, tenantID, now.Add(-grace), limit)
	if err != nil {
		return res, err
	}
	res.Scanned = len(cands)
	for _, c := range cands {
		ok, err := e.store.DeleteMemory(ctx, c.TenantID, c.ID, now)
		if err != nil {
			return res, err
		}
		if !ok {
			continue
		}
		res.Deleted++
		if c.ContentRef != "" && e.dropBlobIfOrphaned(ctx, c.ContentRef) {
			res.BlobsDeleted++
		}
	}
	e.metrics.Count(ctx, fotel.GCDeleted, int64(res.Deleted))
	if res.Deleted > 0 {
		e.logger.Info("memory gc complete", "tenant_id", tenantID, "scanned", res.Scanned, "deleted", res.Deleted, "blobs_deleted", res.BlobsDeleted)
	}
	return res, nil
}

func (e *Engine) dropBlobIfOrphaned(ctx context.Context, key string) bool {
	if e.blobs == nil {
		return false
	}
	unlock := e.lockRef(key)
	defer unlock()
	return e.dropOrphanLocked(ctx, key)
}

// dropOrphanLocked deletes key when no record references it. The caller
// holds the key's ref lock.
func (e *Engine) dropOrphanLocked(ctx context.Context, key string) bool {
	n, err := e.store.CountContentRefs(ctx, key)
	if err != nil || n > 0 {
		return false
	}
	if err := e.blobs.Delete(ctx, key); err != nil {
		e.logger.Warn("blob delete failed", "key", key, "error", err)
		return false
	}
	return true
}

// Feedback is a caller's report on how a retrieval worked out.
type Feedback struct {
	QueryID          string
	Success          bool
	FirstPassSuccess bool
	CacheHit         bool
	LatencyMS        int64
	Notes            string
}

// RecordFeedback logs fb against a query the tenant owns. Feedback never
// changes ranking.
func (e *Engine) RecordFeedback(ctx context.Context, tenantID string, fb Feedback) (string, error) {
	if fb.LatencyMS < 0 {
		return "", fabricerr.Invalid("latency must not be negative")
	}
	if _, err := e.store.GetRetrievalQuery(ctx, tenantID, fb.QueryID); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := e.store.InsertRetrievalFeedback(ctx, persistence.RetrievalFeedback{
		ID:               id,
		TenantID:         tenantID,
		QueryID:          fb.QueryID,
		Success:          fb.Success,
		FirstPassSuccess: fb.FirstPassSuccess,
		CacheHit:         fb.CacheHit,
		LatencyMS:        fb.LatencyMS,
		Notes:            shared.Redact(fb.Notes),
		CreatedAt:        e.clock.Now(),
	}); err != nil {
		return "", err
	}
	return id, nil
}

// EvalSummary aggregates feedback for one tenant. Latency percentiles are nil
// until feedback exists.
type EvalSummary struct {
	QueriesLogged        int     `json:"queries_logged"`
	TotalFeedback        int     `json:"total_feedback"`
	CacheHitRate         float64 `json:"cache_hit_rate"`
	SuccessRate          float64 `json:"success_rate"`
	FirstPassSuccessRate float64 `json:"first_pass_success_rate"`
	P50LatencyMS         *int64  `json:"p50_latency_ms,omitempty"`
	P95LatencyMS         *int64  `json:"p95_latency_ms,omitempty"`
}

func (e *Engine) EvalSummary(ctx context.Context, tenantID string) (*EvalSummary, error) {
	st, err := e.store.FeedbackStats(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	queries, err := e.store.CountRetrievalQueries(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := &EvalSummary{QueriesLogged: queries, TotalFeedback: st.Total}
	if st.Total == 0 {
		return out, nil
	}
	total := float64(st.Total)
	out.CacheHitRate = float64(st.CacheHits) / total
	out.SuccessRate = float64(st.Successes) / total
	out.FirstPassSuccessRate = float64(st.FirstPassSuccess) / total
	out.P50LatencyMS = percentile(st.Latencies, 0.50)
	out.P95LatencyMS = percentile(st.Latencies, 0.95)
	return out, nil
}

// percentile uses the nearest-rank method over an ascending sample.
func percentile(sorted []int64, p float64) *int64 {
	if len(sorted) == 0 {
		return nil
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	rank = max(0, min(rank, len(sorted)-1))
	v := sorted[rank]
	return &v
}

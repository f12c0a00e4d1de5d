// Package quality validates collected records, detects content problems
// heuristically, mines recurring issue patterns, and learns field-length
// thresholds from observed data.
package quality

import (
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/newsharvest/adaptive/internal/window"
	aderrors "github.com/newsharvest/adaptive/pkg/errors"
)

// IssueType classifies a detected quality problem.
type IssueType string

const (
	IssueMissingField    IssueType = "missing_field"
	IssueLengthViolation IssueType = "length_violation"
	IssueFormatInvalid   IssueType = "format_invalid"
	IssueSpam            IssueType = "spam"
	IssueEncoding        IssueType = "encoding"
	IssueStale           IssueType = "stale"
	IssueFutureDate      IssueType = "future_date"
)

// Severity grades an issue. Weights feed the quality score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight returns the score penalty for a severity.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 0.1
	case SeverityMedium:
		return 0.3
	case SeverityHigh:
		return 0.6
	case SeverityCritical:
		return 1.0
	}
	return 0.3
}

// Record is one collected item submitted for quality analysis.
type Record struct {
	RecordID    string    `json:"record_id"`
	EntityID    string    `json:"entity_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	URL         string    `json:"url"`
	Author      string    `json:"author"`
	PublishedAt time.Time `json:"published_at"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Issue is one detected quality problem on one record. An issue is
// immutable once created; only Resolved toggles, via ResolveIssue.
type Issue struct {
	ID         string    `json:"id"`
	RecordID   string    `json:"record_id"`
	EntityID   string    `json:"entity_id"`
	Field      string    `json:"field"`
	Type       IssueType `json:"type"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	DetectedAt time.Time `json:"detected_at"`
	Resolved   bool      `json:"resolved"`
}

// Pattern is a recurring issue shape mined from history.
type Pattern struct {
	EntityID     string    `json:"entity_id"`
	Field        string    `json:"field"`
	Type         IssueType `json:"type"`
	Occurrences  int       `json:"occurrences"`
	Priority     float64   `json:"priority"`
	SuggestedFix string    `json:"suggested_fix"`
	AutoFixable  bool      `json:"auto_fixable"`
}

// Report summarizes quality over everything analyzed so far.
type Report struct {
	RecordsAnalyzed int               `json:"records_analyzed"`
	TotalIssues     int               `json:"total_issues"`
	IssuesByType    map[IssueType]int `json:"issues_by_type"`
	Score           float64           `json:"score"`
	Trend           window.Trend      `json:"trend"`
	TopPatterns     []Pattern         `json:"top_patterns"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// ThresholdSuggestion is a learned length rule for one field.
// Effectiveness is the fraction of previously-invalid records the suggested
// bounds would have flagged.
type ThresholdSuggestion struct {
	Field         string  `json:"field"`
	MinLength     int     `json:"min_length"`
	MaxLength     int     `json:"max_length"`
	Samples       int     `json:"samples"`
	Effectiveness float64 `json:"effectiveness"`
}

// lengthRule bounds the rune length of a field. Zero max means unbounded.
type lengthRule struct {
	min int
	max int
}

// Static validation rules. Runtime registration is deliberately not
// supported; rule changes ship with the code.
var (
	requiredFields = []string{"title", "content", "url"}

	lengthRules = map[string]lengthRule{
		"title":   {min: 5, max: 300},
		"content": {min: 100},
	}

	spamMarkers = []string{
		"click here", "buy now", "limited offer", "act now",
		"free money", "winner!", "100% free", "$$$",
	}
)

const (
	spamMarkerThreshold = 2
	staleAge            = 30 * 24 * time.Hour
	patternMinOccur     = 5
	// patternWindow bounds pattern mining: only issues from this window
	// count, so an old burst stops ranking once it ages out.
	patternWindow    = 24 * time.Hour
	maxStoredIssues  = 1000
	scoreHistorySize = 100
)

// EntityAnalysis summarizes quality for one entity.
type EntityAnalysis struct {
	EntityID     string            `json:"entity_id"`
	Records      int               `json:"records"`
	TotalIssues  int               `json:"total_issues"`
	IssuesByType map[IssueType]int `json:"issues_by_type"`
	Score        float64           `json:"score"`
	Patterns     []Pattern         `json:"patterns"`
}

type issueKey struct {
	entityID string
	field    string
	typ      IssueType
}

type entityStats struct {
	Records      int
	WeightSum    float64
	IssuesByType map[IssueType]int
}

type patternEvent struct {
	key issueKey
	at  time.Time
}

// Analyzer validates records and accumulates issue history for pattern
// mining and reporting.
type Analyzer struct {
	mu sync.Mutex

	records      int
	weightSum    float64
	issuesByType map[IssueType]int
	entities     map[string]*entityStats
	patternLog   []patternEvent
	patternSev   map[issueKey]Severity
	scoreHistory *window.Ring
	issueLog     []*Issue
	issuesByID   map[string]*Issue

	trendWindow int
	logger      *slog.Logger
	now         func() time.Time
}

// NewAnalyzer creates an analyzer. trendWindow controls how many per-record
// scores feed trend classification.
func NewAnalyzer(trendWindow int, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if trendWindow <= 0 {
		trendWindow = 20
	}
	return &Analyzer{
		issuesByType: make(map[IssueType]int),
		entities:     make(map[string]*entityStats),
		patternSev:   make(map[issueKey]Severity),
		scoreHistory: window.NewRing(scoreHistorySize),
		issuesByID:   make(map[string]*Issue),
		trendWindow:  trendWindow,
		logger:       logger.With("component", "quality"),
		now:          time.Now,
	}
}

// Analyze validates one record and returns every issue found. A record with
// no entity id is rejected outright.
func (a *Analyzer) Analyze(rec Record) ([]Issue, error) {
	if rec.EntityID == "" {
		return nil, aderrors.Validation("missing_entity_id", "record has no entity id")
	}
	now := a.now()
	issues := a.validate(rec, now)
	issues = append(issues, a.detect(rec, now)...)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.records++
	ent := a.entities[rec.EntityID]
	if ent == nil {
		ent = &entityStats{IssuesByType: make(map[IssueType]int)}
		a.entities[rec.EntityID] = ent
	}
	ent.Records++

	var recordWeight float64
	for i := range issues {
		iss := issues[i]
		a.issuesByType[iss.Type]++
		ent.IssuesByType[iss.Type]++
		key := issueKey{entityID: iss.EntityID, field: iss.Field, typ: iss.Type}
		a.patternLog = append(a.patternLog, patternEvent{key: key, at: iss.DetectedAt})
		if a.patternSev[key] == "" || iss.Severity.Weight() > a.patternSev[key].Weight() {
			a.patternSev[key] = iss.Severity
		}
		recordWeight += iss.Severity.Weight()

		stored := iss
		a.issueLog = append(a.issueLog, &stored)
		a.issuesByID[stored.ID] = &stored
	}
	a.trimLocked(now)

	a.weightSum += recordWeight
	ent.WeightSum += recordWeight

	recordScore := 1 - math.Min(1, recordWeight)
	a.scoreHistory.Push(recordScore)
	return issues, nil
}

// trimLocked drops pattern events outside the mining window and caps the
// stored issue log.
func (a *Analyzer) trimLocked(now time.Time) {
	cutoff := now.Add(-patternWindow)
	drop := 0
	for drop < len(a.patternLog) && a.patternLog[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		a.patternLog = append(a.patternLog[:0], a.patternLog[drop:]...)
	}

	for len(a.issueLog) > maxStoredIssues {
		delete(a.issuesByID, a.issueLog[0].ID)
		a.issueLog = a.issueLog[1:]
	}
}

// ResolveIssue marks a stored issue resolved. It returns false when the
// issue is unknown or already dropped from the bounded log.
func (a *Analyzer) ResolveIssue(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	iss, ok := a.issuesByID[id]
	if !ok {
		return false
	}
	iss.Resolved = true
	return true
}

// IssueByID returns a copy of a stored issue.
func (a *Analyzer) IssueByID(id string) (Issue, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	iss, ok := a.issuesByID[id]
	if !ok {
		return Issue{}, false
	}
	return *iss, true
}

func (a *Analyzer) validate(rec Record, now time.Time) []Issue {
	var issues []Issue

	fields := map[string]string{
		"title":   rec.Title,
		"content": rec.Content,
		"url":     rec.URL,
	}
	for _, f := range requiredFields {
		if strings.TrimSpace(fields[f]) == "" {
			issues = append(issues, a.issue(rec, f, IssueMissingField, SeverityHigh,
				fmt.Sprintf("required field %q is empty", f), now))
		}
	}

	for f, rule := range lengthRules {
		v := fields[f]
		if v == "" {
			continue // already reported as missing
		}
		n := len([]rune(v))
		if n < rule.min || (rule.max > 0 && n > rule.max) {
			issues = append(issues, a.issue(rec, f, IssueLengthViolation, SeverityMedium,
				fmt.Sprintf("field %q length %d outside [%d, %d]", f, n, rule.min, rule.max), now))
		}
	}

	// A blank url is already covered by the required-field check.
	if trimmed := strings.TrimSpace(rec.URL); trimmed != "" {
		if u, err := url.Parse(trimmed); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			issues = append(issues, a.issue(rec, "url", IssueFormatInvalid, SeverityHigh,
				"url is not an absolute http(s) url", now))
		}
	}

	if !rec.PublishedAt.IsZero() && rec.PublishedAt.After(now) {
		issues = append(issues, a.issue(rec, "published_at", IssueFutureDate, SeverityMedium,
			"published_at is in the future", now))
	}
	return issues
}

func (a *Analyzer) detect(rec Record, now time.Time) []Issue {
	var issues []Issue
	content := strings.ToLower(rec.Title + " " + rec.Content)

	var spamHits int
	for _, marker := range spamMarkers {
		if strings.Contains(content, marker) {
			spamHits++
		}
	}
	if spamHits >= spamMarkerThreshold {
		issues = append(issues, a.issue(rec, "content", IssueSpam, SeverityHigh,
			fmt.Sprintf("content matches %d spam markers", spamHits), now))
	}

	if strings.ContainsRune(rec.Title, '�') || strings.ContainsRune(rec.Content, '�') {
		issues = append(issues, a.issue(rec, "content", IssueEncoding, SeverityMedium,
			"text contains unicode replacement characters", now))
	}

	if !rec.PublishedAt.IsZero() && now.Sub(rec.PublishedAt) > staleAge {
		issues = append(issues, a.issue(rec, "published_at", IssueStale, SeverityLow,
			"record is older than 30 days", now))
	}
	return issues
}

func (a *Analyzer) issue(rec Record, field string, typ IssueType, sev Severity, msg string, now time.Time) Issue {
	return Issue{
		ID:         uuid.NewString(),
		RecordID:   rec.RecordID,
		EntityID:   rec.EntityID,
		Field:      field,
		Type:       typ,
		Severity:   sev,
		Message:    msg,
		DetectedAt: now,
	}
}

// MinePatterns returns recurring issue shapes: any (entity, field, type)
// combination seen at least five times within the mining window,
// prioritized by severity weight scaled with log10 of the occurrence
// count.
func (a *Analyzer) MinePatterns() []Pattern {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.minePatternsLocked(a.now())
}

func (a *Analyzer) minePatternsLocked(now time.Time) []Pattern {
	cutoff := now.Add(-patternWindow)
	counts := make(map[issueKey]int)
	for _, ev := range a.patternLog {
		if !ev.at.Before(cutoff) {
			counts[ev.key]++
		}
	}

	var patterns []Pattern
	for key, count := range counts {
		if count < patternMinOccur {
			continue
		}
		sev := a.patternSev[key]
		patterns = append(patterns, Pattern{
			EntityID:     key.entityID,
			Field:        key.field,
			Type:         key.typ,
			Occurrences:  count,
			Priority:     sev.Weight() * (1 + math.Log10(float64(count))),
			SuggestedFix: suggestedFix(key),
			AutoFixable:  autoFixable(key.typ),
		})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Priority != patterns[j].Priority {
			return patterns[i].Priority > patterns[j].Priority
		}
		return patterns[i].EntityID < patterns[j].EntityID
	})
	return patterns
}

// autoFixable reports whether a pipeline-side transform can repair the
// issue without re-extraction: re-decoding mojibake, normalizing a URL,
// or dropping stale items are mechanical; missing or spammy content is
// not.
func autoFixable(typ IssueType) bool {
	switch typ {
	case IssueEncoding, IssueFormatInvalid, IssueStale:
		return true
	}
	return false
}

func suggestedFix(key issueKey) string {
	switch key.typ {
	case IssueMissingField:
		return fmt.Sprintf("review the extraction selector for field %q on %s; the field is repeatedly empty", key.field, key.entityID)
	case IssueLengthViolation:
		return fmt.Sprintf("check truncation or boilerplate capture for field %q on %s", key.field, key.entityID)
	case IssueFormatInvalid:
		return fmt.Sprintf("normalize the %q field for %s before ingestion", key.field, key.entityID)
	case IssueSpam:
		return fmt.Sprintf("add a pre-ingestion spam filter for %s", key.entityID)
	case IssueEncoding:
		return fmt.Sprintf("verify charset detection for %s; %q contains mojibake", key.entityID, key.field)
	case IssueStale:
		return fmt.Sprintf("tighten the crawl window for %s to skip old items", key.entityID)
	default:
		return fmt.Sprintf("inspect recurring %s issues on field %q for %s", key.typ, key.field, key.entityID)
	}
}

// GenerateReport summarizes everything analyzed so far. The score is
// 1 - min(1, total severity weight / records); the trend classifies the
// recent per-record score history.
func (a *Analyzer) GenerateReport() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	score := 1.0
	if a.records > 0 {
		score = 1 - math.Min(1, a.weightSum/float64(a.records))
	}

	byType := make(map[IssueType]int, len(a.issuesByType))
	total := 0
	for t, n := range a.issuesByType {
		byType[t] = n
		total += n
	}

	patterns := a.minePatternsLocked(a.now())
	if len(patterns) > 10 {
		patterns = patterns[:10]
	}

	return Report{
		RecordsAnalyzed: a.records,
		TotalIssues:     total,
		IssuesByType:    byType,
		Score:           score,
		Trend:           window.ClassifyRing(a.scoreHistory, a.trendWindow),
		TopPatterns:     patterns,
		GeneratedAt:     a.now(),
	}
}

// Score returns the current aggregate quality score without building a
// full report.
func (a *Analyzer) Score() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.records == 0 {
		return 1.0
	}
	return 1 - math.Min(1, a.weightSum/float64(a.records))
}

// EntityAnalysis summarizes quality for one entity: issue counts, score
// over that entity's records, and its mined patterns.
func (a *Analyzer) EntityAnalysis(entityID string) (EntityAnalysis, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ent, ok := a.entities[entityID]
	if !ok {
		return EntityAnalysis{}, false
	}

	byType := make(map[IssueType]int, len(ent.IssuesByType))
	total := 0
	for t, n := range ent.IssuesByType {
		byType[t] = n
		total += n
	}

	var patterns []Pattern
	for _, p := range a.minePatternsLocked(a.now()) {
		if p.EntityID == entityID {
			patterns = append(patterns, p)
		}
	}

	return EntityAnalysis{
		EntityID:     entityID,
		Records:      ent.Records,
		TotalIssues:  total,
		IssuesByType: byType,
		Score:        1 - math.Min(1, ent.WeightSum/float64(ent.Records)),
		Patterns:     patterns,
	}, true
}

// LearnThresholds derives length bounds for a field from the caller's
// labeled samples: the 5th and 95th rune-length percentiles of the valid
// set become the suggested min and max, and effectiveness is the fraction
// of invalid samples the bounds would have flagged. It is invoked
// explicitly, never automatically, and the caller decides whether to
// adopt the suggestion.
func (a *Analyzer) LearnThresholds(field string, validSamples, invalidSamples []string) (ThresholdSuggestion, error) {
	if len(validSamples) < 20 {
		return ThresholdSuggestion{}, aderrors.Validation("insufficient_samples",
			"need at least 20 valid samples for field %q, have %d", field, len(validSamples))
	}

	lengths := make([]int, len(validSamples))
	for i, s := range validSamples {
		lengths[i] = len([]rune(s))
	}
	sort.Ints(lengths)

	minLen := lengths[percentileIndex(len(lengths), 0.05)]
	maxLen := lengths[percentileIndex(len(lengths), 0.95)]

	caught := 0
	for _, s := range invalidSamples {
		if n := len([]rune(s)); n < minLen || n > maxLen {
			caught++
		}
	}
	effectiveness := 0.0
	if len(invalidSamples) > 0 {
		effectiveness = float64(caught) / float64(len(invalidSamples))
	}

	return ThresholdSuggestion{
		Field:         field,
		MinLength:     minLen,
		MaxLength:     maxLen,
		Samples:       len(validSamples),
		Effectiveness: effectiveness,
	}, nil
}

func percentileIndex(n int, p float64) int {
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

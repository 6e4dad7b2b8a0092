package domain

import (
	"math"
	"time"
)

const (
	sourceTextLimit  = 500
	confidenceWindow = 3
)

// Fragment is a retrievable unit of document text produced by ingestion.
type Fragment struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Index      int       `json:"index"`
	Text       string    `json:"text"`
	Page       int       `json:"page,omitempty"`
	Section    string    `json:"section,omitempty"`
	Embedding  []float64 `json:"embedding,omitempty"`
}

// ScoredFragment pairs a fragment with its query-time relevance score.
type ScoredFragment struct {
	Fragment Fragment
	Score    float64
}

// SourceFragment is the caller-facing view of a fragment used in an answer.
type SourceFragment struct {
	Index          int     `json:"chunk_index"`
	Text           string  `json:"text"`
	RelevanceScore float64 `json:"relevance_score"`
	Section        string  `json:"section_title,omitempty"`
	Page           int     `json:"page,omitempty"`
}

// AnswerResult is what the query engine returns for one question.
type AnswerResult struct {
	Answer          string           `json:"answer"`
	ConfidenceScore float64          `json:"confidence_score"`
	ModelUsed       string           `json:"model_used"`
	TokensUsed      int              `json:"tokens_used"`
	SourceFragments []SourceFragment `json:"source_chunks"`
	Cached          bool             `json:"cached"`
}

// CacheEntry is the payload stored under a cache key.
type CacheEntry struct {
	Answer          string           `json:"answer"`
	ConfidenceScore float64          `json:"confidence_score"`
	ModelUsed       string           `json:"model_used"`
	TokensUsed      int              `json:"tokens_used"`
	SourceFragments []SourceFragment `json:"source_chunks"`
	Cached          bool             `json:"cached"`
	CreatedAt       time.Time        `json:"created_at"`
}

// NewCacheEntry captures a freshly generated result for storage.
func NewCacheEntry(result *AnswerResult, now time.Time) *CacheEntry {
	return &CacheEntry{
		Answer:          result.Answer,
		ConfidenceScore: result.ConfidenceScore,
		ModelUsed:       result.ModelUsed,
		TokensUsed:      result.TokensUsed,
		SourceFragments: result.SourceFragments,
		Cached:          result.Cached,
		CreatedAt:       now,
	}
}

// Result converts a stored entry back into an answer.
func (e *CacheEntry) Result() *AnswerResult {
	return &AnswerResult{
		Answer:          e.Answer,
		ConfidenceScore: e.ConfidenceScore,
		ModelUsed:       e.ModelUsed,
		TokensUsed:      e.TokensUsed,
		SourceFragments: e.SourceFragments,
		Cached:          e.Cached,
	}
}

// ConversationTurn is one answered question within a session.
type ConversationTurn struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

// Classification is the verdict of the query classifier.
type Classification struct {
	IsQuestion bool    `json:"is_question"`
	IsRelevant bool    `json:"is_relevant"`
	Type       string  `json:"question_type"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// DefaultClassification is used when classification is disabled.
func DefaultClassification() *Classification {
	return &Classification{
		IsQuestion: true,
		IsRelevant: true,
		Type:       "general",
		Confidence: 1.0,
		Reasoning:  "classification disabled",
	}
}

// failOpenClassification is used when the classifier errors.
func failOpenClassification(err error) *Classification {
	return &Classification{
		IsQuestion: true,
		IsRelevant: true,
		Type:       "general",
		Confidence: 0.5,
		Reasoning:  "classification error: " + err.Error(),
	}
}

// QuestionRequest is one question against one document.
type QuestionRequest struct {
	DocumentID   string
	UserID       string
	Question     string
	TopK         int
	Model        string
	BypassCache  bool
	OmitSources  bool
	ClearHistory bool
}

// AnswerRecord is handed to the Recorder after every answered question.
type AnswerRecord struct {
	UserID         string          `json:"user_id"`
	DocumentID     string          `json:"document_id"`
	Question       string          `json:"question"`
	Result         *AnswerResult   `json:"result"`
	Classification *Classification `json:"classification,omitempty"`
	ResponseTime   time.Duration   `json:"response_time_ns"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// toSources formats retrieved fragments for the caller.
func toSources(fragments []ScoredFragment) []SourceFragment {
	sources := make([]SourceFragment, 0, len(fragments))
	for _, f := range fragments {
		text := f.Fragment.Text
		if runes := []rune(text); len(runes) > sourceTextLimit {
			text = string(runes[:sourceTextLimit]) + "..."
		}
		sources = append(sources, SourceFragment{
			Index:          f.Fragment.Index,
			Text:           text,
			RelevanceScore: round(f.Score, 3),
			Section:        f.Fragment.Section,
			Page:           f.Fragment.Page,
		})
	}
	return sources
}

// confidence averages the top scores, clamped to [0, 1].
func confidence(fragments []ScoredFragment) float64 {
	if len(fragments) == 0 {
		return 0
	}

	n := min(len(fragments), confidenceWindow)
	var sum float64
	for _, f := range fragments[:n] {
		sum += f.Score
	}

	return round(max(0, min(1, sum/float64(n))), 2)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

package recorder

import (
	"context"

	"go.uber.org/zap"

	"github.com/davidbz/docqa/internal/domain"
	"github.com/davidbz/docqa/internal/observability"
)

// LogSink writes answer records as structured log lines.
type LogSink struct{}

// NewLogSink creates a log sink.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Write logs the record at Info.
func (s *LogSink) Write(ctx context.Context, record *domain.AnswerRecord) error {
	fields := []zap.Field{
		observability.String("user_id", record.UserID),
		observability.String("document_id", record.DocumentID),
		observability.String("question", observability.Truncate(record.Question, 200)),
		observability.Duration("response_time", record.ResponseTime),
	}

	if result := record.Result; result != nil {
		fields = append(fields,
			observability.Bool("cached", result.Cached),
			observability.Float64("confidence", result.ConfidenceScore),
			observability.Int("sources", len(result.SourceFragments)),
			observability.Int("tokens_used", result.TokensUsed),
		)
	}

	if c := record.Classification; c != nil {
		fields = append(fields,
			observability.Bool("is_question", c.IsQuestion),
			observability.Bool("is_relevant", c.IsRelevant))
	}

	observability.FromContext(ctx).Info("answer recorded", fields...)
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error {
	return nil
}

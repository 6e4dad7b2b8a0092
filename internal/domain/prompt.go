package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Prompts is the prompt and canned-answer set used by the pipeline.
type Prompts struct {
	ChatbotSystem        string        `yaml:"chatbot_system_prompt"`
	ChatbotUser          string        `yaml:"chatbot_user_prompt"`
	ClassificationSystem string        `yaml:"classification_system_prompt"`
	ClassificationUser   string        `yaml:"classification_user_prompt"`
	ErrorMessages        ErrorMessages `yaml:"error_messages"`
}

// ErrorMessages are the fixed answers returned without generation.
type ErrorMessages struct {
	NoContext       string `yaml:"no_context"`
	NotAQuestion    string `yaml:"not_a_question"`
	OutOfScope      string `yaml:"out_of_scope"`
	ProcessingError string `yaml:"processing_error"`
}

// PromptBuilder assembles chat messages from retrieved context and history.
type PromptBuilder struct {
	prompts         *Prompts
	maxContextChars int
}

// NewPromptBuilder creates a prompt builder. maxContextChars <= 0 leaves
// the context window unbounded.
func NewPromptBuilder(prompts *Prompts, maxContextChars int) *PromptBuilder {
	if prompts == nil {
		prompts = &Prompts{}
	}
	return &PromptBuilder{
		prompts:         prompts,
		maxContextChars: maxContextChars,
	}
}

// Prompts returns the underlying prompt set.
func (b *PromptBuilder) Prompts() *Prompts {
	return b.prompts
}

// Context renders fragments in the given order, stopping before the window
// overflows. The first fragment is truncated rather than dropped.
func (b *PromptBuilder) Context(fragments []ScoredFragment) string {
	const separator = "\n\n"

	var sb strings.Builder
	used := 0
	for i, f := range fragments {
		block := fmt.Sprintf("[Context %d - Chunk %d]\n%s", i+1, f.Fragment.Index, f.Fragment.Text)
		size := utf8.RuneCountInString(block)
		if i > 0 {
			size += len(separator)
		}

		if b.maxContextChars > 0 && used+size > b.maxContextChars {
			if i == 0 {
				sb.WriteString(truncateRunes(block, b.maxContextChars))
			}
			break
		}

		if i > 0 {
			sb.WriteString(separator)
		}
		sb.WriteString(block)
		used += size
	}

	return sb.String()
}

// Messages builds the completion messages: system instructions, prior turns
// as user/assistant pairs, then the templated question with its context.
func (b *PromptBuilder) Messages(
	question string,
	fragments []ScoredFragment,
	history []ConversationTurn,
) []Message {
	messages := make([]Message, 0, 2+2*len(history))
	if b.prompts.ChatbotSystem != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: b.prompts.ChatbotSystem})
	}

	for _, turn := range history {
		messages = append(messages,
			Message{Role: RoleUser, Content: turn.Question},
			Message{Role: RoleAssistant, Content: turn.Answer},
		)
	}

	user := strings.NewReplacer(
		"{context}", b.Context(fragments),
		"{question}", question,
	).Replace(b.prompts.ChatbotUser)

	return append(messages, Message{Role: RoleUser, Content: user})
}

// ClassificationMessages builds the classifier prompt for question.
func (b *PromptBuilder) ClassificationMessages(question string) []Message {
	user := strings.NewReplacer("{question}", question).Replace(b.prompts.ClassificationUser)

	return []Message{
		{Role: RoleSystem, Content: b.prompts.ClassificationSystem},
		{Role: RoleUser, Content: user},
	}
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ahrdadan/quizpilot/internal/fault"
	"github.com/ahrdadan/quizpilot/internal/log"
	"github.com/ahrdadan/quizpilot/internal/model"
)

// Defaults for the LLM policy. They target Groq's OpenAI compatible API.
const (
	DefaultBaseURL        = "https://api.groq.com/openai/v1"
	DefaultModel          = "llama-3.3-70b-versatile"
	DefaultTemperature    = 0.3
	DefaultMaxTokens      = 200
	DefaultEssayMaxTokens = 1000
)

const systemPrompt = "You are a helpful assistant that provides accurate answers to quiz questions. Be concise and precise."

// LLMConfig is the LLM policy configuration.
type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Temperature    float64
	MaxTokens      int64
	EssayMaxTokens int64
	// Fallback answers when the model call fails or gives nothing usable.
	Fallback *First
	Logger   log.Logger
}

func (c *LLMConfig) defaults() error {
	if c.APIKey == "" {
		return fmt.Errorf("api key is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.EssayMaxTokens <= 0 {
		c.EssayMaxTokens = DefaultEssayMaxTokens
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "policy.LLM"})
	return nil
}

// LLM asks a chat completion model for the answer.
type LLM struct {
	client openai.Client
	cfg    LLMConfig
	logger log.Logger
}

// NewLLM returns an LLM backed policy.
func NewLLM(cfg LLMConfig) (*LLM, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(1),
	)

	return &LLM{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// Choose returns the answer for q.
func (l *LLM) Choose(ctx context.Context, q model.Question) (model.Answer, error) {
	answer, err := l.choose(ctx, q)
	if err == nil {
		return answer, nil
	}
	if l.cfg.Fallback == nil {
		return model.Answer{}, err
	}

	l.logger.Warningf("Using fallback answer for question %d: %v", q.Index, err)
	return l.cfg.Fallback.Choose(ctx, q)
}

func (l *LLM) choose(ctx context.Context, q model.Question) (model.Answer, error) {
	const op = "choose answer"

	maxTokens := l.cfg.MaxTokens
	if q.Kind == model.QuestionKindEssay {
		maxTokens = l.cfg.EssayMaxTokens
	}

	resp, err := l.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildPrompt(q)),
		},
		Model:       openai.ChatModel(l.cfg.Model),
		Temperature: openai.Float(l.cfg.Temperature),
		MaxTokens:   openai.Int(maxTokens),
	})
	if err != nil {
		return model.Answer{}, fault.New(fault.KindPolicy, op, fmt.Errorf("chat completion failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		return model.Answer{}, fault.New(fault.KindPolicy, op, errors.New("empty chat completion"))
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	l.logger.Debugf("Model answered question %d: %q", q.Index, content)

	if !q.HasChoices() {
		if content == "" {
			return model.Answer{}, fault.New(fault.KindPolicy, op, errors.New("empty answer"))
		}
		return model.Answer{Text: content}, nil
	}

	ids := parseLetters(content, q)
	if len(ids) == 0 {
		return model.Answer{}, fault.Newf(fault.KindPolicy, op, "no usable choice in answer %q", content)
	}
	if q.Kind == model.QuestionKindMultipleChoice {
		ids = ids[:1]
	}
	return model.Answer{ChoiceIDs: ids}, nil
}

func buildPrompt(q model.Question) string {
	var b strings.Builder

	switch q.Kind {
	case model.QuestionKindMultipleChoice:
		b.WriteString("Answer this multiple choice question. Return ONLY the letter (A, B, C, D, etc.) of the correct answer, nothing else.\n\n")
	case model.QuestionKindMultipleSelect:
		b.WriteString("Answer this multiple select question. Return ONLY the letters (e.g., 'A,C,D') of ALL correct answers separated by commas, nothing else.\n\n")
	case model.QuestionKindEssay:
		fmt.Fprintf(&b, "Provide a comprehensive essay answer to this question:\n\n%s\n\nWrite a detailed, well-structured response.", q.Prompt)
		return b.String()
	case model.QuestionKindShortAnswer:
		fmt.Fprintf(&b, "Provide a concise, direct answer to this question:\n\n%s", q.Prompt)
		return b.String()
	default:
		fmt.Fprintf(&b, "Answer this question:\n\n%s", q.Prompt)
		return b.String()
	}

	fmt.Fprintf(&b, "Question: %s\n\nOptions:\n", q.Prompt)
	for i, c := range q.Choices {
		fmt.Fprintf(&b, "%c. %s\n", 'A'+i, c.Label)
	}
	return b.String()
}

// parseLetters maps answer letters like "B", "b." or "A, C" to choice IDs.
// Letters outside the choice range and disabled choices are ignored.
func parseLetters(content string, q model.Question) []string {
	seen := map[string]bool{}
	var ids []string

	for _, field := range strings.FieldsFunc(content, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == ';'
	}) {
		field = strings.Trim(field, ".)(:'\"")
		if len(field) != 1 {
			continue
		}
		letter := strings.ToUpper(field)[0]
		if letter < 'A' || letter > 'Z' {
			continue
		}
		i := int(letter - 'A')
		if i >= len(q.Choices) || q.Choices[i].Disabled {
			continue
		}
		id := q.Choices[i].ID
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	return ids
}

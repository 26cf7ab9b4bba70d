package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AnTengye/dealdesk/backend/config"
	"github.com/AnTengye/dealdesk/backend/model"
	"github.com/AnTengye/dealdesk/backend/pkg/logger"
	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"
)

const (
	llmMaxRetries = 3
	llmBaseDelay  = 2 * time.Second
)

const analyzePrompt = `You are a financial due diligence analyst. Analyze the document text below.
Return strictly this JSON, without markdown:
{
	"sentiment": {"label": "positive|neutral|negative", "score": 0.0},
	"entities": [{"text": "Acme Corp", "type": "ORG"}],
	"key_phrases": ["phrase"],
	"topics": ["topic"]
}
score is the confidence of the label between 0 and 1. Entity types are ORG, PERSON, MONEY, DATE, GPE or OTHER.

Document text:
%s`

const classifyPrompt = `Classify the overall tone of this business document excerpt as positive, neutral or negative.
Answer with exactly one word.

Excerpt:
%s`

var sentimentLabels = map[string]bool{"positive": true, "neutral": true, "negative": true}

// LLMService analyzes and classifies document text with an OpenAI compatible chat model
type LLMService struct {
	chatModel einomodel.BaseChatModel
	limiter   *rate.Limiter
}

func NewLLMService(ctx context.Context, cfg *config.LLMConfig) (*LLMService, error) {
	temperature := cfg.Temperature
	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Temperature: &temperature,
		Timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init chat model: %w", err)
	}
	return newLLMService(chatModel, cfg.RequestsPerMinute, cfg.Burst), nil
}

func newLLMService(cm einomodel.BaseChatModel, rpm, burst int) *LLMService {
	if burst < 1 {
		burst = 1
	}
	return &LLMService{
		chatModel: cm,
		limiter:   rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
	}
}

// generate sends one prompt, retrying with backoff when the provider rate limits us
func (s *LLMService) generate(ctx context.Context, system, prompt string) (string, error) {
	var lastErr error
	for i := 0; i <= llmMaxRetries; i++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", err
		}

		resp, err := s.chatModel.Generate(ctx, []*schema.Message{
			{Role: schema.System, Content: system},
			{Role: schema.User, Content: prompt},
		})
		if err == nil {
			return resp.Content, nil
		}
		if !isRateLimited(err) {
			return "", err
		}

		lastErr = err
		if i == llmMaxRetries {
			break
		}
		delay := llmBaseDelay * time.Duration(1<<i)
		logger.Warn(ctx, "llm rate limited, backing off", "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", lastErr
}

func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests")
}

// Analyze implements the pipeline's text analysis stage
func (s *LLMService) Analyze(ctx context.Context, text string) (*model.NLPResult, error) {
	content, err := s.generate(ctx, "You are a JSON generator. Output only JSON.", fmt.Sprintf(analyzePrompt, text))
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}

	var result model.NLPResult
	if err := json.Unmarshal([]byte(stripFences(content)), &result); err != nil {
		return nil, fmt.Errorf("analyze: json unmarshal: %w", err)
	}
	if result.Sentiment != nil {
		result.Sentiment.Label = strings.ToLower(strings.TrimSpace(result.Sentiment.Label))
	}
	return &result, nil
}

// Classify implements the pipeline's classification stage
func (s *LLMService) Classify(ctx context.Context, text string) (string, error) {
	content, err := s.generate(ctx, "You are a text classifier. Output a single label.", fmt.Sprintf(classifyPrompt, text))
	if err != nil {
		return "", fmt.Errorf("classify: %w", err)
	}

	label := strings.ToLower(strings.Trim(strings.TrimSpace(content), ".\"'`"))
	if !sentimentLabels[label] {
		return "", fmt.Errorf("classify: unexpected label %q", content)
	}
	return label, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

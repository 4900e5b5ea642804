package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIClient LLM-адаптер поверх OpenAI-совместимого chat-endpoint.
// Один общий rate.Limiter распределяет минимальный интервал между
// запросами по всем воркерам, чтобы мгновенная частота была ровной.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	limiter     *rate.Limiter
	retryConfig RetryConfig
	logger      *slog.Logger
}

// ClientOptions параметры создания OpenAI-клиента
type ClientOptions struct {
	APIKey string
	Model  string
	// BaseURL переопределяет endpoint (для совместимых провайдеров и тестов)
	BaseURL string
	// Timeout клиентский таймаут одного запроса; по истечении вызов
	// трактуется как недоступность адаптера, а не ошибка записи
	Timeout time.Duration
	// Limiter общий ограничитель частоты, может быть nil
	Limiter *rate.Limiter
}

// NewOpenAIClient создает новый LLM-адаптер
func NewOpenAIClient(opts ClientOptions) *OpenAIClient {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		limiter:     opts.Limiter,
		retryConfig: DefaultRetryConfig(),
		logger:      slog.Default().With("component", "ai_client"),
	}
}

const cleanSystemPrompt = "You are a French business data cleaning expert. " +
	"You correct spelling in company names and extract structured fields. " +
	"You return only a JSON object, no markdown and no explanation."

const cleanInstructions = `Task: Clean and correct this supplier record. Fix any spelling errors in company names.

Return JSON with keys: clean_name, search_token, clean_cp, clean_city.

Instructions:
- clean_name: CORRECT spelling errors (e.g., 'Goggle' -> 'GOOGLE', 'Carfour' -> 'CARREFOUR'), then convert to UPPERCASE and remove legal suffixes (SAS, SARL, EURL, SA, etc.)
- search_token: Extract the most distinctive brand/company token from clean_name (e.g., 'CARREFOUR' from 'CARREFOUR MARKET', 'GOOGLE' from 'GOOGLE FRANCE'); skip generic words like MARKET, FRANCE, GROUPE
- clean_cp: Extract and normalize 5-digit postal code from Postal or address fields. Set to null if invalid/missing.
- clean_city: Correct city spelling if needed, convert to UPPERCASE. Set to null if missing.

Input: %s

Return ONLY the JSON object.`

// CleanSupplier нормализует сырую запись поставщика через модель
func (c *OpenAIClient) CleanSupplier(ctx context.Context, record map[string]string) (*CleanedFields, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal supplier record: %w", err)
	}

	text, err := c.complete(ctx, cleanSystemPrompt, fmt.Sprintf(cleanInstructions, payload))
	if err != nil {
		return nil, err
	}

	var fields CleanedFields
	if err := extractJSON(text, &fields); err != nil {
		return nil, err
	}
	fields.CleanName = strings.TrimSpace(fields.CleanName)
	fields.SearchToken = strings.TrimSpace(fields.SearchToken)
	// Модели любят возвращать строку "null" вместо null
	for _, p := range []*string{&fields.CleanPostal, &fields.CleanCity} {
		v := strings.TrimSpace(*p)
		if strings.EqualFold(v, "null") {
			v = ""
		}
		*p = v
	}
	return &fields, nil
}

const arbiterSystemPrompt = "You choose the better of two candidate establishments for a supplier record. " +
	"You return only a JSON object of the form {\"choice\": \"A\"}, {\"choice\": \"B\"} or {\"choice\": \"none\"}."

// Arbitrate выбирает между двумя близкими кандидатами
func (c *OpenAIClient) Arbitrate(ctx context.Context, question string, a, b ArbiterCandidate) (string, error) {
	aJSON, err := json.Marshal(a)
	if err != nil {
		return ChoiceNone, fmt.Errorf("marshal candidate A: %w", err)
	}
	bJSON, err := json.Marshal(b)
	if err != nil {
		return ChoiceNone, fmt.Errorf("marshal candidate B: %w", err)
	}

	user := fmt.Sprintf("Question: %s\nA: %s\nB: %s\nReturn ONLY the JSON object.", question, aJSON, bJSON)
	text, err := c.complete(ctx, arbiterSystemPrompt, user)
	if err != nil {
		return ChoiceNone, err
	}

	var decision struct {
		Choice string `json:"choice"`
	}
	if err := extractJSON(text, &decision); err != nil {
		return ChoiceNone, err
	}
	switch strings.ToUpper(strings.TrimSpace(decision.Choice)) {
	case ChoiceA:
		return ChoiceA, nil
	case ChoiceB:
		return ChoiceB, nil
	default:
		return ChoiceNone, nil
	}
}

// complete выполняет один chat-запрос с ограничением частоты и повторными попытками
func (c *OpenAIClient) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	var lastErr error
	delay := c.retryConfig.InitialDelay

	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying model call", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			delay = time.Duration(float64(delay) * c.retryConfig.BackoffMultiplier)
			if delay > c.retryConfig.MaxDelay {
				delay = c.retryConfig.MaxDelay
			}
		}

		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Temperature: 0,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
		})
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("model returned no choices")
			continue
		}
		return resp.Choices[0].Message.Content, nil
	}

	return "", fmt.Errorf("model call failed after %d attempts: %w", c.retryConfig.MaxRetries+1, lastErr)
}

package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// CleanedFields результат чистки записи поставщика моделью
type CleanedFields struct {
	CleanName   string `json:"clean_name"`
	SearchToken string `json:"search_token"`
	CleanPostal string `json:"clean_cp"`
	CleanCity   string `json:"clean_city"`
}

// ArbiterCandidate кандидат, передаваемый арбитру для выбора между
// двумя близкими результатами
type ArbiterCandidate struct {
	Siret        string `json:"siret"`
	OfficialName string `json:"official_name"`
	City         string `json:"city"`
	Address      string `json:"address"`
	IsHeadOffice bool   `json:"is_head_office"`
}

// Варианты ответа арбитра
const (
	ChoiceA    = "A"
	ChoiceB    = "B"
	ChoiceNone = "NONE"
)

// Client интерфейс LLM-адаптера. Обе операции могут завершаться ошибкой:
// вызывающая сторона обязана деградировать (нормализация — на эвристику,
// арбитраж — на автоматический топ).
type Client interface {
	// CleanSupplier нормализует сырую запись поставщика
	CleanSupplier(ctx context.Context, record map[string]string) (*CleanedFields, error)
	// Arbitrate выбирает между двумя близкими кандидатами, возвращает A, B или NONE
	Arbitrate(ctx context.Context, question string, a, b ArbiterCandidate) (string, error)
}

// RetryConfig конфигурация повторных попыток
type RetryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig возвращает конфигурацию повторных попыток по умолчанию
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// extractJSON извлекает первый JSON-объект из ответа модели и разбирает его в v.
// Модели регулярно оборачивают ответ в markdown или пояснительный текст.
func extractJSON(text string, v interface{}) error {
	m := jsonObjectPattern.FindString(text)
	if m == "" {
		return fmt.Errorf("no JSON object found in model response")
	}
	if err := json.Unmarshal([]byte(m), v); err != nil {
		return fmt.Errorf("parse model response: %w", err)
	}
	return nil
}

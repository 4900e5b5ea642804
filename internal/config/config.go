package config

import (
	"fmt"
	"os"
	"runtime"
	"time"
)

// APIKeyEnv переменная окружения с ключом LLM-провайдера.
// Отсутствие ключа выбирает эвристическую нормализацию, а не ошибку.
const APIKeyEnv = "OPENAI_API_KEY"

// Config конфигурация запуска сопоставления
type Config struct {
	// InputPath входной файл поставщиков (.xlsx или .csv)
	InputPath string
	// RegistryDB путь к базе реестра
	RegistryDB string
	// PartitionsRoot корень партиций департаментов
	PartitionsRoot string
	// CheckpointPath путь чекпоинта (при недоступности — временный каталог)
	CheckpointPath string
	// ExportPath файл выгрузки результатов (.csv или .xlsx)
	ExportPath string

	// Workers число параллельных воркеров
	Workers int
	// BatchSize размер пакета фиксации чекпоинта
	BatchSize int
	// Limit ограничение числа записей за запуск, после пропуска
	// уже обработанных; 0 — без ограничения
	Limit int
	// RetryErrors повторить записи, ранее завершившиеся ошибкой
	RetryErrors bool

	// ModelNormalization использовать LLM для нормализации записей
	ModelNormalization bool
	// Model имя модели LLM-провайдера
	Model string
	// APIKey ключ LLM-провайдера (из окружения)
	APIKey string
	// BaseURL адрес OpenAI-совместимого провайдера (пусто — по умолчанию)
	BaseURL string
	// LLMMinInterval минимальный интервал между запросами к провайдеру,
	// общий для всех воркеров
	LLMMinInterval time.Duration

	// FTSLimit размер выдачи полнотекстового поиска
	FTSLimit int
	// CacheSize размер кэша нормализации на воркера
	CacheSize int
}

// Default возвращает конфигурацию по умолчанию
func Default() Config {
	return Config{
		CheckpointPath:     "checkpoint.db",
		ExportPath:         "results.csv",
		Workers:            runtime.NumCPU(),
		BatchSize:          100,
		ModelNormalization: true,
		Model:              "gpt-4o-mini",
		LLMMinInterval:     200 * time.Millisecond,
		FTSLimit:           20,
		CacheSize:          4096,
	}
}

// ApplyEnv дочитывает конфигурацию из окружения. Без ключа провайдера
// модельная нормализация выключается.
func (c *Config) ApplyEnv() {
	c.APIKey = os.Getenv(APIKeyEnv)
	if c.APIKey == "" {
		c.ModelNormalization = false
	}
}

// Validate проверяет конфигурацию на фатальные ошибки
func (c *Config) Validate() error {
	if c.InputPath == "" {
		return fmt.Errorf("input path is required")
	}
	if c.RegistryDB == "" || c.PartitionsRoot == "" {
		return fmt.Errorf("registry database and partitions root are required")
	}
	if c.CheckpointPath == "" {
		return fmt.Errorf("checkpoint path is required")
	}
	if c.ExportPath == "" {
		return fmt.Errorf("export path is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Limit < 0 {
		return fmt.Errorf("limit must not be negative, got %d", c.Limit)
	}
	if c.ModelNormalization && c.APIKey == "" {
		return fmt.Errorf("model normalization requires %s", APIKeyEnv)
	}
	return nil
}

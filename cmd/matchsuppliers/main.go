package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"suppliermatch/internal/config"
	"suppliermatch/pipeline"
)

func main() {
	cfg := config.Default()

	flag.StringVar(&cfg.InputPath, "input", "", "входной файл поставщиков (.xlsx или .csv)")
	flag.StringVar(&cfg.RegistryDB, "registry-db", "registry/registry.db", "база реестра")
	flag.StringVar(&cfg.PartitionsRoot, "partitions", "registry/partitions", "корень партиций департаментов")
	flag.StringVar(&cfg.CheckpointPath, "checkpoint", cfg.CheckpointPath, "файл чекпоинта")
	flag.StringVar(&cfg.ExportPath, "export", cfg.ExportPath, "файл выгрузки (.csv или .xlsx)")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "число воркеров")
	flag.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "размер пакета фиксации")
	flag.IntVar(&cfg.Limit, "limit", 0, "ограничение числа записей за запуск (0 — без ограничения)")
	flag.BoolVar(&cfg.RetryErrors, "retry-errors", false, "повторить записи, завершившиеся ошибкой")
	noModel := flag.Bool("no-model", false, "выключить модельную нормализацию (только эвристика)")
	flag.StringVar(&cfg.Model, "model", cfg.Model, "модель LLM-провайдера")
	flag.StringVar(&cfg.BaseURL, "base-url", "", "адрес OpenAI-совместимого провайдера")
	interval := flag.Int("llm-interval-ms", int(cfg.LLMMinInterval/time.Millisecond), "минимальный интервал между запросами к провайдеру, мс")
	flag.IntVar(&cfg.FTSLimit, "fts-limit", cfg.FTSLimit, "размер выдачи полнотекстового поиска")
	flag.IntVar(&cfg.CacheSize, "cache-size", cfg.CacheSize, "размер кэша нормализации на воркера")
	flag.Parse()

	cfg.LLMMinInterval = time.Duration(*interval) * time.Millisecond
	cfg.ApplyEnv()
	if *noModel {
		cfg.ModelNormalization = false
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Ошибка конфигурации: %v", err)
	}
	if !cfg.ModelNormalization {
		log.Println("Модельная нормализация выключена, используется эвристика")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pipeline.New(cfg).Run(ctx); err != nil {
		log.Fatalf("Ошибка выполнения: %v", err)
	}
}

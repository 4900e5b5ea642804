package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"suppliermatch/ai"
	"suppliermatch/checkpoint"
	"suppliermatch/internal/config"
	"suppliermatch/loader"
	"suppliermatch/matcher"
	"suppliermatch/normalization"
	"suppliermatch/registry"
)

// Pipeline координатор параллельного сопоставления: раздает записи
// воркерам, единолично пишет в чекпоинт и выгружает результаты
// при любом завершении.
type Pipeline struct {
	cfg    config.Config
	logger *slog.Logger
}

// New создает координатор
func New(cfg config.Config) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		logger: slog.Default().With("component", "pipeline"),
	}
}

// worker один воркер со своими handle реестра, клиентом модели
// и кэшем нормализации
type worker struct {
	query    *registry.Query
	resolver *matcher.Resolver
}

// Run выполняет запуск сопоставления: пропускает уже обработанные записи,
// применяет ограничение к оставшимся, раздает работу воркерам и фиксирует
// результаты пакетами. Отмена контекста завершает запуск штатно:
// текущий пакет фиксируется, выгрузка выполняется, ошибки нет.
func (p *Pipeline) Run(ctx context.Context) error {
	runID := uuid.NewString()[:8]
	logger := p.logger.With("run_id", runID)

	store, err := checkpoint.Open(p.cfg.CheckpointPath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, total, err := p.collectWork(ctx, store)
	if err != nil {
		return err
	}
	logger.Info("run starting",
		"input", p.cfg.InputPath,
		"pending", len(records),
		"total", total,
		"workers", p.cfg.Workers,
		"model_normalization", p.cfg.ModelNormalization)

	if len(records) > 0 {
		if err := p.process(ctx, logger, store, records); err != nil {
			return err
		}
	}

	exportErr := checkpoint.NewExporter(store).Export(p.cfg.ExportPath)
	if exportErr != nil {
		return fmt.Errorf("export results: %w", exportErr)
	}
	logger.Info("run finished", "export", p.cfg.ExportPath, "cancelled", ctx.Err() != nil)
	return nil
}

// collectWork строит список записей запуска: сначала отбрасываются уже
// обработанные идентификаторы, затем применяется ограничение. Обратный
// порядок свел бы полезную работу повторного запуска к нулю.
func (p *Pipeline) collectWork(ctx context.Context, store *checkpoint.Store) ([]loader.RawRecord, int, error) {
	processed, err := store.ProcessedIDs(!p.cfg.RetryErrors)
	if err != nil {
		return nil, 0, err
	}

	ld, err := loader.Open(p.cfg.InputPath)
	if err != nil {
		return nil, 0, err
	}

	var records []loader.RawRecord
	seen := make(map[string]bool, len(processed))
	total := 0
	err = ld.Iterate(ctx, func(rec loader.RawRecord) error {
		total++
		id := rec.InputID()
		// Дубликаты идентификаторов считаются обработанными после первого
		if processed[id] || seen[id] {
			return nil
		}
		seen[id] = true
		records = append(records, rec)
		if p.cfg.Limit > 0 && len(records) >= p.cfg.Limit {
			return loader.ErrStopIteration
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("read input: %w", err)
	}
	return records, total, nil
}

// newWorkers открывает воркерам их собственные handle реестра и клиенты
// модели; соединения между воркерами не разделяются, общий только
// ограничитель частоты запросов к провайдеру
func (p *Pipeline) newWorkers() ([]worker, error) {
	var limiter *rate.Limiter
	if p.cfg.ModelNormalization && p.cfg.LLMMinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(p.cfg.LLMMinInterval), 1)
	}

	workers := make([]worker, 0, p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		q, err := registry.Open(p.cfg.RegistryDB, p.cfg.PartitionsRoot)
		if err != nil {
			for _, w := range workers {
				w.query.Close()
			}
			return nil, fmt.Errorf("open registry handle: %w", err)
		}

		var model ai.Client
		if p.cfg.ModelNormalization {
			model = ai.NewOpenAIClient(ai.ClientOptions{
				APIKey:  p.cfg.APIKey,
				Model:   p.cfg.Model,
				BaseURL: p.cfg.BaseURL,
				Limiter: limiter,
			})
		}
		normalizer := normalization.New(model, p.cfg.CacheSize)
		workers = append(workers, worker{
			query:    q,
			resolver: matcher.NewResolver(q, normalizer, model, p.cfg.FTSLimit),
		})
	}
	return workers, nil
}

func (p *Pipeline) process(ctx context.Context, logger *slog.Logger, store *checkpoint.Store, records []loader.RawRecord) error {
	workers, err := p.newWorkers()
	if err != nil {
		return err
	}

	jobs := make(chan loader.RawRecord)
	results := make(chan matcher.MatchResult, p.cfg.Workers)

	// Раздача прекращается при отмене; воркеры дорабатывают текущую запись
	go func() {
		defer close(jobs)
		for _, rec := range records {
			select {
			case jobs <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w worker) {
			defer wg.Done()
			defer w.query.Close()
			for rec := range jobs {
				result := w.resolver.Resolve(ctx, rec)
				// Запись, прерванную отменой, нельзя фиксировать как ошибку
				if ctx.Err() != nil {
					return
				}
				select {
				case results <- result:
				case <-ctx.Done():
					return
				}
			}
		}(w)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	start := time.Now()
	done := 0
	methods := make(map[matcher.Method]int)
	for result := range results {
		if err := store.Upsert(result); err != nil {
			return err
		}
		done++
		methods[result.Method]++
		if done%p.cfg.BatchSize == 0 {
			if err := store.Commit(); err != nil {
				return err
			}
			logProgress(logger, start, done, len(records))
		}
	}

	if err := store.Commit(); err != nil {
		return err
	}
	logProgress(logger, start, done, len(records))
	logger.Info("methods",
		"direct", methods[matcher.MethodDirectID],
		"strict_local", methods[matcher.MethodStrictLocal],
		"calculated", methods[matcher.MethodCalculated],
		"arbiter", methods[matcher.MethodArbiter],
		"not_found", methods[matcher.MethodNotFound],
		"errors", methods[matcher.MethodError])
	return nil
}

// logProgress отчет на границе пакета: скорость и остаток времени
func logProgress(logger *slog.Logger, start time.Time, done, total int) {
	elapsed := time.Since(start)
	if done == 0 || elapsed <= 0 {
		return
	}
	perSecond := float64(done) / elapsed.Seconds()
	eta := time.Duration(float64(total-done)/perSecond) * time.Second
	logger.Info("progress",
		"processed", done,
		"total", total,
		"rate_per_s", fmt.Sprintf("%.1f", perSecond),
		"eta", eta.Round(time.Second).String())
}

package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"suppliermatch/matcher"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS results (
	input_id TEXT PRIMARY KEY,
	resolved_siret TEXT,
	official_name TEXT,
	confidence_score REAL NOT NULL DEFAULT 0,
	match_method TEXT NOT NULL,
	alternatives_json TEXT NOT NULL DEFAULT '[]',
	error TEXT,
	updated_at_epoch INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_error ON results (error);
`

// Store долговременное хранилище результатов, ключ — идентификатор входной
// записи. Пишет один координатор; Upsert накапливает строки в открытой
// транзакции, Commit атомарно фиксирует пакет. Чтения идут вне транзакции
// и видят только зафиксированное.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	tx      *sql.Tx
	pending int
}

// Open открывает хранилище по указанному пути. Если путь не доступен для
// записи (например, каталог синхронизируется и держит блокировки), хранилище
// переезжает во временный каталог, подстановка логируется один раз.
func Open(path string) (*Store, error) {
	logger := slog.Default().With("component", "checkpoint")

	resolved, err := ensureWritable(path)
	if err != nil {
		return nil, err
	}
	if resolved != path {
		logger.Warn("checkpoint path is not writable, using temp directory",
			"requested", path, "actual", resolved)
	}

	db, err := sql.Open("sqlite3", "file:"+resolved+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	// Пакетная транзакция держит свое соединение; читатели (processed_ids,
	// экспорт) ходят по отдельным и видят только зафиксированное (WAL)
	db.SetMaxOpenConns(4)

	if err := withBusyRetry(func() error {
		_, execErr := db.Exec(storeSchema)
		return execErr
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}

	return &Store{db: db, path: resolved, logger: logger}, nil
}

// ensureWritable проверяет путь пробной записью; при неудаче возвращает
// путь во временном каталоге
func ensureWritable(path string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
		probe, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err == nil {
			probe.Close()
			return path, nil
		}
	}

	fallback := filepath.Join(os.TempDir(), filepath.Base(path))
	probe, err := os.OpenFile(fallback, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("checkpoint path %s and temp fallback %s are both unwritable: %w", path, fallback, err)
	}
	probe.Close()
	return fallback, nil
}

// Path возвращает фактический путь хранилища (после возможной подстановки)
func (s *Store) Path() string {
	return s.path
}

// Upsert добавляет результат в текущий пакет. Повторная запись того же
// идентификатора перезаписывает строку. Строка становится долговечной
// только после Commit.
func (s *Store) Upsert(result matcher.MatchResult) error {
	alternatives, err := json.Marshal(nonNil(result.Alternatives))
	if err != nil {
		return fmt.Errorf("encode alternatives for %s: %w", result.InputID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin checkpoint batch: %w", err)
		}
		s.tx = tx
	}

	err = withBusyRetry(func() error {
		_, execErr := s.tx.Exec(`
			INSERT INTO results (input_id, resolved_siret, official_name, confidence_score, match_method, alternatives_json, error, updated_at_epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (input_id) DO UPDATE SET
				resolved_siret = excluded.resolved_siret,
				official_name = excluded.official_name,
				confidence_score = excluded.confidence_score,
				match_method = excluded.match_method,
				alternatives_json = excluded.alternatives_json,
				error = excluded.error,
				updated_at_epoch = excluded.updated_at_epoch`,
			result.InputID, nullIfEmpty(result.Siret), nullIfEmpty(result.OfficialName),
			result.Confidence, string(result.Method), string(alternatives),
			nullIfEmpty(result.Error), time.Now().Unix())
		return execErr
	})
	if err != nil {
		return fmt.Errorf("upsert result %s: %w", result.InputID, err)
	}
	s.pending++
	return nil
}

// Commit атомарно фиксирует накопленный пакет. Пустой пакет — no-op.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	err := withBusyRetry(s.tx.Commit)
	s.tx = nil
	s.pending = 0
	if err != nil {
		return fmt.Errorf("commit checkpoint batch: %w", err)
	}
	return nil
}

// Pending возвращает число строк в незафиксированном пакете
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// ProcessedIDs возвращает множество уже обработанных идентификаторов.
// includeErrors=true учитывает и ошибочные строки (обычное возобновление
// пропускает все ранее обработанное); includeErrors=false исключает строки
// с методом ERROR, так что режим повтора ошибок прогоняет их заново.
func (s *Store) ProcessedIDs(includeErrors bool) (map[string]bool, error) {
	query := `SELECT input_id FROM results`
	if !includeErrors {
		// Индекс idx_results_error; у ошибочных строк error не NULL
		query += ` WHERE error IS NULL`
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("read processed ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan processed id: %w", err)
		}
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read processed ids: %w", err)
	}
	return ids, nil
}

// Row зафиксированная строка хранилища
type Row struct {
	InputID      string
	Siret        string
	OfficialName string
	Confidence   float64
	Method       string
	Alternatives []string
	Error        string
	UpdatedAt    int64
}

// ForEach обходит зафиксированные строки в порядке идентификаторов.
// Экспорт может идти параллельно с обработкой: видны только
// зафиксированные пакеты.
func (s *Store) ForEach(fn func(Row) error) error {
	rows, err := s.db.Query(`
		SELECT input_id, resolved_siret, official_name, confidence_score, match_method, alternatives_json, error, updated_at_epoch
		FROM results ORDER BY input_id`)
	if err != nil {
		return fmt.Errorf("read checkpoint rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r            Row
			siret        sql.NullString
			name         sql.NullString
			alternatives string
			errText      sql.NullString
		)
		if err := rows.Scan(&r.InputID, &siret, &name, &r.Confidence, &r.Method, &alternatives, &errText, &r.UpdatedAt); err != nil {
			return fmt.Errorf("scan checkpoint row: %w", err)
		}
		r.Siret = siret.String
		r.OfficialName = name.String
		r.Error = errText.String
		if err := json.Unmarshal([]byte(alternatives), &r.Alternatives); err != nil {
			return fmt.Errorf("decode alternatives for %s: %w", r.InputID, err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count возвращает число зафиксированных строк
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT count(*) FROM results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count checkpoint rows: %w", err)
	}
	return n, nil
}

// Close откатывает незафиксированный пакет и закрывает хранилище
func (s *Store) Close() error {
	s.mu.Lock()
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	s.mu.Unlock()
	return s.db.Close()
}

// withBusyRetry повторяет операцию при блокировке файла хранилища
func withBusyRetry(fn func() error) error {
	delay := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 6; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		lastErr = fn()
		if lastErr == nil || !isBusy(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

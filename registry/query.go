package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"suppliermatch/normalization/algorithms"
)

// strictNameDistance максимальное расстояние Левенштейна между официальным
// названием и очищенным именем при строгом локальном поиске
const strictNameDistance = 3

// DefaultFTSLimit размер выдачи полнотекстового поиска по умолчанию
const DefaultFTSLimit = 20

// Полнотекстовый индекс реестра использует FTS5: сборка требует
// тега sqlite_fts5 (go build -tags sqlite_fts5).

// Query типизированный фасад над колоночным хранилищем реестра.
// Каждый воркер открывает собственный handle: соединение sqlite и читатели
// партиций между потоками не разделяются. Все операции только читают.
type Query struct {
	db             *sql.DB
	partitionsRoot string
	lev            *algorithms.Levenshtein
}

// Open открывает handle реестра только для чтения.
// Отсутствие базы или каталога партиций — фатальная ошибка конфигурации.
func Open(dbPath, partitionsRoot string) (*Query, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("registry database: %w", err)
	}
	if info, err := os.Stat(partitionsRoot); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("registry partitions root %s: not a directory", partitionsRoot)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	// Handle не разделяется между воркерами, пул не нужен
	db.SetMaxOpenConns(1)

	var n int
	err = db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name IN ('etablissement', 'unite_legale_active', 'unite_legale_fts')`).Scan(&n)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("inspect registry schema: %w", err)
	}
	if n < 3 {
		db.Close()
		return nil, fmt.Errorf("registry database %s is missing required tables (found %d of 3), rebuild it", dbPath, n)
	}

	return &Query{
		db:             db,
		partitionsRoot: partitionsRoot,
		lev:            algorithms.NewLevenshtein(),
	}, nil
}

// Close освобождает handle
func (q *Query) Close() error {
	return q.db.Close()
}

// DirectLookup ищет действующее заведение по точному SIRET.
// Возвращает nil без ошибки, если заведение не найдено или закрыто.
func (q *Query) DirectLookup(ctx context.Context, siret string) (*Candidate, error) {
	if err := ValidateSiret(siret); err != nil {
		return nil, err
	}

	var c Candidate
	err := q.withRetry(ctx, func() error {
		row := q.db.QueryRowContext(ctx, `
			SELECT e.siret, e.siren, u.denomination, e.city, e.address, e.is_siege
			FROM etablissement e
			JOIN unite_legale_active u ON u.siren = e.siren
			WHERE e.etat = ? AND e.siret = ?
			LIMIT 1`, ActiveState, siret)
		var isSiege int
		if err := row.Scan(&c.Siret, &c.Siren, &c.OfficialName, &c.City, &c.Address, &isSiege); err != nil {
			return err
		}
		c.IsHeadOffice = isSiege != 0
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("direct lookup %s: %w", siret, err)
	}
	return &c, nil
}

// StrictLocalLookup ищет в партиции департамента (префикс индекса) заведения
// с точным совпадением индекса и расстоянием Левенштейна между официальным
// названием и очищенным именем не больше 3. Партиции построены только из
// действующих заведений, предикат активности здесь не нужен.
func (q *Query) StrictLocalLookup(ctx context.Context, postal, cleanName string) ([]Candidate, error) {
	if len(postal) < 2 {
		return nil, fmt.Errorf("%w: postal %q is too short for a department prefix", ErrMalformedID, postal)
	}
	dept := postal[:2]

	var hits []Candidate
	err := q.scanPartition(ctx, dept, func(row partitionRow) bool {
		if row.Postal != postal {
			return true
		}
		if q.lev.Distance(row.OfficialName, cleanName) > strictNameDistance {
			return true
		}
		hits = append(hits, row.candidate())
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("strict local lookup dept=%s: %w", dept, err)
	}
	return hits, nil
}

// FTSCandidates выполняет полнотекстовый поиск по названиям действующих
// юридических лиц, выдача ранжирована релевантностью индекса (bm25)
func (q *Query) FTSCandidates(ctx context.Context, searchToken string, limit int) ([]FTSHit, error) {
	if limit <= 0 {
		limit = DefaultFTSLimit
	}
	match := ftsQuote(searchToken)
	if match == `""` {
		return nil, nil
	}

	var hits []FTSHit
	err := q.withRetry(ctx, func() error {
		hits = hits[:0]
		rows, err := q.db.QueryContext(ctx, `
			SELECT siren, denomination, bm25(unite_legale_fts) AS score
			FROM unite_legale_fts
			WHERE unite_legale_fts MATCH ?
			ORDER BY score
			LIMIT ?`, match, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var h FTSHit
			if err := rows.Scan(&h.Siren, &h.OfficialName, &h.Score); err != nil {
				return err
			}
			hits = append(hits, h)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("fts search %q: %w", searchToken, err)
	}
	return hits, nil
}

// FetchEstablishments возвращает действующие заведения перечисленных
// юридических лиц. Для области департамента читается партиция (уже
// отфильтрованная по активности); для всего реестра — общий файл заведений
// с обязательным переутверждением предиката активности в запросе.
func (q *Query) FetchEstablishments(ctx context.Context, sirens []string, scope Scope) ([]Candidate, error) {
	if len(sirens) == 0 {
		return nil, nil
	}

	if !scope.Nationwide() {
		wanted := make(map[string]bool, len(sirens))
		for _, s := range sirens {
			wanted[s] = true
		}
		var found []Candidate
		err := q.scanPartition(ctx, scope.Department(), func(row partitionRow) bool {
			if wanted[row.Siren] {
				found = append(found, row.candidate())
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("fetch establishments %s: %w", scope, err)
		}
		return found, nil
	}

	placeholders := strings.Repeat("?,", len(sirens))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(sirens)+1)
	args = append(args, ActiveState)
	for _, s := range sirens {
		args = append(args, s)
	}

	var found []Candidate
	err := q.withRetry(ctx, func() error {
		found = found[:0]
		rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT e.siret, e.siren, u.denomination, e.city, e.address, e.is_siege
			FROM etablissement e
			JOIN unite_legale_active u ON u.siren = e.siren
			WHERE e.etat = ? AND e.siren IN (%s)`, placeholders), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c Candidate
			var isSiege int
			if err := rows.Scan(&c.Siret, &c.Siren, &c.OfficialName, &c.City, &c.Address, &isSiege); err != nil {
				return err
			}
			c.IsHeadOffice = isSiege != 0
			found = append(found, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("fetch establishments nationwide: %w", err)
	}
	return found, nil
}

// ftsQuote оборачивает токен в кавычки, чтобы спецсимволы FTS5
// не интерпретировались как операторы запроса
func ftsQuote(token string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(token), `"`, `""`) + `"`
}

// withRetry повторяет переходную ошибку чтения до трех раз
// с экспоненциальной паузой
func (q *Query) withRetry(ctx context.Context, fn func() error) error {
	delay := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		lastErr = fn()
		if lastErr == nil || !isTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// isTransient распознает ошибки, которые имеет смысл повторять:
// блокировки sqlite и сбои ввода-вывода
func isTransient(err error) bool {
	if err == nil || errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "i/o error") ||
		strings.Contains(msg, "disk")
}

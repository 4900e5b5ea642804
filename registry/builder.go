package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"suppliermatch/normalization"
)

// Establishment входная строка национального файла заведений
// для построения реестра
type Establishment struct {
	Siret   string
	Siren   string
	Postal  string
	City    string
	Address string
	Etat    string
	IsSiege bool
}

const registrySchema = `
CREATE TABLE unite_legale_active (
	siren TEXT PRIMARY KEY,
	denomination TEXT NOT NULL
);
CREATE TABLE etablissement (
	siret TEXT PRIMARY KEY,
	siren TEXT NOT NULL,
	postal TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	is_siege INTEGER NOT NULL DEFAULT 0,
	etat TEXT NOT NULL
);
CREATE VIRTUAL TABLE unite_legale_fts USING fts5(denomination, siren UNINDEXED);
CREATE TABLE meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Builder строит реестр в два прохода: сначала юридические лица,
// затем заведения. Finalize создает индексы, партиции департаментов
// и таблицу meta. Экземпляр одноразовый и не потокобезопасный.
type Builder struct {
	db             *sql.DB
	tx             *sql.Tx
	partitionsRoot string

	insertUnit *sql.Stmt
	insertFTS  *sql.Stmt
	insertEst  *sql.Stmt

	units          int64
	establishments int64
}

// NewBuilder создает пустой реестр, перезаписывая существующую базу.
// Каталог партиций очищается при Finalize, не здесь.
func NewBuilder(dbPath, partitionsRoot string) (*Builder, error) {
	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove previous registry database: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_journal_mode=OFF&_synchronous=OFF")
	if err != nil {
		return nil, fmt.Errorf("create registry database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create registry schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("begin load transaction: %w", err)
	}

	b := &Builder{db: db, tx: tx, partitionsRoot: partitionsRoot}
	if b.insertUnit, err = tx.Prepare(`INSERT OR REPLACE INTO unite_legale_active (siren, denomination) VALUES (?, ?)`); err != nil {
		b.abort()
		return nil, fmt.Errorf("prepare unit insert: %w", err)
	}
	if b.insertFTS, err = tx.Prepare(`INSERT INTO unite_legale_fts (denomination, siren) VALUES (?, ?)`); err != nil {
		b.abort()
		return nil, fmt.Errorf("prepare fts insert: %w", err)
	}
	if b.insertEst, err = tx.Prepare(`INSERT OR REPLACE INTO etablissement (siret, siren, postal, city, address, is_siege, etat) VALUES (?, ?, ?, ?, ?, ?, ?)`); err != nil {
		b.abort()
		return nil, fmt.Errorf("prepare establishment insert: %w", err)
	}
	return b, nil
}

// AddLegalUnit добавляет юридическое лицо. Недействующие лица и лица
// без названия отбрасываются: их заведения никогда не станут кандидатами.
func (b *Builder) AddLegalUnit(siren, denomination, etat string) error {
	if etat != ActiveState {
		return nil
	}
	name := normalization.FoldText(denomination)
	if name == "" {
		return nil
	}
	if _, err := b.insertUnit.Exec(siren, name); err != nil {
		return fmt.Errorf("insert legal unit %s: %w", siren, err)
	}
	if _, err := b.insertFTS.Exec(name, siren); err != nil {
		return fmt.Errorf("index legal unit %s: %w", siren, err)
	}
	b.units++
	return nil
}

// AddEstablishment добавляет заведение. Национальный файл грузится целиком,
// включая закрытые заведения: предикат активности утверждается на чтении.
func (b *Builder) AddEstablishment(e Establishment) error {
	isSiege := 0
	if e.IsSiege {
		isSiege = 1
	}
	_, err := b.insertEst.Exec(e.Siret, e.Siren, e.Postal,
		normalization.FoldText(e.City), normalization.FoldText(e.Address), isSiege, e.Etat)
	if err != nil {
		return fmt.Errorf("insert establishment %s: %w", e.Siret, err)
	}
	b.establishments++
	return nil
}

// ComposeAddress склеивает непустые части адреса (номер, тип и название
// улицы, дополнение) в одну строку
func ComposeAddress(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// Finalize фиксирует загрузку, строит индексы и записывает партиции
// департаментов из действующих заведений действующих юридических лиц
func (b *Builder) Finalize(ctx context.Context) error {
	if b.tx == nil {
		return fmt.Errorf("registry builder already finalized")
	}
	b.closeStmts()
	if err := b.tx.Commit(); err != nil {
		b.tx = nil
		return fmt.Errorf("commit registry load: %w", err)
	}
	b.tx = nil

	if _, err := b.db.ExecContext(ctx, `CREATE INDEX idx_etablissement_siren ON etablissement (siren)`); err != nil {
		return fmt.Errorf("index establishments: %w", err)
	}

	if err := b.writePartitions(ctx); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for key, value := range map[string]string{
		"built_at":       now,
		"units":          fmt.Sprintf("%d", b.units),
		"establishments": fmt.Sprintf("%d", b.establishments),
	} {
		if _, err := b.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("write registry meta: %w", err)
		}
	}
	return nil
}

// writePartitions выгружает действующие заведения в parquet-файлы по
// департаментам. Выборка упорядочена по индексу, писатель открывается
// один раз на департамент.
func (b *Builder) writePartitions(ctx context.Context) error {
	if err := os.RemoveAll(b.partitionsRoot); err != nil {
		return fmt.Errorf("clear partitions root: %w", err)
	}
	if err := os.MkdirAll(b.partitionsRoot, 0o755); err != nil {
		return fmt.Errorf("create partitions root: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT e.siret, e.siren, u.denomination, e.postal, e.city, e.address, e.is_siege
		FROM etablissement e
		JOIN unite_legale_active u ON u.siren = e.siren
		WHERE e.etat = ? AND length(e.postal) >= 2
		ORDER BY e.postal, e.siret`, ActiveState)
	if err != nil {
		return fmt.Errorf("select active establishments: %w", err)
	}
	defer rows.Close()

	var (
		current string
		file    *os.File
		writer  *parquet.GenericWriter[partitionRow]
	)
	closeCurrent := func() error {
		if writer == nil {
			return nil
		}
		if err := writer.Close(); err != nil {
			file.Close()
			return fmt.Errorf("close partition dept=%s: %w", current, err)
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("close partition file dept=%s: %w", current, err)
		}
		writer = nil
		file = nil
		return nil
	}

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			closeCurrent()
			return err
		}
		var row partitionRow
		var isSiege int
		if err := rows.Scan(&row.Siret, &row.Siren, &row.OfficialName, &row.Postal, &row.City, &row.Address, &isSiege); err != nil {
			closeCurrent()
			return fmt.Errorf("scan establishment: %w", err)
		}
		row.IsSiege = isSiege != 0

		dept := row.Postal[:2]
		if dept != current {
			if err := closeCurrent(); err != nil {
				return err
			}
			current = dept
			dir := partitionDir(b.partitionsRoot, dept)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create partition dept=%s: %w", dept, err)
			}
			file, err = os.Create(filepath.Join(dir, "part-00000.parquet"))
			if err != nil {
				return fmt.Errorf("create partition file dept=%s: %w", dept, err)
			}
			writer = parquet.NewGenericWriter[partitionRow](file, parquet.Compression(&parquet.Snappy))
		}
		if _, err := writer.Write([]partitionRow{row}); err != nil {
			closeCurrent()
			return fmt.Errorf("write partition dept=%s: %w", dept, err)
		}
	}
	if err := closeCurrent(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate establishments: %w", err)
	}
	return nil
}

// Close освобождает ресурсы; незавершенная загрузка откатывается
func (b *Builder) Close() error {
	b.abort()
	return b.db.Close()
}

func (b *Builder) abort() {
	b.closeStmts()
	if b.tx != nil {
		b.tx.Rollback()
		b.tx = nil
	}
}

func (b *Builder) closeStmts() {
	for _, stmt := range []*sql.Stmt{b.insertUnit, b.insertFTS, b.insertEst} {
		if stmt != nil {
			stmt.Close()
		}
	}
	b.insertUnit, b.insertFTS, b.insertEst = nil, nil, nil
}

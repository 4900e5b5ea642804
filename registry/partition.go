package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"
)

// partitionRow строка партиционного файла заведений.
// Партиции строятся только из действующих заведений с уже склеенным
// адресом и денормализованным официальным названием.
type partitionRow struct {
	Siret        string `parquet:"siret"`
	Siren        string `parquet:"siren"`
	OfficialName string `parquet:"official_name"`
	Postal       string `parquet:"postal"`
	City         string `parquet:"city"`
	Address      string `parquet:"address"`
	IsSiege      bool   `parquet:"is_siege"`
}

func (r partitionRow) candidate() Candidate {
	return Candidate{
		Siret:        r.Siret,
		Siren:        r.Siren,
		OfficialName: r.OfficialName,
		City:         r.City,
		Address:      r.Address,
		IsHeadOffice: r.IsSiege,
	}
}

// partitionDir каталог партиции департамента под корнем партиций
func partitionDir(root, dept string) string {
	return filepath.Join(root, "dept="+dept)
}

// scanPartition читает все parquet-файлы партиции департамента потоково,
// вызывая fn для каждой строки. Возврат false из fn останавливает обход.
func (q *Query) scanPartition(ctx context.Context, dept string, fn func(partitionRow) bool) error {
	dir := partitionDir(q.partitionsRoot, dept)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: dept=%s", ErrMissingPartition, dept)
		}
		return fmt.Errorf("stat partition dept=%s: %w", dept, err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		return fmt.Errorf("glob partition dept=%s: %w", dept, err)
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: dept=%s has no parquet files", ErrMissingPartition, dept)
	}
	sort.Strings(files)

	for _, file := range files {
		stop, err := scanPartitionFile(ctx, file, fn)
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(file), err)
		}
		if stop {
			return nil
		}
	}
	return nil
}

func scanPartitionFile(ctx context.Context, path string, fn func(partitionRow) bool) (stop bool, err error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return false, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[partitionRow](f)
	defer reader.Close()

	buf := make([]partitionRow, 512)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		n, readErr := reader.Read(buf)
		for i := 0; i < n; i++ {
			if !fn(buf[i]) {
				return true, nil
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return false, nil
			}
			return false, fmt.Errorf("read rows: %w", readErr)
		}
	}
}

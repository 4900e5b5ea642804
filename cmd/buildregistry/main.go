package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/parquet-go/parquet-go"

	"suppliermatch/registry"
)

// Строки официальных stock-файлов (колонки SIRENE).
// Лишние колонки файла игнорируются при чтении.
type legalUnitRow struct {
	Siren        string `parquet:"siren"`
	Etat         string `parquet:"etatAdministratifUniteLegale"`
	Denomination string `parquet:"denominationUniteLegale"`
}

type establishmentRow struct {
	Siret        string `parquet:"siret"`
	Siren        string `parquet:"siren"`
	Etat         string `parquet:"etatAdministratifEtablissement"`
	Postal       string `parquet:"codePostalEtablissement"`
	City         string `parquet:"libelleCommuneEtablissement"`
	StreetNumber string `parquet:"numeroVoieEtablissement"`
	StreetType   string `parquet:"typeVoieEtablissement"`
	StreetName   string `parquet:"libelleVoieEtablissement"`
	Complement   string `parquet:"complementAdresseEtablissement"`
	IsSiege      string `parquet:"etablissementSiege"`
}

func main() {
	legalUnits := flag.String("legal-units", "", "parquet-файл юридических лиц (StockUniteLegale)")
	establishments := flag.String("establishments", "", "parquet-файл заведений (StockEtablissement)")
	dbPath := flag.String("db", "registry/registry.db", "путь создаваемой базы реестра")
	partitionsRoot := flag.String("partitions", "registry/partitions", "корень создаваемых партиций")
	flag.Parse()

	if *legalUnits == "" || *establishments == "" {
		log.Fatal("Укажите -legal-units и -establishments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	b, err := registry.NewBuilder(*dbPath, *partitionsRoot)
	if err != nil {
		log.Fatalf("Ошибка создания реестра: %v", err)
	}
	defer b.Close()

	log.Printf("Загрузка юридических лиц из %s...", *legalUnits)
	units := 0
	err = scanParquet(ctx, *legalUnits, func(row legalUnitRow) error {
		units++
		if units%1_000_000 == 0 {
			log.Printf("  юридических лиц прочитано: %d", units)
		}
		return b.AddLegalUnit(row.Siren, row.Denomination, row.Etat)
	})
	if err != nil {
		log.Fatalf("Ошибка загрузки юридических лиц: %v", err)
	}

	log.Printf("Загрузка заведений из %s...", *establishments)
	count := 0
	err = scanParquet(ctx, *establishments, func(row establishmentRow) error {
		count++
		if count%1_000_000 == 0 {
			log.Printf("  заведений прочитано: %d", count)
		}
		return b.AddEstablishment(registry.Establishment{
			Siret:   strings.TrimSpace(row.Siret),
			Siren:   strings.TrimSpace(row.Siren),
			Postal:  strings.TrimSpace(row.Postal),
			City:    row.City,
			Address: registry.ComposeAddress(row.StreetNumber, row.StreetType, row.StreetName, row.Complement),
			Etat:    row.Etat,
			IsSiege: strings.EqualFold(strings.TrimSpace(row.IsSiege), "true"),
		})
	})
	if err != nil {
		log.Fatalf("Ошибка загрузки заведений: %v", err)
	}

	log.Println("Построение индексов и партиций...")
	if err := b.Finalize(ctx); err != nil {
		log.Fatalf("Ошибка финализации реестра: %v", err)
	}
	log.Printf("Реестр построен за %s: %d юридических лиц, %d заведений",
		time.Since(start).Round(time.Second), units, count)
}

// scanParquet потоково читает parquet-файл, вызывая fn для каждой строки
func scanParquet[T any](ctx context.Context, path string, fn func(T) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	buf := make([]T, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := reader.Read(buf)
		for i := 0; i < n; i++ {
			if err := fn(buf[i]); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read %s: %w", path, readErr)
		}
	}
}

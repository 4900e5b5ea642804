package loader

import (
	"regexp"
	"strconv"
	"strings"
)

// RawRecord сырая запись поставщика из входного файла.
// Имена полей не фиксированы: доступ к значениям идет через таблицу алиасов,
// регистр имени поля не учитывается.
type RawRecord struct {
	// Index порядковый номер строки во входном файле (стабильный между запусками)
	Index int
	// Fields значения ячеек строки по имени колонки
	Fields map[string]string
}

// Таблица алиасов полей входного файла (первое совпадение выигрывает)
var (
	aliasesIdentifier = []string{"Auxiliaire", "Code tiers", "index"}
	aliasesName       = []string{"Nom", "Name", "Company Name", "Raison Sociale"}
	aliasesSiret      = []string{"Code SIRET"}
	aliasesSiren      = []string{"Code SIREN"}
	aliasesNIF        = []string{"Code NIF"}
	aliasesPostal     = []string{"Postal", "Code Postal", "CP", "ZIP"}
	aliasesCity       = []string{"Ville", "City", "Commune"}
	aliasesAddress    = []string{"Adresse 1", "Adresse 2", "Adresse 3"}
)

// Get возвращает первое непустое значение среди перечисленных алиасов.
// Имена колонок сравниваются без учета регистра.
func (r RawRecord) Get(aliases ...string) string {
	for _, alias := range aliases {
		for name, value := range r.Fields {
			if strings.EqualFold(strings.TrimSpace(name), alias) {
				if v := strings.TrimSpace(value); v != "" {
					return v
				}
			}
		}
	}
	return ""
}

// InputID идентификатор записи для чекпоинта: первый непустой из
// Auxiliaire / Code tiers, иначе порядковый номер строки.
func (r RawRecord) InputID() string {
	if id := r.Get(aliasesIdentifier...); id != "" {
		return id
	}
	return strconv.Itoa(r.Index)
}

// Name возвращает название компании как есть
func (r RawRecord) Name() string {
	return r.Get(aliasesName...)
}

// SiretRaw возвращает сырое значение колонки SIRET (может содержать мусор)
func (r RawRecord) SiretRaw() string {
	return r.Get(aliasesSiret...)
}

// SirenRaw возвращает сырое значение колонки SIREN
func (r RawRecord) SirenRaw() string {
	return r.Get(aliasesSiren...)
}

// NIF возвращает НДС-подобный идентификатор (не используется для прямого поиска)
func (r RawRecord) NIF() string {
	return r.Get(aliasesNIF...)
}

// Postal возвращает сырое значение почтового индекса
func (r RawRecord) Postal() string {
	return r.Get(aliasesPostal...)
}

// City возвращает сырое значение города
func (r RawRecord) City() string {
	return r.Get(aliasesCity...)
}

// AddressLines возвращает непустые адресные строки в исходном порядке
func (r RawRecord) AddressLines() []string {
	var lines []string
	for _, alias := range aliasesAddress {
		if v := r.Get(alias); v != "" {
			lines = append(lines, v)
		}
	}
	return lines
}

var nonDigits = regexp.MustCompile(`\D+`)

// DigitsOnly убирает из строки все символы кроме цифр
func DigitsOnly(s string) string {
	return nonDigits.ReplaceAllString(s, "")
}

// ExtractSiret извлекает синтаксически корректный 14-значный SIRET.
// Excel часто превращает длинные идентификаторы в числа и съедает ведущие
// нули, поэтому чисто цифровое значение из 10-13 знаков дополняется нулями
// слева. Ровно 9 цифр — это SIREN, а не SIRET: такое значение отклоняется,
// SIRET из него не синтезируется.
func ExtractSiret(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	digits := DigitsOnly(trimmed)
	switch {
	case len(digits) == 14:
		return digits
	case len(digits) >= 10 && len(digits) <= 13 && digits == trimmed:
		return strings.Repeat("0", 14-len(digits)) + digits
	default:
		return ""
	}
}

var nifSirenPattern = regexp.MustCompile(`^FR\d{2}(\d{9})$`)

// ExtractSirenFromNIF извлекает SIREN из французского НДС-номера (FRkk + 9 цифр).
// Результат идет только в отладочную информацию: формат NIF не находится
// во взаимно-однозначном соответствии с SIRET.
func ExtractSirenFromNIF(raw string) string {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), " ", ""))
	if m := nifSirenPattern.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if strings.HasPrefix(s, "FR") {
		digits := DigitsOnly(s)
		if len(digits) >= 9 {
			return digits[len(digits)-9:]
		}
	}
	return ""
}

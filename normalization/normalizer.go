package normalization

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"suppliermatch/ai"
	"suppliermatch/loader"
)

// CleanedRecord каноническая форма записи поставщика.
// Пустая строка означает отсутствие значения.
type CleanedRecord struct {
	// CleanName название в верхнем регистре, без юридических суффиксов,
	// с исправленными опечатками (на модельном пути)
	CleanName string
	// SearchToken самый различительный токен названия для полнотекстового поиска
	SearchToken string
	// CleanPostal пятизначный почтовый индекс или пустая строка
	CleanPostal string
	// CleanCity город в верхнем регистре или пустая строка
	CleanCity string
}

// Юридические суффиксы, удаляемые из названий на границах токенов
var legalSuffixes = map[string]bool{
	"SASU": true, "SAS": true, "SARL": true, "EURL": true, "SA": true,
	"SCI": true, "SNC": true, "SC": true, "SCA": true, "SCOP": true,
	"SELARL": true, "SELAFA": true, "SCP": true, "GIE": true,
	"ASSOCIATION": true, "STE": true, "ETS": true,
}

// Родовые слова, которые не годятся в качестве поискового токена
var genericTokens = map[string]bool{
	"MARKET": true, "FRANCE": true, "GROUPE": true, "GROUP": true,
	"DISTRIBUTION": true, "SERVICES": true, "SERVICE": true,
	"SOCIETE": true, "COMPAGNIE": true, "ENTREPRISE": true,
	"INTERNATIONAL": true, "EUROPE": true, "NORD": true, "SUD": true,
	"EST": true, "OUEST": true,
}

var (
	postalPattern    = regexp.MustCompile(`\b(\d{5})\b`)
	fourDigitPattern = regexp.MustCompile(`^\d{4}$`)
	spacesPattern    = regexp.MustCompile(`\s+`)
)

// Normalizer приводит сырую запись к канонической форме.
// Основной путь идет через LLM-адаптер; при любой его ошибке происходит
// деградация на детерминированную эвристику. Normalize никогда не падает.
type Normalizer struct {
	model        ai.Client
	cache        *cleanCache
	logger       *slog.Logger
	fallbackOnce sync.Once
}

// New создает нормализатор. model может быть nil: тогда всегда
// используется эвристический путь.
func New(model ai.Client, cacheSize int) *Normalizer {
	return &Normalizer{
		model:  model,
		cache:  newCleanCache(cacheSize),
		logger: slog.Default().With("component", "normalizer"),
	}
}

// Normalize приводит запись к канонической форме. Результат кэшируется
// по ключу (имя, первая адресная строка, индекс, город).
func (n *Normalizer) Normalize(ctx context.Context, rec loader.RawRecord) CleanedRecord {
	key := cacheKey(rec)
	if cached, ok := n.cache.Get(key); ok {
		return cached
	}

	cleaned := n.normalize(ctx, rec)
	n.cache.Put(key, cleaned)
	return cleaned
}

// CacheStats возвращает статистику кэша нормализации
func (n *Normalizer) CacheStats() CacheStats {
	return n.cache.Stats()
}

func cacheKey(rec loader.RawRecord) string {
	first := ""
	if lines := rec.AddressLines(); len(lines) > 0 {
		first = lines[0]
	}
	return rec.Name() + "|" + first + "|" + rec.Postal() + "|" + rec.City()
}

func (n *Normalizer) normalize(ctx context.Context, rec loader.RawRecord) CleanedRecord {
	if n.model != nil {
		fields, err := n.model.CleanSupplier(ctx, rec.Fields)
		if err == nil {
			if cleaned, ok := fromModelFields(fields); ok {
				return cleaned
			}
			err = errEmptyModelResult
		}
		// Логируем деградацию один раз за время жизни нормализатора,
		// чтобы не зашумлять вывод при лежащем провайдере
		n.fallbackOnce.Do(func() {
			n.logger.Warn("model normalization unavailable, falling back to heuristic", "error", err)
		})
	}
	return n.heuristic(rec)
}

var errEmptyModelResult = errEmpty{}

type errEmpty struct{}

func (errEmpty) Error() string { return "model returned empty clean_name" }

// fromModelFields валидирует ответ модели; невалидный индекс обнуляется,
// пустое имя бракует весь ответ
func fromModelFields(fields *ai.CleanedFields) (CleanedRecord, bool) {
	name := collapseSpaces(strings.ToUpper(fields.CleanName))
	if name == "" {
		return CleanedRecord{}, false
	}
	token := strings.ToUpper(strings.TrimSpace(fields.SearchToken))
	if token == "" {
		token = pickSearchToken(splitTokens(name))
	}
	postal := strings.TrimSpace(fields.CleanPostal)
	if !isValidPostal(postal) {
		postal = ""
	}
	return CleanedRecord{
		CleanName:   name,
		SearchToken: token,
		CleanPostal: postal,
		CleanCity:   NormalizeCity(fields.CleanCity),
	}, true
}

// heuristic детерминированный путь нормализации без модели
func (n *Normalizer) heuristic(rec loader.RawRecord) CleanedRecord {
	tokens := splitTokens(FoldText(rec.Name()))
	kept := tokens[:0]
	for _, t := range tokens {
		if !legalSuffixes[t] {
			kept = append(kept, t)
		}
	}

	return CleanedRecord{
		CleanName:   strings.Join(kept, " "),
		SearchToken: pickSearchToken(kept),
		CleanPostal: extractPostal(rec),
		CleanCity:   NormalizeCity(rec.City()),
	}
}

// pickSearchToken выбирает самый длинный токен длиной не меньше 4 символов,
// пропуская родовые слова; иначе первый токен
func pickSearchToken(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	best := ""
	for _, t := range tokens {
		if len([]rune(t)) < 4 || genericTokens[t] {
			continue
		}
		if len([]rune(t)) > len([]rune(best)) {
			best = t
		}
	}
	if best == "" {
		return tokens[0]
	}
	return best
}

// extractPostal извлекает индекс из почтового поля, затем из адресных строк.
// Чисто числовой четырехзначный индекс дополняется ведущим нулем
// (департаменты 01-09, Excel съедает ноль).
func extractPostal(rec loader.RawRecord) string {
	raw := strings.TrimSpace(rec.Postal())
	if fourDigitPattern.MatchString(raw) {
		raw = "0" + raw
	}
	if cp := firstPostal(raw); cp != "" {
		return cp
	}
	for _, line := range rec.AddressLines() {
		if cp := firstPostal(line); cp != "" {
			return cp
		}
	}
	return ""
}

func firstPostal(s string) string {
	m := postalPattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	if m[1] == "00000" {
		return ""
	}
	return m[1]
}

func isValidPostal(s string) bool {
	if len(s) != 5 || s == "00000" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// NormalizeCity приводит город к верхнему регистру без диакритики
// со схлопнутыми пробелами
func NormalizeCity(s string) string {
	return collapseSpaces(FoldText(s))
}

// NormalizeAddress склеивает непустые адресные строки и нормализует результат
func NormalizeAddress(lines []string) string {
	return collapseSpaces(FoldText(strings.Join(lines, " ")))
}

// FoldText переводит строку в верхний регистр и убирает диакритику
// (É -> E). Официальный реестр хранит названия и города без акцентов.
func FoldText(s string) string {
	decomposed := norm.NFD.String(strings.ToUpper(strings.TrimSpace(s)))
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.IsMark(r) {
			continue
		}
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}

func collapseSpaces(s string) string {
	return strings.TrimSpace(spacesPattern.ReplaceAllString(s, " "))
}

// splitTokens разбивает нормализованную строку на токены из букв и цифр
func splitTokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

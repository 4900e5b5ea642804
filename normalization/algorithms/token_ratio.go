package algorithms

import (
	"sort"
	"strings"
	"unicode"
)

// TokenRatio вычисляет нечеткую схожесть строк в семантике
// token_sort_ratio и token_set_ratio из RapidFuzz, нормализованную в [0, 1].
// Экземпляр не хранит состояния и безопасен для параллельного использования.
type TokenRatio struct{}

// NewTokenRatio создает калькулятор токенных схожестей
func NewTokenRatio() *TokenRatio {
	return &TokenRatio{}
}

// Ratio indel-схожесть: 2*LCS / (len1 + len2). Совпадает с ratio
// RapidFuzz (расстояние только из вставок и удалений, без замен).
func (t *TokenRatio) Ratio(s1, s2 string) float64 {
	r1 := []rune(s1)
	r2 := []rune(s2)
	total := len(r1) + len(r2)
	if total == 0 {
		return 1.0
	}
	return 2.0 * float64(longestCommonSubsequence(r1, r2)) / float64(total)
}

// SortRatio схожесть строк с отсортированными токенами:
// перестановка слов не влияет на результат
func (t *TokenRatio) SortRatio(s1, s2 string) float64 {
	return t.Ratio(sortedJoin(splitTokens(s1)), sortedJoin(splitTokens(s2)))
}

// SetRatio схожесть по множествам токенов: пересечение сравнивается
// с каждой из строк "пересечение + остаток", берется максимум.
// Полное вхождение токенов одной строки в другую дает 1.0.
func (t *TokenRatio) SetRatio(s1, s2 string) float64 {
	tokens1 := tokenSet(splitTokens(s1))
	tokens2 := tokenSet(splitTokens(s2))
	if len(tokens1) == 0 && len(tokens2) == 0 {
		return 1.0
	}
	if len(tokens1) == 0 || len(tokens2) == 0 {
		return 0.0
	}

	var common, diff1, diff2 []string
	for tok := range tokens1 {
		if tokens2[tok] {
			common = append(common, tok)
		} else {
			diff1 = append(diff1, tok)
		}
	}
	for tok := range tokens2 {
		if !tokens1[tok] {
			diff2 = append(diff2, tok)
		}
	}
	if len(common) > 0 && (len(diff1) == 0 || len(diff2) == 0) {
		return 1.0
	}

	sort.Strings(common)
	sort.Strings(diff1)
	sort.Strings(diff2)

	base := strings.Join(common, " ")
	full1 := joinNonEmpty(base, strings.Join(diff1, " "))
	full2 := joinNonEmpty(base, strings.Join(diff2, " "))

	best := t.Ratio(base, full1)
	if r := t.Ratio(base, full2); r > best {
		best = r
	}
	if r := t.Ratio(full1, full2); r > best {
		best = r
	}
	return best
}

func sortedJoin(tokens []string) string {
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		set[tok] = true
	}
	return set
}

func joinNonEmpty(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + " " + b
}

// splitTokens разбивает строку на токены из букв и цифр в верхнем регистре
func splitTokens(s string) []string {
	return strings.FieldsFunc(strings.ToUpper(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// longestCommonSubsequence длина наибольшей общей подпоследовательности,
// две строки таблицы вместо полной матрицы
func longestCommonSubsequence(r1, r2 []rune) int {
	if len(r1) == 0 || len(r2) == 0 {
		return 0
	}
	prev := make([]int, len(r2)+1)
	curr := make([]int, len(r2)+1)
	for i := 1; i <= len(r1); i++ {
		for j := 1; j <= len(r2); j++ {
			if r1[i-1] == r2[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
		for j := range curr {
			curr[j] = 0
		}
	}
	return prev[len(r2)]
}

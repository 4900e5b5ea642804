package algorithms

// Levenshtein вычисляет редакционное расстояние между строками.
// Экземпляр не хранит состояния и безопасен для параллельного использования.
type Levenshtein struct{}

// NewLevenshtein создает калькулятор расстояния Левенштейна
func NewLevenshtein() *Levenshtein {
	return &Levenshtein{}
}

// Distance возвращает минимальное число вставок, удалений и замен,
// превращающих s1 в s2. Считается по рунам, не по байтам.
func (l *Levenshtein) Distance(s1, s2 string) int {
	r1 := []rune(s1)
	r2 := []rune(s2)
	if len(r1) == 0 {
		return len(r2)
	}
	if len(r2) == 0 {
		return len(r1)
	}
	// Короткая строка идет в столбцы: памяти нужно O(min(len1, len2))
	if len(r1) < len(r2) {
		r1, r2 = r2, r1
	}

	prev := make([]int, len(r2)+1)
	curr := make([]int, len(r2)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(r1); i++ {
		curr[0] = i
		for j := 1; j <= len(r2); j++ {
			cost := 1
			if r1[i-1] == r2[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(r2)]
}

// Similarity нормализует расстояние в схожесть из [0, 1]
func (l *Levenshtein) Similarity(s1, s2 string) float64 {
	longest := len([]rune(s1))
	if n := len([]rune(s2)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(l.Distance(s1, s2))/float64(longest)
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

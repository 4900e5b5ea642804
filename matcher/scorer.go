package matcher

import (
	"sort"

	"suppliermatch/normalization"
	"suppliermatch/normalization/algorithms"
	"suppliermatch/registry"
)

// Веса предикатов скоринга
const (
	weightName       = 40
	weightCity       = 30
	weightAddress    = 20
	weightHeadOffice = 10

	nameSimilarityThreshold    = 0.9
	addressSimilarityThreshold = 0.8
)

// ScoredCandidate кандидат с целочисленной оценкой из [0, 100].
// NameSimilarity сохраняется отдельно для детерминированного
// разрешения равных оценок.
type ScoredCandidate struct {
	Candidate      registry.Candidate
	Score          int
	NameSimilarity float64
}

// Scorer взвешенный скоринг кандидата против очищенной записи.
// Не хранит состояния, безопасен для параллельного использования.
type Scorer struct {
	ratio *algorithms.TokenRatio
}

// NewScorer создает скоринговый модуль
func NewScorer() *Scorer {
	return &Scorer{ratio: algorithms.NewTokenRatio()}
}

// Score оценивает кандидата суммой весов сработавших предикатов:
// название +40, точный город +30, адрес +20, головное заведение +10
func (s *Scorer) Score(cleaned normalization.CleanedRecord, inputAddress string, c registry.Candidate) ScoredCandidate {
	nameSim := s.ratio.SortRatio(c.OfficialName, cleaned.CleanName)

	score := 0
	if nameSim >= nameSimilarityThreshold {
		score += weightName
	}
	if cleaned.CleanCity != "" && c.City == cleaned.CleanCity {
		score += weightCity
	}
	if inputAddress != "" && s.ratio.SetRatio(c.Address, inputAddress) >= addressSimilarityThreshold {
		score += weightAddress
	}
	if c.IsHeadOffice {
		score += weightHeadOffice
	}

	return ScoredCandidate{Candidate: c, Score: score, NameSimilarity: nameSim}
}

// ScoreAll оценивает всех кандидатов и возвращает их в порядке убывания
func (s *Scorer) ScoreAll(cleaned normalization.CleanedRecord, inputAddress string, candidates []registry.Candidate) []ScoredCandidate {
	scored := make([]ScoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, s.Score(cleaned, inputAddress, c))
	}
	Rank(scored)
	return scored
}

// Rank сортирует кандидатов детерминированным полным порядком:
// оценка по убыванию, затем схожесть названия по убыванию, затем головное
// заведение раньше прочих, затем SIRET по возрастанию. Полный порядок
// гарантирует одинаковые результаты при любом числе воркеров.
func Rank(scored []ScoredCandidate) {
	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.NameSimilarity != b.NameSimilarity {
			return a.NameSimilarity > b.NameSimilarity
		}
		if a.Candidate.IsHeadOffice != b.Candidate.IsHeadOffice {
			return a.Candidate.IsHeadOffice
		}
		return a.Candidate.Siret < b.Candidate.Siret
	})
}

package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"suppliermatch/ai"
	"suppliermatch/loader"
	"suppliermatch/normalization"
	"suppliermatch/normalization/algorithms"
	"suppliermatch/registry"
)

// Пороги каскада
const (
	// scoreFloor оценка, ниже которой лучший кандидат отбрасывается
	scoreFloor = 50
	// scoreConfident оценка, с которой лучший кандидат принимается без арбитра
	scoreConfident = 80
	// scoreCloseDelta максимальный разрыв с вторым местом, при котором
	// решение передается арбитру
	scoreCloseDelta = 2

	// Пороги вторичной фильтрации кандидатов полнотекстового поиска
	maxCityDistance    = 3
	maxAddressDistance = 10

	// strictLocalConfidence уверенность единственного локального совпадения
	strictLocalConfidence = 0.95
)

// Состояния каскада сопоставления. Переходы между состояниями —
// единственный способ получить MatchResult.
type state int

const (
	stateDirectLookup state = iota
	stateNormalize
	stateStrictLocal
	stateFTS
	stateSecondaryFilter
	stateScore
	stateArbiter
)

// Resolver каскад сопоставления записи поставщика с заведением реестра.
// Экземпляр принадлежит одному воркеру: handle реестра и кэш нормализатора
// между потоками не разделяются.
type Resolver struct {
	normalizer *normalization.Normalizer
	query      *registry.Query
	model      ai.Client
	scorer     *Scorer
	lev        *algorithms.Levenshtein
	logger     *slog.Logger
	ftsLimit   int
}

// NewResolver создает каскад для одного воркера. model может быть nil:
// арбитраж тогда всегда оставляет автоматический топ.
func NewResolver(query *registry.Query, normalizer *normalization.Normalizer, model ai.Client, ftsLimit int) *Resolver {
	if ftsLimit <= 0 {
		ftsLimit = registry.DefaultFTSLimit
	}
	return &Resolver{
		normalizer: normalizer,
		query:      query,
		model:      model,
		scorer:     NewScorer(),
		lev:        algorithms.NewLevenshtein(),
		logger:     slog.Default().With("component", "resolver"),
		ftsLimit:   ftsLimit,
	}
}

// resolution рабочее состояние каскада для одной записи.
// Живет от START до EMIT, между записями ничего не переносится.
type resolution struct {
	rec          loader.RawRecord
	inputID      string
	siret        string
	cleaned      normalization.CleanedRecord
	inputAddress string
	candidates   []registry.Candidate
	scored       []ScoredCandidate
	debug        map[string]string
}

// Resolve проводит запись через каскад и всегда возвращает результат.
// Любая паника подшага превращается в результат с методом ERROR
// для этой записи, состояние между записями не протекает.
func (r *Resolver) Resolve(ctx context.Context, rec loader.RawRecord) (result MatchResult) {
	res := &resolution{rec: rec, inputID: rec.InputID(), debug: map[string]string{}}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("cascade panic", "input_id", res.inputID, "panic", p)
			result = errorResult(res.inputID, fmt.Sprintf("panic: %v", p), res.debug)
		}
	}()

	if siren := loader.ExtractSirenFromNIF(rec.NIF()); siren != "" {
		res.debug["nif_siren"] = siren
	}

	st := stateDirectLookup
	for {
		var (
			next state
			done bool
		)
		result, next, done = r.step(ctx, st, res)
		if done {
			return result
		}
		st = next
	}
}

// step выполняет один переход каскада
func (r *Resolver) step(ctx context.Context, st state, res *resolution) (MatchResult, state, bool) {
	switch st {
	case stateDirectLookup:
		return r.directLookup(ctx, res)
	case stateNormalize:
		return r.normalize(ctx, res)
	case stateStrictLocal:
		return r.strictLocal(ctx, res)
	case stateFTS:
		return r.fts(ctx, res)
	case stateSecondaryFilter:
		return r.secondaryFilter(res)
	case stateScore:
		return r.score(res)
	case stateArbiter:
		return r.arbitrate(ctx, res)
	default:
		return errorResult(res.inputID, fmt.Sprintf("invalid cascade state %d", st), res.debug), 0, true
	}
}

// directLookup срабатывает только при синтаксически корректном 14-значном
// идентификаторе во входной записи. 9-значный SIREN шаг пропускает,
// SIRET из него не синтезируется.
func (r *Resolver) directLookup(ctx context.Context, res *resolution) (MatchResult, state, bool) {
	res.siret = loader.ExtractSiret(res.rec.SiretRaw())
	if res.siret == "" {
		return MatchResult{}, stateNormalize, false
	}

	cand, err := r.query.DirectLookup(ctx, res.siret)
	if err != nil {
		return errorResult(res.inputID, shortError(err), res.debug), 0, true
	}
	if cand == nil {
		res.debug["direct_lookup"] = "miss"
		return MatchResult{}, stateNormalize, false
	}

	return MatchResult{
		InputID:      res.inputID,
		Siret:        cand.Siret,
		OfficialName: cand.OfficialName,
		Confidence:   1.0,
		Method:       MethodDirectID,
		Debug:        res.debug,
	}, 0, true
}

func (r *Resolver) normalize(ctx context.Context, res *resolution) (MatchResult, state, bool) {
	res.cleaned = r.normalizer.Normalize(ctx, res.rec)
	res.inputAddress = normalization.NormalizeAddress(res.rec.AddressLines())

	// Без индекса и города никакое географическое сужение невозможно,
	// реестр не опрашивается вообще
	if res.cleaned.CleanPostal == "" && res.cleaned.CleanCity == "" {
		res.debug["step"] = "NO_LOCATION"
		return notFound(res.inputID, res.debug), 0, true
	}
	if res.cleaned.CleanName == "" || res.cleaned.SearchToken == "" {
		res.debug["step"] = "NO_NAME_TOKEN"
		return notFound(res.inputID, res.debug), 0, true
	}

	if res.cleaned.CleanPostal != "" {
		return MatchResult{}, stateStrictLocal, false
	}
	return MatchResult{}, stateFTS, false
}

func (r *Resolver) strictLocal(ctx context.Context, res *resolution) (MatchResult, state, bool) {
	hits, err := r.query.StrictLocalLookup(ctx, res.cleaned.CleanPostal, res.cleaned.CleanName)
	if err != nil {
		return errorResult(res.inputID, shortError(err), res.debug), 0, true
	}
	res.debug["strict_local_hits"] = strconv.Itoa(len(hits))

	// Ровно одно совпадение однозначно; ноль или несколько уводят в
	// полнотекстовый поиск
	if len(hits) == 1 {
		return MatchResult{
			InputID:      res.inputID,
			Siret:        hits[0].Siret,
			OfficialName: hits[0].OfficialName,
			Confidence:   strictLocalConfidence,
			Method:       MethodStrictLocal,
			Debug:        res.debug,
		}, 0, true
	}
	return MatchResult{}, stateFTS, false
}

// fts ищет юридические лица по поисковому токену и материализует их
// заведения. Область — партиция департамента при наличии индекса, иначе
// весь реестр: записи с городом без индекса тоже должны находиться.
func (r *Resolver) fts(ctx context.Context, res *resolution) (MatchResult, state, bool) {
	hits, err := r.query.FTSCandidates(ctx, res.cleaned.SearchToken, r.ftsLimit)
	if err != nil {
		return errorResult(res.inputID, shortError(err), res.debug), 0, true
	}
	res.debug["fts_hits"] = strconv.Itoa(len(hits))
	if len(hits) == 0 {
		return notFound(res.inputID, res.debug), 0, true
	}

	seen := make(map[string]bool, len(hits))
	sirens := make([]string, 0, len(hits))
	for _, h := range hits {
		if !seen[h.Siren] {
			seen[h.Siren] = true
			sirens = append(sirens, h.Siren)
		}
	}

	scope := registry.NationwideScope()
	if res.cleaned.CleanPostal != "" {
		scope = registry.DepartmentScope(res.cleaned.CleanPostal[:2])
	}
	res.candidates, err = r.query.FetchEstablishments(ctx, sirens, scope)
	if err != nil {
		return errorResult(res.inputID, shortError(err), res.debug), 0, true
	}
	if len(res.candidates) == 0 {
		return notFound(res.inputID, res.debug), 0, true
	}
	return MatchResult{}, stateSecondaryFilter, false
}

// secondaryFilter отсекает кандидатов по географии: город с расстоянием
// меньше 3 и адрес с расстоянием меньше 10. Отсутствующий вход предиката
// пропускает предикат, а не проваливает его.
func (r *Resolver) secondaryFilter(res *resolution) (MatchResult, state, bool) {
	kept := res.candidates[:0]
	for _, c := range res.candidates {
		if res.cleaned.CleanCity != "" && r.lev.Distance(c.City, res.cleaned.CleanCity) >= maxCityDistance {
			continue
		}
		if res.inputAddress != "" && r.lev.Distance(c.Address, res.inputAddress) >= maxAddressDistance {
			continue
		}
		kept = append(kept, c)
	}
	res.candidates = kept
	res.debug["filtered"] = strconv.Itoa(len(kept))

	if len(kept) == 0 {
		return notFound(res.inputID, res.debug), 0, true
	}
	return MatchResult{}, stateScore, false
}

func (r *Resolver) score(res *resolution) (MatchResult, state, bool) {
	res.scored = r.scorer.ScoreAll(res.cleaned, res.inputAddress, res.candidates)
	top := res.scored[0]
	res.debug["top_score"] = strconv.Itoa(top.Score)

	if top.Score < scoreFloor {
		nf := notFound(res.inputID, res.debug)
		nf.Alternatives = alternatives(res.scored, 0)
		return nf, 0, true
	}

	delta := top.Score
	if len(res.scored) > 1 {
		delta = top.Score - res.scored[1].Score
	}
	if top.Score >= scoreConfident && delta > scoreCloseDelta {
		return r.emitScored(res, 0, MethodCalculated), 0, true
	}
	return MatchResult{}, stateArbiter, false
}

// arbitrate передает два лучших кандидата арбитру. Недоступность модели,
// ответ NONE или единственный кандидат оставляют автоматический топ
// с методом CALCULATED.
func (r *Resolver) arbitrate(ctx context.Context, res *resolution) (MatchResult, state, bool) {
	if r.model == nil || len(res.scored) < 2 {
		return r.emitScored(res, 0, MethodCalculated), 0, true
	}

	choice, err := r.model.Arbitrate(ctx, arbiterQuestion(res), arbiterCandidate(res.scored[0]), arbiterCandidate(res.scored[1]))
	if err != nil {
		r.logger.Warn("arbiter unavailable, keeping automatic top", "input_id", res.inputID, "error", err)
		return r.emitScored(res, 0, MethodCalculated), 0, true
	}

	switch choice {
	case ai.ChoiceA:
		return r.emitScored(res, 0, MethodArbiter), 0, true
	case ai.ChoiceB:
		return r.emitScored(res, 1, MethodArbiter), 0, true
	default:
		return r.emitScored(res, 0, MethodCalculated), 0, true
	}
}

// emitScored строит результат по выбранному кандидату; альтернативы —
// остальные кандидаты в порядке скоринга, не больше пяти
func (r *Resolver) emitScored(res *resolution, chosen int, method Method) MatchResult {
	c := res.scored[chosen]
	return MatchResult{
		InputID:      res.inputID,
		Siret:        c.Candidate.Siret,
		OfficialName: c.Candidate.OfficialName,
		Confidence:   float64(c.Score) / 100.0,
		Method:       method,
		Alternatives: alternatives(res.scored, chosen),
		Debug:        res.debug,
	}
}

func alternatives(scored []ScoredCandidate, chosen int) []string {
	var out []string
	for i, s := range scored {
		if i == chosen {
			continue
		}
		out = append(out, s.Candidate.Siret)
		if len(out) == MaxAlternatives {
			break
		}
	}
	return out
}

func arbiterQuestion(res *resolution) string {
	var b strings.Builder
	b.WriteString("Supplier: ")
	b.WriteString(res.cleaned.CleanName)
	if res.cleaned.CleanPostal != "" {
		b.WriteString(", postal ")
		b.WriteString(res.cleaned.CleanPostal)
	}
	if res.cleaned.CleanCity != "" {
		b.WriteString(", city ")
		b.WriteString(res.cleaned.CleanCity)
	}
	if res.inputAddress != "" {
		b.WriteString(", address ")
		b.WriteString(res.inputAddress)
	}
	return b.String()
}

func arbiterCandidate(s ScoredCandidate) ai.ArbiterCandidate {
	return ai.ArbiterCandidate{
		Siret:        s.Candidate.Siret,
		OfficialName: s.Candidate.OfficialName,
		City:         s.Candidate.City,
		Address:      s.Candidate.Address,
		IsHeadOffice: s.Candidate.IsHeadOffice,
	}
}

// shortError короткая форма ошибки для чекпоинта: тип и сообщение
func shortError(err error) string {
	return fmt.Sprintf("%T: %v", err, err)
}

package matcher

// Method способ, которым было принято решение о сопоставлении
type Method string

const (
	// MethodDirectID найдено прямым поиском по 14-значному идентификатору
	MethodDirectID Method = "DIRECT_ID"
	// MethodStrictLocal единственное совпадение в партиции департамента
	MethodStrictLocal Method = "STRICT_LOCAL"
	// MethodCalculated выбран автоматическим скорингом
	MethodCalculated Method = "CALCULATED"
	// MethodArbiter выбран арбитром из двух близких кандидатов
	MethodArbiter Method = "ARBITER"
	// MethodNotFound сопоставление не найдено
	MethodNotFound Method = "NOT_FOUND"
	// MethodError запись не обработана из-за ошибки
	MethodError Method = "ERROR"
)

// MaxAlternatives размер списка альтернатив в результате
const MaxAlternatives = 5

// MatchResult результат сопоставления одной входной записи.
// Инварианты: Confidence == 1.0 только для DIRECT_ID; Confidence == 0.0
// для NOT_FOUND и ERROR; Siret пуст тогда и только тогда, когда метод
// NOT_FOUND или ERROR.
type MatchResult struct {
	// InputID идентификатор входной записи
	InputID string
	// Siret идентификатор найденного заведения (пусто, если не найдено)
	Siret string
	// OfficialName официальное название найденного юридического лица
	OfficialName string
	// Confidence уверенность в сопоставлении из [0, 1]
	Confidence float64
	// Method способ принятия решения
	Method Method
	// Alternatives до пяти следующих кандидатов в порядке скоринга
	Alternatives []string
	// Error краткое описание ошибки для метода ERROR
	Error string
	// Debug отладочная информация о пройденных шагах каскада
	Debug map[string]string
}

func notFound(inputID string, debug map[string]string) MatchResult {
	return MatchResult{InputID: inputID, Method: MethodNotFound, Debug: debug}
}

func errorResult(inputID, message string, debug map[string]string) MatchResult {
	return MatchResult{InputID: inputID, Method: MethodError, Error: message, Debug: debug}
}

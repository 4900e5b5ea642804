package registry

import (
	"errors"
	"fmt"
)

// ActiveState значение административного состояния "действующее"
// в официальном реестре
const ActiveState = "A"

// Candidate действующее заведение реестра, материализованное для скоринга.
// Инвариант: Siren == Siret[:9]; закрытые заведения кандидатами не становятся.
type Candidate struct {
	// Siret 14-значный идентификатор заведения
	Siret string
	// Siren 9-значный идентификатор юридического лица
	Siren string
	// OfficialName официальное название юридического лица (верхний регистр)
	OfficialName string
	// City город заведения (верхний регистр)
	City string
	// Address склейка номер/тип/название улицы, дополнение и особая доставка
	Address string
	// IsHeadOffice признак головного заведения (siège social)
	IsHeadOffice bool
}

// FTSHit результат полнотекстового поиска по названиям юридических лиц
type FTSHit struct {
	Siren        string
	OfficialName string
	// Score релевантность индекса (bm25, меньше — лучше)
	Score float64
}

// Scope область выборки заведений: партиция департамента или весь реестр
type Scope struct {
	department string
}

// DepartmentScope выборка из партиции одного департамента
// (двузначный префикс почтового индекса)
func DepartmentScope(dept string) Scope {
	return Scope{department: dept}
}

// NationwideScope выборка по всему файлу заведений.
// Предикат активности обязан переутверждаться в самом запросе.
func NationwideScope() Scope {
	return Scope{}
}

// Nationwide сообщает, покрывает ли область весь реестр
func (s Scope) Nationwide() bool {
	return s.department == ""
}

// Department возвращает двузначный код департамента области
func (s Scope) Department() string {
	return s.department
}

func (s Scope) String() string {
	if s.Nationwide() {
		return "nationwide"
	}
	return "department_" + s.department
}

// Терминальные ошибки реестра (без повторных попыток)
var (
	// ErrMalformedID идентификатор не прошел синтаксическую проверку
	ErrMalformedID = errors.New("malformed registry identifier")
	// ErrMissingPartition партиция департамента отсутствует на диске
	ErrMissingPartition = errors.New("department partition not found")
)

// ValidateSiret проверяет, что строка является 14-значным числом
func ValidateSiret(siret string) error {
	if len(siret) != 14 {
		return fmt.Errorf("%w: siret %q is not 14 digits", ErrMalformedID, siret)
	}
	for _, r := range siret {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: siret %q is not 14 digits", ErrMalformedID, siret)
		}
	}
	return nil
}

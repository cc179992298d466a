package filter

// Operator is a filter comparison.
type Operator string

const (
	OpEq          Operator = ""
	OpIn          Operator = "in"
	OpAny         Operator = "any"
	OpAll         Operator = "all"
	OpIContains   Operator = "icontains"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "startswith"
	OpIStartsWith Operator = "istartswith"
	OpEndsWith    Operator = "endswith"
	OpIEndsWith   Operator = "iendswith"
	OpYear        Operator = "year"
	OpMonth       Operator = "month"
	OpDay         Operator = "day"
	OpWeekDay     Operator = "week_day"
	OpRegex       Operator = "regex"
	OpRange       Operator = "range"
	OpGt          Operator = "gt"
	OpLt          Operator = "lt"
	OpGte         Operator = "gte"
	OpLte         Operator = "lte"
	OpIsNull      Operator = "isnull"
)

// countSegment marks a count-based filter: "groups.$count.gte".
const countSegment = "$count"

var operators = map[string]Operator{
	"in":          OpIn,
	"any":         OpAny,
	"all":         OpAll,
	"icontains":   OpIContains,
	"contains":    OpContains,
	"startswith":  OpStartsWith,
	"istartswith": OpIStartsWith,
	"endswith":    OpEndsWith,
	"iendswith":   OpIEndsWith,
	"year":        OpYear,
	"month":       OpMonth,
	"day":         OpDay,
	"week_day":    OpWeekDay,
	"regex":       OpRegex,
	"range":       OpRange,
	"gt":          OpGt,
	"lt":          OpLt,
	"gte":         OpGte,
	"lte":         OpLte,
	"isnull":      OpIsNull,
	"eq":          OpEq,
}

// ParseOperator looks up an operator name.
func ParseOperator(name string) (Operator, bool) {
	op, ok := operators[name]
	return op, ok
}

// TakesList reports whether the operator keeps every value.
func (o Operator) TakesList() bool {
	switch o {
	case OpIn, OpAny, OpAll, OpRange:
		return true
	default:
		return false
	}
}

// CaseInsensitive returns the case-insensitive variant of a text operator.
func (o Operator) CaseInsensitive() Operator {
	switch o {
	case OpContains:
		return OpIContains
	case OpStartsWith:
		return OpIStartsWith
	case OpEndsWith:
		return OpIEndsWith
	default:
		return o
	}
}

// IsDatePart reports whether the operator compares an extracted date part.
func (o Operator) IsDatePart() bool {
	switch o {
	case OpYear, OpMonth, OpDay, OpWeekDay:
		return true
	default:
		return false
	}
}

func (o Operator) String() string {
	if o == OpEq {
		return "eq"
	}
	return string(o)
}

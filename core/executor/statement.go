package executor

import (
	"fmt"

	"quartzdb/core/storage/record"
)

// Statements arrive as resolved trees; parsing SQL text into them is a
// caller concern. Every statement names objects by their catalog names
// and carries literal values as record.Value.

// CompareOp is a predicate operator.
type CompareOp uint8

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIsNull
	OpIsNotNull
)

func (op CompareOp) String() string {
	switch op {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpIsNull:
		return "IS NULL"
	case OpIsNotNull:
		return "IS NOT NULL"
	default:
		return "?"
	}
}

// Condition compares one column against a literal. A WHERE clause is a
// conjunction of conditions. Comparisons against NULL literals never
// match; IS NULL / IS NOT NULL are the only NULL-aware operators.
type Condition struct {
	Column string
	Op     CompareOp
	Value  record.Value
}

func (c Condition) String() string {
	switch c.Op {
	case OpIsNull, OpIsNotNull:
		return fmt.Sprintf("%s %s", c.Column, c.Op)
	default:
		return fmt.Sprintf("%s %s %s", c.Column, c.Op, c.Value)
	}
}

// matches evaluates the condition against a value.
func (c Condition) matches(v record.Value) bool {
	switch c.Op {
	case OpIsNull:
		return v.IsNull()
	case OpIsNotNull:
		return !v.IsNull()
	}
	if v.IsNull() || c.Value.IsNull() {
		return false
	}
	cmp := record.Compare(v, c.Value)
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	default:
		return false
	}
}

// ColumnDef declares one column in a CREATE TABLE.
type ColumnDef struct {
	Name       string
	Type       record.ValueType
	NotNull    bool
	PrimaryKey bool
	HasDefault bool
	Default    record.Value
}

// CreateTableStmt creates a table.
type CreateTableStmt struct {
	Table       string
	Columns     []ColumnDef
	IfNotExists bool
}

// DropTableStmt removes a table, its rows and its indexes.
type DropTableStmt struct {
	Table    string
	IfExists bool
}

// CreateIndexStmt creates a single-column secondary index and
// backfills it from the existing rows.
type CreateIndexStmt struct {
	Index  string
	Table  string
	Column string
}

// CreateViewStmt stores a named query.
type CreateViewStmt struct {
	View   string
	Select *SelectStmt
}

// InsertStmt adds rows. Columns lists the target columns for each row
// in Rows; omitted columns take their DEFAULT, or NULL. An empty
// Columns with empty Rows inserts one all-defaults row (DEFAULT
// VALUES). Assigning the INTEGER PRIMARY KEY column sets the rowid
// explicitly.
type InsertStmt struct {
	Table   string
	Columns []string
	Rows    [][]record.Value
}

// SortKey orders by one output column.
type SortKey struct {
	Column string
	Desc   bool
}

// JoinClause joins a second table with LEFT OUTER semantics on a
// single equality. Right-side columns are appended to the output row,
// NULL-filled for unmatched left rows.
type JoinClause struct {
	Table       string
	LeftColumn  string
	RightColumn string
}

// AggregateFunc names a reducer.
type AggregateFunc uint8

const (
	AggCount AggregateFunc = iota + 1
	AggSum
	AggAvg
	AggMin
	AggMax
)

func (f AggregateFunc) String() string {
	switch f {
	case AggCount:
		return "COUNT"
	case AggSum:
		return "SUM"
	case AggAvg:
		return "AVG"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	default:
		return "?"
	}
}

// Aggregate applies a reducer over one column. A "*" column is only
// meaningful for COUNT.
type Aggregate struct {
	Func   AggregateFunc
	Column string
}

// SelectStmt reads rows from a table or view. With Aggregates set, the
// statement returns a single row of reduced values and Columns is
// ignored. An empty Columns selects every column.
type SelectStmt struct {
	Table      string
	Columns    []string
	Where      []Condition
	Join       *JoinClause
	Distinct   bool
	OrderBy    []SortKey
	Aggregates []Aggregate
}

// UpdateStmt rewrites matching rows.
type UpdateStmt struct {
	Table string
	Set   map[string]record.Value
	Where []Condition
}

// DeleteStmt removes matching rows; an empty Where removes all.
type DeleteStmt struct {
	Table string
	Where []Condition
}

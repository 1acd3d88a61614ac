package quartzdb

import "quartzdb/core/storage/record"

// ValueType identifies a value's storage class.
type ValueType = record.ValueType

// Storage classes, re-exported for column declarations.
const (
	Null    = record.Null
	Integer = record.Integer
	Real    = record.Real
	Text    = record.Text
	Blob    = record.Blob
)

// Value constructors, re-exported for embedders.
func NewNull() Value           { return record.NewNull() }
func NewInteger(v int64) Value { return record.NewInteger(v) }
func NewReal(v float64) Value  { return record.NewReal(v) }
func NewText(v string) Value   { return record.NewText(v) }
func NewBlob(v []byte) Value   { return record.NewBlob(v) }

package store

import "fmt"

// CellType is the declared type of a cell or value slot.
type CellType string

const (
	TypeString CellType = "string"
	TypeNumber CellType = "number"
	TypeBool   CellType = "boolean"
)

// CellSchema declares one cell or value: its type and the default used when
// a row write leaves it unspecified. A nil Default means the slot is absent
// until written.
type CellSchema struct {
	Type    CellType
	Default any
}

// TableSchema maps cell names to their schemas.
type TableSchema map[string]CellSchema

// Schema declares the full shape of a store: board-wide values and tables.
// Pure data, no behavior beyond validation.
type Schema struct {
	Values map[string]CellSchema
	Tables map[string]TableSchema
}

// ValidationError is returned when a write does not match the schema. The
// store is left unchanged by the rejected mutation.
type ValidationError struct {
	Table string
	Cell  string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("schema violation in table %q cell %q: %s", e.Table, e.Cell, e.Msg)
	}
	return fmt.Sprintf("schema violation in value %q: %s", e.Cell, e.Msg)
}

// normalize checks v against the declared type and returns the canonical
// in-store representation. Numbers are held as float64 regardless of the
// integer type the caller passed.
func (c CellSchema) normalize(v any) (any, error) {
	switch c.Type {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("value %v (%T) is not a %s", v, v, c.Type)
}

func (s Schema) tableCell(table, cell string) (CellSchema, error) {
	ts, ok := s.Tables[table]
	if !ok {
		return CellSchema{}, &ValidationError{Table: table, Msg: "table not in schema"}
	}
	cs, ok := ts[cell]
	if !ok {
		return CellSchema{}, &ValidationError{Table: table, Cell: cell, Msg: "cell not in schema"}
	}
	return cs, nil
}

func (s Schema) value(name string) (CellSchema, error) {
	vs, ok := s.Values[name]
	if !ok {
		return CellSchema{}, &ValidationError{Cell: name, Msg: "value not in schema"}
	}
	return vs, nil
}

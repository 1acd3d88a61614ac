package catalog

import (
	"fmt"

	"quartzdb/core/storage/page"
	"quartzdb/core/storage/record"
)

// Catalog records reuse the row serializer: each object is a flat
// value list. Tables carry a fixed prefix followed by five values per
// column.

const (
	colFlagNotNull    = 1 << 0
	colFlagPrimaryKey = 1 << 1
	colFlagHasDefault = 1 << 2
)

func encodeTable(tbl *Table) ([]byte, error) {
	values := []record.Value{
		record.NewText(tbl.Name),
		record.NewInteger(int64(tbl.Root)),
		record.NewInteger(int64(len(tbl.Columns))),
	}
	for _, col := range tbl.Columns {
		flags := int64(0)
		if col.NotNull {
			flags |= colFlagNotNull
		}
		if col.PrimaryKey {
			flags |= colFlagPrimaryKey
		}
		def := record.NewNull()
		if col.HasDefault {
			flags |= colFlagHasDefault
			def = col.Default
		}
		values = append(values,
			record.NewText(col.Name),
			record.NewInteger(int64(col.Type)),
			record.NewInteger(flags),
			def,
		)
	}
	return record.Encode(values)
}

func decodeTable(data []byte) (*Table, error) {
	values, err := record.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: bad table record: %v", ErrSchema, err)
	}
	if len(values) < 3 {
		return nil, fmt.Errorf("%w: table record too short", ErrSchema)
	}
	ncols := int(values[2].Int)
	if len(values) != 3+4*ncols {
		return nil, fmt.Errorf("%w: table record declares %d columns, holds %d values",
			ErrSchema, ncols, len(values)-3)
	}
	tbl := &Table{
		Name:    values[0].Str,
		Root:    page.PageID(values[1].Int),
		Columns: make([]Column, ncols),
	}
	for i := 0; i < ncols; i++ {
		v := values[3+4*i:]
		flags := v[2].Int
		col := Column{
			Name:       v[0].Str,
			Type:       record.ValueType(v[1].Int),
			NotNull:    flags&colFlagNotNull != 0,
			PrimaryKey: flags&colFlagPrimaryKey != 0,
			HasDefault: flags&colFlagHasDefault != 0,
		}
		if col.HasDefault {
			col.Default = v[3]
		}
		tbl.Columns[i] = col
	}
	return tbl, nil
}

func encodeIndex(idx *Index) ([]byte, error) {
	return record.Encode([]record.Value{
		record.NewText(idx.Name),
		record.NewText(idx.Table),
		record.NewText(idx.Column),
		record.NewInteger(int64(idx.Root)),
	})
}

func decodeIndex(data []byte) (*Index, error) {
	values, err := record.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: bad index record: %v", ErrSchema, err)
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("%w: index record holds %d values, want 4", ErrSchema, len(values))
	}
	return &Index{
		Name:   values[0].Str,
		Table:  values[1].Str,
		Column: values[2].Str,
		Root:   page.PageID(values[3].Int),
	}, nil
}

func encodeView(vw *View) ([]byte, error) {
	return record.Encode([]record.Value{
		record.NewText(vw.Name),
		record.NewBlob(vw.Definition),
	})
}

func decodeView(data []byte) (*View, error) {
	values, err := record.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: bad view record: %v", ErrSchema, err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("%w: view record holds %d values, want 2", ErrSchema, len(values))
	}
	return &View{Name: values[0].Str, Definition: values[1].Raw}, nil
}

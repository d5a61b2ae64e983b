// Package scanner scans pgx.Rows into typed values.
package scanner

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
)

type Queryer interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
}

// Scanner converts rows into []T.
//
//	type jobRow struct {
//		JobId      string `sql:"job_id"`
//		ChunkIndex int
//	}
//
//	rows, err := scanner.New[jobRow]().QueryAll(ctx, conn, `select "job_id", "chunk_index" from "job"`)
//
// When T is a primitive, time.Time or []byte, a query should have exactly one column.
//
// Otherwise T should be a struct, and each column is mapped into a field
//
//  1. tagged `sql:"column_name"`, or
//  2. named as same as the column, or
//  3. named in CamelCase of the column ("chunk_index" -> "ChunkIndex").
type Scanner[T any] interface {
	ScanAll(pgx.Rows) ([]T, error)
	QueryAll(context.Context, Queryer, string, ...any) ([]T, error)
}

type structScanner[T any] struct {
	byTag  map[string]reflect.StructField
	byName map[string]reflect.StructField
}

func New[T any]() Scanner[T] {
	t := reflect.TypeOf(*new(T))

	if t.AssignableTo(reflect.TypeOf(time.Time{})) || t.AssignableTo(reflect.TypeOf([]byte{})) {
		return &columnScanner[T]{}
	}
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return &columnScanner[T]{}
	}

	s := &structScanner[T]{
		byTag:  map[string]reflect.StructField{},
		byName: map[string]reflect.StructField{},
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		s.byName[f.Name] = f
		if tag, ok := f.Tag.Lookup("sql"); ok {
			s.byTag[tag] = f
		}
	}
	return s
}

func camel(s string) string {
	b := &strings.Builder{}
	for _, w := range strings.Split(s, "_") {
		if w == "" {
			b.WriteString("_")
			continue
		}
		b.WriteString(strings.ToUpper(w[:1]))
		b.WriteString(w[1:])
	}
	return b.String()
}

func (s *structScanner[T]) field(col string) (reflect.StructField, bool) {
	if f, ok := s.byTag[col]; ok {
		return f, true
	}
	if f, ok := s.byName[col]; ok {
		return f, true
	}
	f, ok := s.byName[camel(col)]
	return f, ok
}

func (s *structScanner[T]) ScanAll(rows pgx.Rows) ([]T, error) {
	cols := rows.FieldDescriptions()
	fields := make([]reflect.StructField, 0, len(cols))
	for _, fd := range cols {
		f, ok := s.field(string(fd.Name))
		if !ok {
			return nil, fmt.Errorf(`field for column "%s" is not found in type "%T"`, fd.Name, *new(T))
		}
		fields = append(fields, f)
	}

	ret := []T{}
	for rows.Next() {
		elem := new(T)
		ev := reflect.ValueOf(elem).Elem()
		dest := make([]any, len(fields))
		for i, f := range fields {
			dest[i] = ev.FieldByIndex(f.Index).Addr().Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		ret = append(ret, *elem)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *structScanner[T]) QueryAll(ctx context.Context, conn Queryer, q string, params ...any) ([]T, error) {
	rows, err := conn.Query(ctx, q, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.ScanAll(rows)
}

type columnScanner[T any] struct{}

func (s *columnScanner[T]) ScanAll(rows pgx.Rows) ([]T, error) {
	cols := rows.FieldDescriptions()
	if len(cols) != 1 {
		return nil, fmt.Errorf("too many columns for %T: %d", *new(T), len(cols))
	}

	ret := []T{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		elem := new(T)
		field := reflect.ValueOf(elem).Elem()
		v := reflect.ValueOf(values[0])
		if !v.IsValid() || !v.CanConvert(field.Type()) {
			return nil, fmt.Errorf(
				`column "%s" (%s in sql, %T in go) cannot be converted into %T`,
				cols[0].Name, oidName(cols[0].DataTypeOID), values[0], *elem,
			)
		}
		field.Set(v.Convert(field.Type()))
		ret = append(ret, *elem)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *columnScanner[T]) QueryAll(ctx context.Context, conn Queryer, q string, params ...any) ([]T, error) {
	rows, err := conn.Query(ctx, q, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.ScanAll(rows)
}

// oidName names postgres types used by knitflow, for error messages.
func oidName(oid uint32) string {
	switch oid {
	case pgtype.BoolOID:
		return "bool"
	case pgtype.ByteaOID:
		return "bytea"
	case pgtype.Int2OID:
		return "int2"
	case pgtype.Int4OID:
		return "int4"
	case pgtype.Int8OID:
		return "int8"
	case pgtype.TextOID:
		return "text"
	case pgtype.VarcharOID:
		return "varchar"
	case pgtype.TextArrayOID:
		return "text[]"
	case pgtype.JSONOID:
		return "json"
	case pgtype.JSONBOID:
		return "jsonb"
	case pgtype.TimestampOID:
		return "timestamp"
	case pgtype.TimestamptzOID:
		return "timestamptz"
	case pgtype.UUIDOID:
		return "uuid"
	case pgtype.UnknownOID:
		return "unknown"
	}
	return fmt.Sprintf("undefined oid(%d)", oid)
}

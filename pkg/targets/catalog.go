package targets

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// KeyColumn holds the kintone record id on every target table
const KeyColumn = "kintone_record_id"

type ColumnType string

const (
	ColumnText     ColumnType = "text"
	ColumnNumber   ColumnType = "number"
	ColumnInteger  ColumnType = "integer"
	ColumnBoolean  ColumnType = "boolean"
	ColumnDate     ColumnType = "date"
	ColumnDateTime ColumnType = "datetime"
	ColumnJSON     ColumnType = "json"
)

// Table is a local table records can be synced into. Only listed columns are writable.
type Table struct {
	Name    string
	Columns map[string]ColumnType
}

// Allows reports whether column is writable
func (t Table) Allows(column string) bool {
	_, ok := t.Columns[column]
	return ok
}

// ColumnNames returns the writable columns in a stable order
func (t Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for name := range t.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog maps target app types to tables
type Catalog struct {
	tables map[string]Table
}

// NewCatalog builds a catalog from tables keyed by target app type
func NewCatalog(tables map[string]Table) *Catalog {
	return &Catalog{tables: tables}
}

// DefaultCatalog returns the visa and HR domain tables
func DefaultCatalog() *Catalog {
	return NewCatalog(map[string]Table{
		"person": {
			Name: "people",
			Columns: map[string]ColumnType{
				KeyColumn:         ColumnText,
				"first_name":      ColumnText,
				"last_name":       ColumnText,
				"full_name":       ColumnText,
				"email":           ColumnText,
				"phone":           ColumnText,
				"date_of_birth":   ColumnDate,
				"nationality":     ColumnText,
				"passport_number": ColumnText,
				"passport_expiry": ColumnDate,
				"job_title":       ColumnText,
				"notes":           ColumnText,
			},
		},
		"company": {
			Name: "companies",
			Columns: map[string]ColumnType{
				KeyColumn:             ColumnText,
				"name":                ColumnText,
				"legal_name":          ColumnText,
				"registration_number": ColumnText,
				"industry":            ColumnText,
				"website":             ColumnText,
				"address":             ColumnText,
				"employee_count":      ColumnInteger,
			},
		},
		"visa_case": {
			Name: "visa_cases",
			Columns: map[string]ColumnType{
				KeyColumn:        ColumnText,
				"case_number":    ColumnText,
				"visa_type":      ColumnText,
				"status":         ColumnText,
				"applicant_name": ColumnText,
				"submitted_at":   ColumnDateTime,
				"decision_date":  ColumnDate,
				"expires_at":     ColumnDate,
				"fee_amount":     ColumnNumber,
				"is_priority":    ColumnBoolean,
				"metadata":       ColumnJSON,
			},
		},
	})
}

// Lookup returns the table registered for a target app type
func (c *Catalog) Lookup(targetAppType string) (Table, bool) {
	t, ok := c.tables[targetAppType]
	return t, ok
}

// Types returns the registered target app types
func (c *Catalog) Types() []string {
	types := make([]string, 0, len(c.tables))
	for k := range c.tables {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}

// Coerce converts a kintone field value to a value for a column of type t.
// Empty strings become nil for every non-text type.
func Coerce(value any, t ColumnType) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch t {
	case ColumnText, "":
		return asText(value)
	case ColumnNumber:
		s, isString := value.(string)
		if isString {
			if strings.TrimSpace(s) == "" {
				return nil, nil
			}
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", s)
			}
			return f, nil
		}
		if f, ok := value.(float64); ok {
			return f, nil
		}
	case ColumnInteger:
		switch v := value.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return nil, nil
			}
			i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not an integer", v)
			}
			return i, nil
		case float64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("%v is not an integer", v)
			}
			return int64(v), nil
		}
	case ColumnBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "":
				return nil, nil
			case "true", "yes", "1", "on":
				return true, nil
			case "false", "no", "0", "off":
				return false, nil
			}
			return nil, fmt.Errorf("%q is not a boolean", v)
		case []any:
			// checkbox fields
			return len(v) > 0, nil
		}
	case ColumnDate, ColumnDateTime:
		s, ok := value.(string)
		if !ok {
			break
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04Z07:00", "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				if t == ColumnDate {
					return ts.Format("2006-01-02"), nil
				}
				return ts.UTC(), nil
			}
		}
		return nil, fmt.Errorf("%q is not a date", s)
	case ColumnJSON:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("unknown column type %q", t)
	}

	return nil, fmt.Errorf("cannot convert %T to %s", value, t)
}

func asText(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			switch it := item.(type) {
			case string:
				parts = append(parts, it)
			case map[string]any:
				// user and organization selections
				if name, ok := it["name"].(string); ok {
					parts = append(parts, name)
				} else if code, ok := it["code"].(string); ok {
					parts = append(parts, code)
				}
			default:
				parts = append(parts, fmt.Sprint(it))
			}
		}
		return strings.Join(parts, ", "), nil
	case map[string]any:
		if name, ok := v["name"].(string); ok {
			return name, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return fmt.Sprint(value), nil
}

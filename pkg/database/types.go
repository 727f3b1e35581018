package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// StringArray stores a list of strings in a single text column. Values are
// written as a JSON array on every driver. Scan also understands the
// PostgreSQL array literal so rows written by a native TEXT[] column still
// load.
type StringArray []string

// Scan implements sql.Scanner.
func (a *StringArray) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		raw = string(v)
	case string:
		raw = v
	default:
		return fmt.Errorf("StringArray: cannot scan %T", value)
	}

	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		*a = nil
		return nil
	case strings.HasPrefix(raw, "["):
		return json.Unmarshal([]byte(raw), (*[]string)(a))
	case strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}"):
		out, err := splitArrayLiteral(raw[1 : len(raw)-1])
		if err != nil {
			return err
		}
		*a = out
		return nil
	}
	return fmt.Errorf("StringArray: unrecognised value %q", raw)
}

// splitArrayLiteral splits the body of a PostgreSQL array literal. Quoted
// elements are unquoted with Go string rules, which cover the backslash
// escapes PostgreSQL emits.
func splitArrayLiteral(body string) ([]string, error) {
	if body == "" {
		return []string{}, nil
	}
	var out []string
	for len(body) > 0 {
		var elem string
		if body[0] == '"' {
			end := 1
			for end < len(body) && body[end] != '"' {
				if body[end] == '\\' {
					end++
				}
				end++
			}
			if end >= len(body) {
				return nil, fmt.Errorf("StringArray: unterminated element in %q", body)
			}
			s, err := strconv.Unquote(body[:end+1])
			if err != nil {
				return nil, fmt.Errorf("StringArray: %w", err)
			}
			elem, body = s, body[end+1:]
		} else {
			i := strings.IndexByte(body, ',')
			if i < 0 {
				i = len(body)
			}
			elem, body = body[:i], body[i:]
		}
		out = append(out, elem)
		body = strings.TrimPrefix(body, ",")
	}
	return out, nil
}

// Value implements driver.Valuer.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	data, err := json.Marshal([]string(a))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType tells gorm to create a text column on every dialect.
func (StringArray) GormDataType() string {
	return "text"
}

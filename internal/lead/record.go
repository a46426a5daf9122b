package lead

import (
	"encoding/json"

	"github.com/buger/jsonparser"
)

// Record is one contact produced by the backend. Fields are never filled in
// locally; a missing optional field stays empty.
type Record struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	Email   string `json:"email,omitempty"`
	Company string `json:"company,omitempty"`
	Website string `json:"website,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// UnmarshalJSON accepts scalar fields of any JSON type. Backends disagree on
// whether phone numbers are strings or numbers.
func (r *Record) UnmarshalJSON(data []byte) error {
	var out Record
	err := jsonparser.ObjectEach(data, func(key, value []byte, typ jsonparser.ValueType, _ int) error {
		var dst *string
		switch string(key) {
		case "name":
			dst = &out.Name
		case "phone":
			dst = &out.Phone
		case "address":
			dst = &out.Address
		case "email":
			dst = &out.Email
		case "company":
			dst = &out.Company
		case "website":
			dst = &out.Website
		case "notes":
			dst = &out.Notes
		default:
			return nil
		}
		*dst = scalarString(value, typ)
		return nil
	})
	if err != nil {
		return err
	}
	*r = out
	return nil
}

func scalarString(value []byte, typ jsonparser.ValueType) string {
	switch typ {
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return string(value)
		}
		return s
	case jsonparser.Number, jsonparser.Boolean:
		return string(value)
	case jsonparser.Null, jsonparser.NotExist:
		return ""
	default:
		// Nested objects/arrays are kept as compact JSON text.
		var v any
		if json.Unmarshal(value, &v) != nil {
			return string(value)
		}
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// FieldOrNA returns v or "N/A" when v is empty.
func FieldOrNA(v string) string {
	if v == "" {
		return "N/A"
	}
	return v
}

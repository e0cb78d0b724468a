package validation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Validator validates structs using `validate` tags.
//
// Supported rules: required, min=N, max=N, oneof=a b c. min and max bound
// the length of strings and slices and the value of numbers.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// FieldError reports the first failing rule of a field
type FieldError struct {
	Field string
	Rule  string
	Msg   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")
		if tag == "" || !fieldType.IsExported() {
			continue
		}

		if err := v.validateField(val.Field(i), tag); err != nil {
			err.Field = fieldName(fieldType)
			return err
		}
	}

	return nil
}

// fieldName prefers the json name so errors match request bodies
func fieldName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" && name != "-" {
		return name
	}
	return f.Name
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) *FieldError {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			if strings.Contains(tag, "required") {
				return &FieldError{Rule: "required", Msg: "field is required"}
			}
			return nil
		}
		field = field.Elem()
	}

	for _, rule := range strings.Split(tag, ",") {
		ruleName, arg, _ := strings.Cut(rule, "=")

		switch ruleName {
		case "required":
			if field.IsZero() {
				return &FieldError{Rule: ruleName, Msg: "field is required"}
			}

		case "min", "max":
			limit, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return &FieldError{Rule: ruleName, Msg: fmt.Sprintf("bad rule argument %q", arg)}
			}
			n, ok := measure(field)
			if !ok {
				continue
			}
			if ruleName == "min" && n < limit {
				return &FieldError{Rule: ruleName, Msg: fmt.Sprintf("must be at least %s", arg)}
			}
			if ruleName == "max" && n > limit {
				return &FieldError{Rule: ruleName, Msg: fmt.Sprintf("must be at most %s", arg)}
			}

		case "oneof":
			if field.Kind() != reflect.String || field.String() == "" {
				continue
			}
			options := strings.Fields(arg)
			found := false
			for _, o := range options {
				if field.String() == o {
					found = true
					break
				}
			}
			if !found {
				return &FieldError{Rule: ruleName, Msg: fmt.Sprintf("must be one of %s", strings.Join(options, ", "))}
			}
		}
	}

	return nil
}

// measure returns the length or numeric value that min and max compare
func measure(field reflect.Value) (float64, bool) {
	switch field.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return float64(field.Len()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(field.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(field.Uint()), true
	case reflect.Float32, reflect.Float64:
		return field.Float(), true
	}
	return 0, false
}

package validation

import (
	"errors"
	"testing"
)

type request struct {
	Username string  `json:"username" validate:"required,min=3"`
	Role     string  `json:"role" validate:"oneof=controller controlee"`
	Limit    int     `json:"limit" validate:"min=0,max=100"`
	Note     *string `json:"note" validate:"max=4"`
	hidden   string  `validate:"required"`
}

func TestValidate(t *testing.T) {
	long := "too long"
	short := "ok"
	tests := []struct {
		name  string
		req   request
		field string
		rule  string
	}{
		{"valid", request{Username: "admin", Role: "controller", Limit: 20, Note: &short}, "", ""},
		{"empty role allowed", request{Username: "admin"}, "", ""},
		{"missing username", request{}, "username", "required"},
		{"short username", request{Username: "ab"}, "username", "min"},
		{"unknown role", request{Username: "admin", Role: "observer"}, "role", "oneof"},
		{"negative limit", request{Username: "admin", Limit: -1}, "limit", "min"},
		{"limit too high", request{Username: "admin", Limit: 101}, "limit", "max"},
		{"long note", request{Username: "admin", Note: &long}, "note", "max"},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(&tt.req)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *FieldError", err)
			}
			if fe.Field != tt.field || fe.Rule != tt.rule {
				t.Fatalf("got %s/%s, want %s/%s", fe.Field, fe.Rule, tt.field, tt.rule)
			}
		})
	}
}

func TestValidateNonStruct(t *testing.T) {
	if err := NewValidator().Validate(42); err == nil {
		t.Fatal("expected error")
	}
}

package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestStampCreate(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var fresh BaseModel
	fresh.StampCreate(now)
	if fresh.ID == uuid.Nil || !fresh.CreatedAt.Equal(now) || !fresh.UpdatedAt.Equal(now) {
		t.Fatalf("fresh = %+v", fresh)
	}

	id := uuid.New()
	created := now.Add(-time.Hour)
	kept := BaseModel{ID: id, CreatedAt: created}
	kept.StampCreate(now)
	if kept.ID != id || !kept.CreatedAt.Equal(created) || !kept.UpdatedAt.Equal(now) {
		t.Fatalf("kept = %+v", kept)
	}

	kept.StampUpdate(now.Add(time.Minute))
	if !kept.UpdatedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("updated = %v", kept.UpdatedAt)
	}
}

func TestVariablesScan(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		want    int
		wantErr bool
	}{
		{"nil", nil, 0, false},
		{"bytes", []byte(`{"stage":"scan"}`), 1, false},
		{"string", `{"a":1,"b":2}`, 2, false},
		{"unsupported", 42, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v Variables
			err := v.Scan(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if !tt.wantErr && len(v) != tt.want {
				t.Fatalf("len = %d, want %d", len(v), tt.want)
			}
		})
	}
}

package db

import (
	"fmt"
	"strings"
	"testing"
)

const journalTestPrefix = "db:journal_test"

func TestBuildOutcomeQuery(t *testing.T) {
	tests := []struct {
		name      string
		filter    OutcomeFilter
		wantWhere string
		wantArgs  []any
	}{
		{"no filter", OutcomeFilter{}, "", []any{DefaultListLimit}},
		{"namespace", OutcomeFilter{Namespace: "Speaker", Limit: 5}, " WHERE namespace = $1", []any{"Speaker", 5}},
		{"namespace and status", OutcomeFilter{Namespace: "Speaker", Status: "failed"},
			" WHERE namespace = $1 AND status = $2", []any{"Speaker", "failed", DefaultListLimit}},
		{"status only", OutcomeFilter{Status: "canceled", Limit: -1}, " WHERE status = $1", []any{"canceled", DefaultListLimit}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := buildOutcomeQuery(tt.filter)
			if tt.wantWhere != "" && !strings.Contains(query, tt.wantWhere) {
				t.Errorf("%s - query %q missing %q", journalTestPrefix, query, tt.wantWhere)
			}
			if tt.wantWhere == "" && strings.Contains(query, "WHERE") {
				t.Errorf("%s - unexpected WHERE in %q", journalTestPrefix, query)
			}
			wantLimit := fmt.Sprintf("LIMIT $%d", len(tt.wantArgs))
			if !strings.HasSuffix(query, wantLimit) {
				t.Errorf("%s - query %q should end with %q", journalTestPrefix, query, wantLimit)
			}
			if len(args) != len(tt.wantArgs) {
				t.Fatalf("%s - args = %v, want %v", journalTestPrefix, args, tt.wantArgs)
			}
			for i := range args {
				if args[i] != tt.wantArgs[i] {
					t.Errorf("%s - args[%d] = %v, want %v", journalTestPrefix, i, args[i], tt.wantArgs[i])
				}
			}
		})
	}
}

func TestNullable(t *testing.T) {
	if nullable("") != nil {
		t.Errorf("%s - empty string should map to NULL", journalTestPrefix)
	}
	if got := nullable("x"); got == nil || *got != "x" {
		t.Errorf("%s - nullable(x) = %v", journalTestPrefix, got)
	}
}

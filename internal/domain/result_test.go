package domain

import (
	"testing"
	"time"
)

func TestVerdict_Values(t *testing.T) {
	tests := []struct {
		verdict Verdict
		want    string
	}{
		{VerdictNull, "Null"},
		{VerdictPass, "Pass"},
		{VerdictFail, "Fail"},
		{VerdictError, "Error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.verdict) != tt.want {
				t.Errorf("Verdict = %q, want %q", tt.verdict, tt.want)
			}
		})
	}
}

func TestSchedule_CloneDoesNotShare(t *testing.T) {
	last := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s := Schedule{Locales: []string{"en", "fr"}, LastRunAt: &last}

	c := s.Clone()
	c.Locales[0] = "de"
	*c.LastRunAt = last.Add(time.Hour)

	if s.Locales[0] != "en" {
		t.Errorf("original locales mutated: %v", s.Locales)
	}
	if !s.LastRunAt.Equal(last) {
		t.Errorf("original LastRunAt mutated: %v", s.LastRunAt)
	}
}

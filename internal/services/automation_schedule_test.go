package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "all wildcards", expr: "* * * * *"},
		{name: "weekday morning", expr: "0 9 * * 1"},
		{name: "month end", expr: "30 23 31 12 *"},
		{name: "extra spaces", expr: "  5   4 * * *  "},
		{name: "too few fields", expr: "0 9 * *", wantErr: true},
		{name: "too many fields", expr: "0 9 * * * *", wantErr: true},
		{name: "minute out of range", expr: "60 * * * *", wantErr: true},
		{name: "month zero", expr: "* * * 0 *", wantErr: true},
		{name: "weekday seven", expr: "* * * * 7", wantErr: true},
		{name: "ranges unsupported", expr: "1-5 * * * *", wantErr: true},
		{name: "steps unsupported", expr: "*/5 * * * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchedule(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSchedule_Matches(t *testing.T) {
	// 2026-10-12 is a Monday
	monday9 := time.Date(2026, time.October, 12, 9, 0, 30, 0, time.UTC)

	tests := []struct {
		expr string
		at   time.Time
		want bool
	}{
		{"* * * * *", monday9, true},
		{"0 9 * * 1", monday9, true},
		{"0 9 * * 2", monday9, false},
		{"1 9 * * 1", monday9, false},
		{"0 9 12 10 *", monday9, true},
		{"0 9 12 11 *", monday9, false},
		{"0 10 * * *", monday9, false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := ParseSchedule(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Matches(tt.at))
		})
	}
}

package record

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	p := NewParser(nil)

	tests := []struct {
		name string
		line string
		want Record
	}{
		{
			name: "full record",
			line: `{"logtime":"2024-01-01 10:00:00","level":"ERROR","class":"svcA.ClassX","log":"boom"}`,
			want: Record{
				Timestamp: "2024-01-01 10:00:00",
				Hour:      "2024-01-01 10:00:00",
				Level:     "ERROR",
				Class:     "ClassX",
				Service:   "svcA",
				Message:   "boom",
			},
		},
		{
			name: "no class field",
			line: `{"level":"INFO","log":"no class field"}`,
			want: Record{
				Level:        "INFO",
				Class:        UnknownName,
				Service:      UnknownName,
				Message:      "no class field",
				MissingClass: true,
			},
		},
		{
			name: "class split on first dot",
			line: `{"level":"WARN","class":"svc.pkg.Type","log":"x"}`,
			want: Record{Level: "WARN", Class: "pkg.Type", Service: "svc", Message: "x"},
		},
		{
			name: "class without dot",
			line: `{"level":"WARN","class":"Plain","log":"x"}`,
			want: Record{Level: "WARN", Class: UnknownName, Service: UnknownName, Message: "x", MissingClass: true},
		},
		{
			name: "empty service half",
			line: `{"class":".Type"}`,
			want: Record{Level: UnknownLevel, Class: UnknownName, Service: UnknownName, MissingClass: true},
		},
		{
			name: "unknown level",
			line: `{"level":"LOUD","class":"a.B","log":"x"}`,
			want: Record{Level: UnknownLevel, Class: "B", Service: "a", Message: "x"},
		},
		{
			name: "level is case sensitive",
			line: `{"level":"info","class":"a.B"}`,
			want: Record{Level: UnknownLevel, Class: "B", Service: "a"},
		},
		{
			name: "non-string level",
			line: `{"level":3,"class":"a.B"}`,
			want: Record{Level: UnknownLevel, Class: "B", Service: "a"},
		},
		{
			name: "unparseable timestamp kept raw",
			line: `{"logtime":"yesterday","level":"INFO","class":"a.B"}`,
			want: Record{Timestamp: "yesterday", Level: "INFO", Class: "B", Service: "a"},
		},
		{
			name: "millisecond timestamp",
			line: `{"logtime":"2024-03-05 07:59:59,123","level":"DEBUG","class":"a.B"}`,
			want: Record{Timestamp: "2024-03-05 07:59:59,123", Hour: "2024-03-05 07:00:00", Level: "DEBUG", Class: "B", Service: "a"},
		},
		{
			name: "access log timestamp keeps wall clock",
			line: `{"logtime":"17/Feb/2026:12:34:56 +0530","level":"INFO","class":"a.B"}`,
			want: Record{Timestamp: "17/Feb/2026:12:34:56 +0530", Hour: "2026-02-17 12:00:00", Level: "INFO", Class: "B", Service: "a"},
		},
		{
			name: "non-string message keeps json text",
			line: `{"level":"INFO","class":"a.B","log":{"k":1}}`,
			want: Record{Level: "INFO", Class: "B", Service: "a", Message: `{"k":1}`},
		},
		{
			name: "surrounding whitespace",
			line: "  {\"level\":\"INFO\",\"class\":\"a.B\"}\r\n",
			want: Record{Level: "INFO", Class: "B", Service: "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Parse(tt.line)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.line, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q)\n got  %+v\n want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	p := NewParser(nil)

	for _, line := range []string{
		"",
		"not json at all",
		`{"level":"INFO"`,
		`["a","b"]`,
		`"just a string"`,
		`null`,
	} {
		_, err := p.Parse(line)
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Parse(%q) error = %v, want ErrMalformed", line, err)
		}
	}
}

func TestParseCustomLevels(t *testing.T) {
	p := NewParser([]string{"NOTICE"})

	got, err := p.Parse(`{"level":"NOTICE"}`)
	if err != nil {
		t.Fatal(err)
	}
	if got.Level != "NOTICE" {
		t.Errorf("Level = %q, want NOTICE", got.Level)
	}

	got, err = p.Parse(`{"level":"ERROR"}`)
	if err != nil {
		t.Fatal(err)
	}
	if got.Level != UnknownLevel {
		t.Errorf("Level = %q, want %q", got.Level, UnknownLevel)
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		hour string
	}{
		{"2024-01-01 10:30:00", true, "2024-01-01 10:00:00"},
		{"2024-01-01 10:30:00,5", true, "2024-01-01 10:00:00"},
		{"2024-01-01 23:59:59,999999", true, "2024-01-01 23:00:00"},
		{"01/Jan/2024:00:00:01 -0700", true, "2024-01-01 00:00:00"},
		{"2024-01-01T10:30:00Z", false, ""},
		{"", false, ""},
		{"2024-13-01 10:30:00", false, ""},
	}

	for _, tt := range tests {
		got, ok := ParseTimestamp(tt.in)
		if ok != tt.ok {
			t.Errorf("ParseTimestamp(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.Format(HourLayout) != tt.hour {
			t.Errorf("ParseTimestamp(%q) hour = %q, want %q", tt.in, got.Format(HourLayout), tt.hour)
		}
	}
}

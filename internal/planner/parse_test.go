package planner

import "testing"

type probe struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestParseModelJSON(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    probe
		wantErr bool
	}{
		{
			name: "clean json",
			raw:  `{"name": "direct", "count": 1}`,
			want: probe{Name: "direct", Count: 1},
		},
		{
			name: "trailing comma repaired",
			raw:  `{"name": "repaired", "count": 2,}`,
			want: probe{Name: "repaired", Count: 2},
		},
		{
			name: "single quotes repaired",
			raw:  `{'name': 'quotes', 'count': 3}`,
			want: probe{Name: "quotes", Count: 3},
		},
		{
			name: "fenced block",
			raw:  "Here is the plan:\n```json\n{\"name\": \"fenced\", \"count\": 4}\n```\nLet me know.",
			want: probe{Name: "fenced", Count: 4},
		},
		{
			name: "fence without language tag",
			raw:  "```\n{\"name\": \"plain fence\", \"count\": 5}\n```",
			want: probe{Name: "plain fence", Count: 5},
		},
		{
			name: "balanced object in prose",
			raw:  `Sure! The result is {"name": "embedded", "count": 6} as requested.`,
			want: probe{Name: "embedded", Count: 6},
		},
		{
			name: "braces inside strings",
			raw:  `prefix {"name": "tricky {\"nested\": 1}", "count": 7} suffix`,
			want: probe{Name: `tricky {"nested": 1}`, Count: 7},
		},
		{
			name:    "empty response",
			raw:     "   ",
			wantErr: true,
		},
		{
			name:    "no json at all",
			raw:     "I could not produce a plan for that request.",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got probe
			err := parseModelJSON(tc.raw, &got)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseModelJSON(%q) succeeded with %+v, want error", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseModelJSON(%q): %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("parseModelJSON(%q) = %+v, want %+v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestParseModelJSONArray(t *testing.T) {
	var got []int
	if err := parseModelJSON("the values are [1, 2, 3] overall", &got); err != nil {
		t.Fatalf("parseModelJSON: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("got %v", got)
	}
}

func TestExtractBalanced(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`no brackets here`, ""},
		{`{"a": 1}`, `{"a": 1}`},
		{`text {"a": {"b": 2}} tail`, `{"a": {"b": 2}}`},
		{`unterminated {"a": 1`, ""},
		{`{"s": "escaped \" and } inside"} rest`, `{"s": "escaped \" and } inside"}`},
	}
	for _, tc := range cases {
		if got := extractBalanced(tc.raw); got != tc.want {
			t.Errorf("extractBalanced(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

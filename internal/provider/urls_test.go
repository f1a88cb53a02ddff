package provider

import (
	"reflect"
	"testing"
)

func TestValidResultURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want bool
	}{
		{"https image", "https://cdn.astria.ai/outputs/41f2.jpg", true},
		{"http image", "http://delivery.host.io/a/b/c.png", true},
		{"empty", "", false},
		{"too short", "http://a.b", false},
		{"ftp scheme", "ftp://files.host.io/out.jpg", false},
		{"no scheme", "cdn.astria.ai/outputs/41f2.jpg", false},
		{"placeholder marker", "https://cdn.host.io/placeholder.png", false},
		{"example host", "https://example.com/outputs/real-looking.jpg", false},
		{"debug path", "https://cdn.host.io/debug/frame.jpg", false},
		{"pending upload marker", "https://cdn.host.io/pending_upload/1.jpg", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidResultURL(tt.url); got != tt.want {
				t.Errorf("ValidResultURL(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestExtractURLs(t *testing.T) {
	tests := []struct {
		name       string
		candidates []string
		want       []string
	}{
		{
			name:       "filters and dedupes preserving order",
			candidates: []string{"https://cdn.host.io/1.jpg", "not-a-url", "https://cdn.host.io/1.jpg", "https://cdn.host.io/2.jpg"},
			want:       []string{"https://cdn.host.io/1.jpg", "https://cdn.host.io/2.jpg"},
		},
		{
			name:       "all invalid",
			candidates: []string{"", "placeholder", "https://example.com/x.png"},
			want:       nil,
		},
		{
			name:       "trims whitespace",
			candidates: []string{"  https://cdn.host.io/1.jpg  "},
			want:       []string{"https://cdn.host.io/1.jpg"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractURLs(tt.candidates)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractURLs(%v) = %v, want %v", tt.candidates, got, tt.want)
			}
		})
	}
}

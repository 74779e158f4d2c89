package util

import "testing"

func TestParseRate(t *testing.T) {
	tests := []struct {
		input   string
		want    float64
		wantErr bool
	}{
		{"50kb/s", 51200, false},
		{"100kb/s", 102400, false},
		{"1mb/s", 1048576, false},
		{"2mbit", 250000, false},
		{"100mbit", 12500000, false},
		{"8bit", 1, false},
		{"1000bps", 125, false},
		{"64kbps", 8000, false},
		{"512b/s", 512, false},
		{"1.5mb/s", 1572864, false},
		{"0kb/s", 0, true},
		{"-5kb/s", 0, true},
		{"fast", 0, true},
		{"50", 0, true},
		{"50xb/s", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRate(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRate(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseRate(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestBytesToBits(t *testing.T) {
	// 50KB/s must lower to the canonical 409600 bits per second.
	if got := BytesToBits(51200); got != 409600 {
		t.Errorf("BytesToBits(51200) = %d, want 409600", got)
	}
	if got := BytesToBits(1); got != 8 {
		t.Errorf("BytesToBits(1) = %d, want 8", got)
	}
}

func TestFormatBitRate(t *testing.T) {
	if got := FormatBitRate(409600); got != "409600bit" {
		t.Errorf("FormatBitRate(409600) = %q, want %q", got, "409600bit")
	}
}

func TestParseDurationMS(t *testing.T) {
	tests := []struct {
		input   string
		want    float64
		wantErr bool
	}{
		{"20ms", 20, false},
		{"30s", 30000, false},
		{"30 seconds", 30000, false},
		{"1min", 60000, false},
		{"2.5s", 2500, false},
		{"150", 150, false},
		{"soon", 0, true},
		{"10parsecs", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDurationMS(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDurationMS(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseDurationMS(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

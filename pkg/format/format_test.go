package format

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KB"},
		{1 << 20, "1.0 MB"},
		{5 << 30, "5.0 GB"},
		{-2048, "-2.0 KB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Bytes(tt.in), "Bytes(%d)", tt.in)
	}
}

func TestBitrate(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0 bps"},
		{800, "800 bps"},
		{128_000, "128.0 kbps"},
		{2_500_000, "2.5 Mbps"},
		{1.2e9, "1.2 Gbps"},
		{math.NaN(), "n/a"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Bitrate(tt.in), "Bitrate(%v)", tt.in)
	}
}

func TestNumber(t *testing.T) {
	assert.Equal(t, "1,234,567", Number(1234567))
	assert.Equal(t, "12", Number(12))
	assert.Equal(t, "45.7%", Percentage(45.678, 1))
}

func TestPosition(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "00:00.000"},
		{12.3456, "00:12.346"},
		{3725.5, "1:02:05.500"},
		{-1.5, "-00:01.500"},
		{math.Inf(1), "live"},
		{math.NaN(), "n/a"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Position(tt.in), "Position(%v)", tt.in)
	}
	assert.Equal(t, "12.3s", Seconds(12.345))
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{42 * time.Second, "42s"},
		{5 * time.Minute, "5m"},
		{5*time.Minute + 3*time.Second, "5m 3s"},
		{2 * time.Hour, "2h"},
		{90 * time.Minute, "1h 30m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Duration(tt.in), "Duration(%v)", tt.in)
	}
}

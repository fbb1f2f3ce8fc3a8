package tunnelproto

import (
	"testing"
	"time"
)

func BenchmarkDecodeEcho(b *testing.B) {
	payload := []byte(`{"type":"echo","data":{"id":42,"tags":["a","b","c"],"body":"hello world"}}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodePong(b *testing.B) {
	now := time.Now()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Encode(Pong(now)); err != nil {
			b.Fatal(err)
		}
	}
}

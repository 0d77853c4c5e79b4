package codec

import (
	"math/rand"
	"strings"
	"testing"
)

func TestRoundTripPreservesText(t *testing.T) {
	inputs := []string{
		"",
		"hello world",
		"const x = () => {\n  return 42\n}\n",
		"body { color: #336699; }",
		"<!doctype html><html><body>Привет, 世界 🌍</body></html>",
		strings.Repeat("abcdef", 10_000),
	}
	for _, input := range inputs {
		encoded := Encode(input)
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode failed for %q: %v", truncate(input), err)
		}
		if decoded != input {
			t.Fatalf("round trip mismatch for %q", truncate(input))
		}
	}
}

func TestRoundTripRandomStrings(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		input := randomText(rng)
		encoded := Encode(input)
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode failed at iteration %d: %v", i, err)
		}
		if decoded != input {
			t.Fatalf("round trip mismatch at iteration %d", i)
		}
		if Digest(encoded) != Digest(encoded) {
			t.Fatalf("digest not stable at iteration %d", i)
		}
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	first := Encode("function main() {}")
	second := Encode("function main() {}")
	if first != second {
		t.Fatalf("encoding is not deterministic")
	}
	if Digest(first) != Digest(second) {
		t.Fatalf("digests of identical content differ")
	}
	if Digest(first) == Digest(Encode("function main() { return }")) {
		t.Fatalf("digests of different content collide")
	}
	if len(Digest(first)) != 64 {
		t.Fatalf("expected hex sha-256 digest, got %q", Digest(first))
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	for _, bad := range []string{"not base64!!!", "aGVsbG8=", "AAAA"} {
		if _, err := Decode(bad); err == nil {
			t.Fatalf("expected error decoding %q", bad)
		}
	}
}

func randomText(rng *rand.Rand) string {
	runes := []rune("abcdefghijklmnopqrstuvwxyz{}();=<>/\" \n\tæøåПривет世界🌍")
	length := rng.Intn(512)
	var builder strings.Builder
	for i := 0; i < length; i++ {
		builder.WriteRune(runes[rng.Intn(len(runes))])
	}
	return builder.String()
}

func truncate(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}

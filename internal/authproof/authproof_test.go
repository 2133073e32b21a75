package authproof

import "testing"

// TestGenerateBitExact pins the wire-exact proof from a known test vector.
// Any change to the payload format or encoding breaks interop with remote
// peers and must not happen silently.
func TestGenerateBitExact(t *testing.T) {
	got, err := Generate("00", "XYZ", "appender", "N", 1700000000)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := "e8296a28df647768535b96f83e4b8faf0e5ac7181b6a22438854165d403ad418"
	if got != want {
		t.Errorf("proof = %s, want %s", got, want)
	}
}

func TestPayloadFormat(t *testing.T) {
	got := Payload("XYZ", "appender", "N", 1700000000)
	want := "openpull-auth|v1|XYZ|appender|N|1700000000"
	if got != want {
		t.Errorf("payload = %q, want %q", got, want)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	a, err := Generate("abcd1234", "tok", "reader", "nonce1", 1000)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate("abcd1234", "tok", "reader", "nonce1", 1000)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a != b {
		t.Errorf("Generate is not deterministic: %s != %s", a, b)
	}
}

func TestGenerateInvalidKey(t *testing.T) {
	if _, err := Generate("zz", "tok", "reader", "n", 1); err == nil {
		t.Fatal("expected error for non-hex key")
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	proof, err := Generate("abcd1234", "tok", "reader", "nonce1", 1000)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	ok, err := Verify("abcd1234", "tok", "reader", "nonce1", 1000, proof)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("Verify returned false for a valid proof")
	}

	ok, err = Verify("abcd1234", "tok", "reader", "nonce1", 1000, "deadbeef")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("Verify returned true for a forged proof")
	}
}

package signature

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("top-secret")
	payload := []byte(`{"hello":"world"}`)

	sig := Sign(AlgorithmHmacSHA256, secret, payload)
	if !Verify(AlgorithmHmacSHA256, secret, payload, sig) {
		t.Fatal("expected signature to verify against the same payload and secret")
	}
}

func TestVerifyRejectsPayloadMutation(t *testing.T) {
	secret := []byte("top-secret")
	payload := []byte(`{"hello":"world"}`)
	sig := Sign(AlgorithmHmacSHA256, secret, payload)

	mutated := []byte(`{"hello":"worle"}`)
	if Verify(AlgorithmHmacSHA256, secret, mutated, sig) {
		t.Fatal("expected verification to fail after payload mutation")
	}
}

func TestVerifyRejectsSignatureMutation(t *testing.T) {
	secret := []byte("top-secret")
	payload := []byte(`{"hello":"world"}`)
	sig := Sign(AlgorithmHmacSHA256, secret, payload)

	mutated := sig[:len(sig)-1] + "x"
	if Verify(AlgorithmHmacSHA256, secret, payload, mutated) {
		t.Fatal("expected verification to fail after signature mutation")
	}
}

func TestHeaderTimestampRoundTrip(t *testing.T) {
	header := HeaderTimestamp(1700000000123, "abc123")
	millis, nonce, err := ParseHeaderTimestamp(header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if millis != 1700000000123 || nonce != "abc123" {
		t.Fatalf("got millis=%d nonce=%q, want 1700000000123/abc123", millis, nonce)
	}
}

func TestHashAndVerifySecret(t *testing.T) {
	hashed, err := HashSecret("my-webhook-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !VerifySecret(hashed, "my-webhook-secret") {
		t.Fatal("expected VerifySecret to succeed for the correct plaintext")
	}
	if VerifySecret(hashed, "wrong-secret") {
		t.Fatal("expected VerifySecret to fail for the wrong plaintext")
	}
}

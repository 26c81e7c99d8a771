package identity

import (
	"encoding/base64"
	"testing"

	"Amorce-Core/internal/canonical"
)

func TestSignAndVerify(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	payload, err := canonical.Encode(map[string]any{"name": "Alice", "amount": 42})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sig := id.Sign(payload)

	if !Verify(payload, sig, id.PublicKey()) {
		t.Fatal("valid signature rejected")
	}

	// 篡改任意一个字节都必须导致验证失败。
	corrupted := append([]byte(nil), payload...)
	corrupted[0] ^= 0x01
	if Verify(corrupted, sig, id.PublicKey()) {
		t.Fatal("signature accepted over corrupted payload")
	}

	raw, _ := base64.StdEncoding.DecodeString(sig)
	raw[0] ^= 0x01
	if Verify(payload, base64.StdEncoding.EncodeToString(raw), id.PublicKey()) {
		t.Fatal("corrupted signature accepted")
	}

	other, err := Generate()
	if err != nil {
		t.Fatalf("generate second keypair: %v", err)
	}
	if Verify(payload, sig, other.PublicKey()) {
		t.Fatal("signature accepted with wrong public key")
	}
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if Verify([]byte("payload"), "not-base64!!", id.PublicKey()) {
		t.Fatal("malformed signature accepted")
	}
	if Verify([]byte("payload"), id.Sign([]byte("payload")), nil) {
		t.Fatal("nil public key accepted")
	}
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pemBytes, err := id.PrivateKeyPEM()
	if err != nil {
		t.Fatalf("encode pem: %v", err)
	}
	restored, err := FromPrivateKeyPEM(pemBytes)
	if err != nil {
		t.Fatalf("decode pem: %v", err)
	}
	payload := []byte("round trip")
	if !Verify(payload, restored.Sign(payload), id.PublicKey()) {
		t.Fatal("restored identity produced an invalid signature")
	}
}

func TestParsePublicKeyFormats(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	fromB64, err := ParsePublicKey(id.PublicKeyBase64())
	if err != nil {
		t.Fatalf("parse base64 key: %v", err)
	}

	pemBytes, err := MarshalPublicKeyPEM(id.PublicKey())
	if err != nil {
		t.Fatalf("marshal pem: %v", err)
	}
	fromPEM, err := ParsePublicKey(string(pemBytes))
	if err != nil {
		t.Fatalf("parse pem key: %v", err)
	}

	payload := []byte("formats")
	sig := id.Sign(payload)
	if !Verify(payload, sig, fromB64) || !Verify(payload, sig, fromPEM) {
		t.Fatal("parsed keys failed verification")
	}

	if _, err := ParsePublicKey("   "); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := ParsePublicKey(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected error for truncated key")
	}
}

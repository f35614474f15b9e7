package crypto

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	if addr.Prefix() != OwnerPrefix {
		t.Fatalf("unexpected prefix %q", addr.Prefix())
	}
	encoded := addr.String()
	if encoded[:4] != "cdp1" {
		t.Fatalf("expected cdp1 prefix, got %s", encoded)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(addr) || decoded.Prefix() != OwnerPrefix {
		t.Fatalf("round trip mismatch: %s vs %s", decoded, addr)
	}
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "cdp1", "not-an-address", "cdp1qqqqqq"} {
		if _, err := DecodeAddress(input); err == nil {
			t.Fatalf("expected error decoding %q", input)
		}
	}
}

func TestNewAddressPanicsOnWrongLength(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	NewAddress(OwnerPrefix, []byte{1, 2, 3})
}

func TestSignAndRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payload := []byte("POST/v1/positions/deposit{\"amount\":10}")
	sig, err := key.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signer, err := RecoverAddress(payload, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !signer.Equal(key.PubKey().Address()) {
		t.Fatalf("recovered %s, want %s", signer, key.PubKey().Address())
	}

	tampered, err := RecoverAddress(append(payload, '!'), sig)
	if err == nil && tampered.Equal(signer) {
		t.Fatalf("tampered payload recovered the original signer")
	}
	if _, err := RecoverAddress(payload, nil); err == nil {
		t.Fatalf("expected error for empty signature")
	}
}

func TestPrivateKeyBytesRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !bytes.Equal(restored.Bytes(), key.Bytes()) {
		t.Fatalf("restored key differs")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "owner.json")

	// Light scrypt parameters keep the test fast; the production path uses
	// the standard ones through SaveToKeystore.
	ks := keystore.NewKeyStore(filepath.Dir(path), keystore.LightScryptN, keystore.LightScryptP)
	if _, err := ks.ImportECDSA(key.PrivateKey, "secret"); err != nil {
		t.Fatalf("import: %v", err)
	}
	accounts := ks.Accounts()
	if len(accounts) != 1 {
		t.Fatalf("expected one account, got %d", len(accounts))
	}

	loaded, err := LoadFromKeystore(accounts[0].URL.Path, "secret")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.PubKey().Address().Equal(key.PubKey().Address()) {
		t.Fatalf("loaded key controls a different address")
	}
	if _, err := LoadFromKeystore(accounts[0].URL.Path, "wrong"); err == nil {
		t.Fatalf("expected error for wrong passphrase")
	}
}

func TestSignRequestBindsEveryField(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	body := []byte(`{"asset":"SOL","amount":5}`)
	sig, err := SignRequest(key, "post", "/v1/positions/borrow", 1700000000, "n-1", body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signer, err := RecoverAddress(RequestPayload("POST", "/v1/positions/borrow", 1700000000, "n-1", body), sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !signer.Equal(key.PubKey().Address()) {
		t.Fatalf("method casing changed the payload")
	}
	for name, payload := range map[string][]byte{
		"path":      RequestPayload("POST", "/v1/positions/repay", 1700000000, "n-1", body),
		"timestamp": RequestPayload("POST", "/v1/positions/borrow", 1700000001, "n-1", body),
		"nonce":     RequestPayload("POST", "/v1/positions/borrow", 1700000000, "n-2", body),
		"body":      RequestPayload("POST", "/v1/positions/borrow", 1700000000, "n-1", []byte(`{"asset":"SOL","amount":6}`)),
	} {
		other, err := RecoverAddress(payload, sig)
		if err == nil && other.Equal(signer) {
			t.Fatalf("changing the %s kept the signer", name)
		}
	}
}

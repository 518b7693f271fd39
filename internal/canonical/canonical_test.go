package canonical_test

import (
	"strings"
	"testing"

	"github.com/openskills/osp-server/internal/canonical"
)

func TestCanonicalizeKeyOrderIndependence(t *testing.T) {
	a := []byte(`{"b":1,"a":{"z":true,"y":"s"}}`)
	b := []byte(`{"a":{"y":"s","z":true},"b":1}`)

	ca, err := canonical.CanonicalizeRaw(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := canonical.CanonicalizeRaw(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("canonical forms differ:\n%s\n%s", ca, cb)
	}
	if string(ca) != `{"a":{"y":"s","z":true},"b":1}` {
		t.Fatalf("unexpected canonical form: %s", ca)
	}
}

func TestCanonicalizeNumberForms(t *testing.T) {
	got, err := canonical.CanonicalizeRaw([]byte(`{"n":1.0,"m":1e1,"z":-0.0}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	// ES6 number serialization: 1.0 -> 1, 1e1 -> 10, -0.0 -> 0.
	want := `{"m":10,"n":1,"z":0}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestHashStableAcrossRepresentations(t *testing.T) {
	h1, err := canonical.Hash(map[string]any{"x": 1, "y": "two"})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := canonical.Hash(map[string]any{"y": "two", "x": 1})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hashes differ: %s vs %s", h1, h2)
	}
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Fatalf("hash is not lowercase hex sha256: %s", h1)
	}
}

func TestSignVerifyAllAlgorithms(t *testing.T) {
	doc := map[string]any{"entry_type": "REGISTER", "skill_ref": "org.example.demo", "timestamp": 1700000000}

	for _, alg := range canonical.Algorithms {
		t.Run(alg, func(t *testing.T) {
			kp, err := canonical.GenerateKey(alg)
			if err != nil {
				t.Fatalf("generate key: %v", err)
			}
			sig, err := canonical.Sign(doc, kp.Private, alg)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}

			verifyKey := kp.Public
			if verifyKey == nil {
				verifyKey = kp.Private
			}
			if !canonical.Verify(doc, sig, verifyKey, alg) {
				t.Fatal("signature did not verify")
			}

			// Key-order-shuffled copy still verifies.
			shuffled := map[string]any{"timestamp": 1700000000, "skill_ref": "org.example.demo", "entry_type": "REGISTER"}
			if !canonical.Verify(shuffled, sig, verifyKey, alg) {
				t.Fatal("signature did not survive key reordering")
			}

			// Any field change breaks it.
			tampered := map[string]any{"entry_type": "REGISTER", "skill_ref": "org.example.evil", "timestamp": 1700000000}
			if canonical.Verify(tampered, sig, verifyKey, alg) {
				t.Fatal("tampered document verified")
			}
		})
	}
}

func TestVerifyNeverPanicsOnGarbage(t *testing.T) {
	kp, err := canonical.GenerateKey("ES256")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	doc := map[string]any{"a": 1}

	if canonical.Verify(doc, "not base64 !!!", kp.Public, "ES256") {
		t.Fatal("garbage signature verified")
	}
	if canonical.Verify(doc, "aGVsbG8=", kp.Public, "ES256") {
		t.Fatal("random bytes verified")
	}
	if canonical.Verify(doc, "aGVsbG8=", []byte("not a pem key"), "ES256") {
		t.Fatal("bad key verified")
	}
	if canonical.Verify(doc, "aGVsbG8=", kp.Public, "XX999") {
		t.Fatal("unknown algorithm verified")
	}
}

func TestAlgSupported(t *testing.T) {
	for _, alg := range canonical.Algorithms {
		if !canonical.AlgSupported(alg) {
			t.Fatalf("%s should be supported", alg)
		}
	}
	if canonical.AlgSupported("none") {
		t.Fatal("'none' must never be a supported algorithm")
	}
}

package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)
	plain := []byte("noised gradient sum")

	sealed, err := Encrypt(plain, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(sealed, plain) {
		t.Error("ciphertext contains plaintext")
	}

	again, err := Encrypt(plain, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(sealed, again) {
		t.Error("two encryptions produced the same ciphertext")
	}

	got, err := Decrypt(sealed, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Decrypt = %q, want %q", got, plain)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := Decrypt(sealed, key); err == nil {
		t.Error("expected authentication failure for tampered ciphertext")
	}
}

func TestDecryptShort(t *testing.T) {
	if _, err := Decrypt([]byte{1, 2}, bytes.Repeat([]byte{1}, KeySize)); err == nil {
		t.Error("expected error for short ciphertext")
	}
	if _, err := Encrypt([]byte("x"), []byte("short")); err == nil {
		t.Error("expected error for short key")
	}
}

func TestParseKey(t *testing.T) {
	cases := []struct {
		desc    string
		in      string
		wantLen int
		wantErr bool
	}{
		{desc: "empty disables encryption", in: "", wantLen: 0},
		{desc: "valid hex", in: strings.Repeat("ab", KeySize), wantLen: KeySize},
		{desc: "not hex", in: strings.Repeat("zz", KeySize), wantErr: true},
		{desc: "wrong length", in: "abcd", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			key, err := ParseKey(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}

				return
			}
			if err != nil {
				t.Fatalf("ParseKey: %v", err)
			}
			if len(key) != tc.wantLen {
				t.Errorf("key length = %d, want %d", len(key), tc.wantLen)
			}
		})
	}
}

// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package xibc

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"
)

func selfSignedCert(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "xivm test signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return cert, key
}

func TestSignAndVerifyModule(t *testing.T) {
	cert, key := selfSignedCert(t)
	image := sampleModule().Encode()

	sig, err := SignModule(image, cert, key)
	if err != nil {
		t.Fatalf("SignModule: %v", err)
	}

	info, err := VerifySignature(image, sig)
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if !info.Verified {
		t.Fatal("signature did not verify")
	}
	if info.Subject == "" || info.SerialNumber != "1" {
		t.Fatalf("unexpected signer info: %+v", info)
	}
}

func TestVerifyTamperedModuleFails(t *testing.T) {
	cert, key := selfSignedCert(t)
	image := sampleModule().Encode()

	sig, err := SignModule(image, cert, key)
	if err != nil {
		t.Fatalf("SignModule: %v", err)
	}

	tampered := append([]byte(nil), image...)
	tampered[len(tampered)-1] ^= 0xFF
	info, err := VerifySignature(tampered, sig)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if info.Verified {
		t.Fatal("tampered image must not report Verified")
	}
	if info.Subject == "" {
		t.Fatal("signer info should still name the claimed signer")
	}
}

func TestVerifyGarbageSignatureFails(t *testing.T) {
	if _, err := VerifySignature([]byte("image"), []byte("not a signature")); err == nil {
		t.Fatal("expected a parse error for garbage signature bytes")
	}
}

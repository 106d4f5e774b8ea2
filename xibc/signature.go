// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package xibc

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"go.mozilla.org/pkcs7"
)

// A module may carry a detached PKCS#7 signature over its full byte
// image, stored in a sidecar file next to the .xibc (SigFileSuffix).
// The signature covers every byte the encoder produced: tables, heaps
// and the version header alike.
const SigFileSuffix = ".sig"

var (
	// ErrSignatureInvalid is reported when the signature blob parses
	// but does not verify against the module image.
	ErrSignatureInvalid = errors.New("xibc: module signature invalid")
)

// SignatureInfo wraps the fields of the signer certificate worth
// surfacing to a human, plus the verification outcome.
type SignatureInfo struct {
	Issuer             string                  `json:"issuer"`
	Subject            string                  `json:"subject"`
	NotBefore          time.Time               `json:"not_before"`
	NotAfter           time.Time               `json:"not_after"`
	SerialNumber       string                  `json:"serial_number"`
	SignatureAlgorithm x509.SignatureAlgorithm `json:"signature_algorithm"`
	Verified           bool                    `json:"verified"`
}

// SignModule produces a detached PKCS#7 signature over image, signed by
// cert/key. The result is what a build pipeline writes to the sidecar
// file.
func SignModule(image []byte, cert *x509.Certificate, key crypto.PrivateKey) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(image)
	if err != nil {
		return nil, fmt.Errorf("xibc: building signed data: %w", err)
	}
	if err := sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("xibc: adding signer: %w", err)
	}
	sd.Detach()
	sig, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("xibc: finalizing signature: %w", err)
	}
	return sig, nil
}

// VerifySignature checks a detached PKCS#7 signature blob against a
// module's byte image. The signer's certificate details are returned
// even when verification fails, so a caller can report who claimed to
// have signed a tampered module.
func VerifySignature(image, sig []byte) (SignatureInfo, error) {
	p7, err := pkcs7.Parse(sig)
	if err != nil {
		return SignatureInfo{}, fmt.Errorf("xibc: parsing signature: %w", err)
	}
	p7.Content = image

	var info SignatureInfo
	if signer := p7.GetOnlySigner(); signer != nil {
		info = SignatureInfo{
			Issuer:             signer.Issuer.String(),
			Subject:            signer.Subject.String(),
			NotBefore:          signer.NotBefore,
			NotAfter:           signer.NotAfter,
			SerialNumber:       signer.SerialNumber.String(),
			SignatureAlgorithm: signer.SignatureAlgorithm,
		}
	}

	if err := p7.Verify(); err != nil {
		return info, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	info.Verified = true
	return info, nil
}

package jws

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"strings"
)

var (
	ErrMalformedToken = errors.New("malformed_token")
	ErrNoPinnedRoots  = errors.New("no_pinned_roots")
)

// Verifier checks compact signed tokens whose header embeds the signing
// certificate chain. The chain must validate to one of the pinned roots
// before the leaf key is trusted; an embedded chain alone proves nothing.
type Verifier struct {
	roots *x509.CertPool
}

func NewVerifier(roots *x509.CertPool) *Verifier {
	return &Verifier{roots: roots}
}

// NewVerifierFromFile loads pinned root certificates from a PEM file.
func NewVerifierFromFile(path string) (*Verifier, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificates in root CA file")
	}
	return &Verifier{roots: roots}, nil
}

type header struct {
	Alg string   `json:"alg"`
	X5c []string `json:"x5c"`
}

// Verify reports whether the token carries a valid ECDSA P-256/SHA-256
// signature from a certificate chaining to a pinned root. Callers must
// not trust decoded claims unless Verify returned true.
func (v *Verifier) Verify(token string) bool {
	if v == nil || v.roots == nil {
		return false
	}

	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return false
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var hdr header
	if err := json.Unmarshal(headerBytes, &hdr); err != nil {
		return false
	}
	if hdr.Alg != "ES256" || len(hdr.X5c) == 0 {
		return false
	}

	chain := make([]*x509.Certificate, 0, len(hdr.X5c))
	for _, encoded := range hdr.X5c {
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return false
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return false
		}
		chain = append(chain, cert)
	}

	leaf := chain[0]
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return false
	}

	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return false
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(signature) != 64 {
		return false
	}
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:])

	// The signed byte string is the exact header.payload text.
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	return ecdsa.Verify(pub, digest[:], r, s)
}

// Decode extracts the payload claims without any verification.
func Decode[T any](token string) (T, error) {
	var claims T

	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return claims, ErrMalformedToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return claims, ErrMalformedToken
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return claims, err
	}
	return claims, nil
}

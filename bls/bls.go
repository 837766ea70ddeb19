// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bls implements BLS12-381 signatures in the minimal-signature-size
// variant: signatures live in G1 (48 bytes compressed) and public keys in
// G2 (96 bytes compressed). Signatures over the same message aggregate into
// a single G1 point.
package bls

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

const (
	SecretKeyLength = fr.Bytes
	PublicKeyLength = bls12381.SizeOfG2AffineCompressed
	SignatureLength = bls12381.SizeOfG1AffineCompressed
)

// DST is the hash-to-curve domain separation tag for the basic scheme.
var DST = []byte("BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_")

var (
	ErrInvalidSecretKey = errors.New("bls: invalid secret key")
	ErrInvalidPublicKey = errors.New("bls: invalid public key")
	ErrInvalidSignature = errors.New("bls: invalid signature")
	ErrNoSignatures     = errors.New("bls: nothing to aggregate")
)

// PublicKey is a point in G2.
type PublicKey struct {
	point bls12381.G2Affine
}

// Bytes returns the compressed encoding.
func (pk PublicKey) Bytes() []byte {
	b := pk.point.Bytes()
	return b[:]
}

func (pk PublicKey) Equal(other PublicKey) bool {
	return pk.point.Equal(&other.point)
}

func (pk PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(pk.Bytes())
}

// PublicKeyFromBytes decodes a compressed G2 point.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != PublicKeyLength {
		return PublicKey{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(b), PublicKeyLength)
	}
	var pk PublicKey
	if _, err := pk.point.SetBytes(b); err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if pk.point.IsInfinity() {
		return PublicKey{}, fmt.Errorf("%w: identity point", ErrInvalidPublicKey)
	}
	return pk, nil
}

// KeyPair holds a secret scalar and its public key. It is a plain value:
// copies share no memory.
type KeyPair struct {
	secret fr.Element
	public PublicKey
}

// GenerateKeyPair draws a fresh key pair from crypto/rand.
func GenerateKeyPair() (KeyPair, error) {
	for {
		buf := make([]byte, SecretKeyLength)
		if _, err := rand.Read(buf); err != nil {
			return KeyPair{}, err
		}
		kp, err := KeyPairFromBytes(buf)
		if errors.Is(err, ErrInvalidSecretKey) {
			continue
		}
		return kp, err
	}
}

// KeyPairFromBytes builds a key pair from a big-endian secret scalar.
func KeyPairFromBytes(b []byte) (KeyPair, error) {
	if len(b) != SecretKeyLength {
		return KeyPair{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSecretKey, len(b), SecretKeyLength)
	}
	var n big.Int
	n.SetBytes(b)
	if n.Sign() == 0 || n.Cmp(fr.Modulus()) >= 0 {
		return KeyPair{}, fmt.Errorf("%w: scalar out of range", ErrInvalidSecretKey)
	}
	var kp KeyPair
	kp.secret.SetBigInt(&n)
	_, _, _, g2 := bls12381.Generators()
	kp.public.point.ScalarMultiplication(&g2, &n)
	return kp, nil
}

// Public returns the public half.
func (kp KeyPair) Public() PublicKey {
	return kp.public
}

// Bytes returns the 32-byte big-endian secret scalar.
func (kp KeyPair) Bytes() []byte {
	b := kp.secret.Bytes()
	return b[:]
}

// EncodeBase64 is the canonical text form of a key pair.
func (kp KeyPair) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(kp.Bytes())
}

// DecodeBase64 replaces kp with the key pair encoded in s.
func (kp *KeyPair) DecodeBase64(s string) error {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	decoded, err := KeyPairFromBytes(b)
	if err != nil {
		return err
	}
	*kp = decoded
	return nil
}

// Sign signs msg.
func (kp KeyPair) Sign(msg []byte) (Signature, error) {
	h, err := bls12381.HashToG1(msg, DST)
	if err != nil {
		return Signature{}, err
	}
	var sig Signature
	sig.point.ScalarMultiplication(&h, kp.secret.BigInt(new(big.Int)))
	return sig, nil
}

// Signature is a point in G1.
type Signature struct {
	point bls12381.G1Affine
}

func (s Signature) Bytes() []byte {
	b := s.point.Bytes()
	return b[:]
}

func (s Signature) Equal(other Signature) bool {
	return s.point.Equal(&other.point)
}

// SignatureFromBytes decodes a compressed G1 point.
func SignatureFromBytes(b []byte) (Signature, error) {
	var s Signature
	if err := decodeG1(&s.point, b); err != nil {
		return Signature{}, err
	}
	return s, nil
}

// Verify checks s against msg and pk.
func (s Signature) Verify(pk PublicKey, msg []byte) bool {
	return verify(&s.point, &pk.point, msg)
}

// AggregateSignature is the sum of signatures over one message.
type AggregateSignature struct {
	point bls12381.G1Affine
}

// Aggregate sums sigs.
func Aggregate(sigs ...Signature) (AggregateSignature, error) {
	if len(sigs) == 0 {
		return AggregateSignature{}, ErrNoSignatures
	}
	var acc bls12381.G1Jac
	acc.FromAffine(&sigs[0].point)
	for i := 1; i < len(sigs); i++ {
		acc.AddMixed(&sigs[i].point)
	}
	var agg AggregateSignature
	agg.point.FromJacobian(&acc)
	return agg, nil
}

func (a AggregateSignature) Bytes() []byte {
	b := a.point.Bytes()
	return b[:]
}

func (a AggregateSignature) Equal(other AggregateSignature) bool {
	return a.point.Equal(&other.point)
}

// AggregateSignatureFromBytes decodes a compressed G1 point.
func AggregateSignatureFromBytes(b []byte) (AggregateSignature, error) {
	var a AggregateSignature
	if err := decodeG1(&a.point, b); err != nil {
		return AggregateSignature{}, err
	}
	return a, nil
}

// Verify checks that every key in pks signed msg.
func (a AggregateSignature) Verify(pks []PublicKey, msg []byte) bool {
	if len(pks) == 0 {
		return false
	}
	var acc bls12381.G2Jac
	acc.FromAffine(&pks[0].point)
	for i := 1; i < len(pks); i++ {
		acc.AddMixed(&pks[i].point)
	}
	var pk bls12381.G2Affine
	pk.FromJacobian(&acc)
	return verify(&a.point, &pk, msg)
}

func decodeG1(p *bls12381.G1Affine, b []byte) error {
	if len(b) != SignatureLength {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSignature, len(b), SignatureLength)
	}
	if _, err := p.SetBytes(b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// e(sig, g2) == e(H(msg), pk)
func verify(sig *bls12381.G1Affine, pk *bls12381.G2Affine, msg []byte) bool {
	if sig.IsInfinity() || pk.IsInfinity() {
		return false
	}
	h, err := bls12381.HashToG1(msg, DST)
	if err != nil {
		return false
	}
	var negH bls12381.G1Affine
	negH.Neg(&h)
	_, _, _, g2 := bls12381.Generators()
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{*sig, negH},
		[]bls12381.G2Affine{g2, *pk},
	)
	return err == nil && ok
}

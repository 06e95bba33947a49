package core

import (
	"crypto/ed25519"
	"fmt"

	"github.com/bit2swaz/afetmesh/internal/envelope"
)

// Sign attaches the sender key and a detached ed25519 signature over the
// unsigned canonical encoding of r. The signed frame must still fit in one
// radio frame.
func Sign(r envelope.Record, priv ed25519.PrivateKey) (envelope.Record, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return envelope.Record{}, fmt.Errorf("bad private key size %d", len(priv))
	}
	out := r.Unsigned()
	out.SenderKey = append([]byte(nil), priv.Public().(ed25519.PublicKey)...)

	msg, err := envelope.SigningBytes(out)
	if err != nil {
		return envelope.Record{}, err
	}
	out.Signature = ed25519.Sign(priv, msg)
	out.Hops = r.Hops

	if _, err := envelope.Encode(out); err != nil {
		return envelope.Record{}, err
	}
	return out, nil
}

// Verify reports whether r carries a valid signature by pub. It never fails
// loudly: any structural or cryptographic mismatch yields false.
func Verify(r envelope.Record, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(r.Signature) != ed25519.SignatureSize {
		return false
	}
	msg, err := envelope.SigningBytes(r)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, r.Signature)
}

// VerifySender checks r against the key it claims to be signed with.
func VerifySender(r envelope.Record) bool {
	return Verify(r, ed25519.PublicKey(r.SenderKey))
}

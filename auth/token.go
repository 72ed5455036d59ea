// Package auth issues and verifies the punch-coordination tokens
// exchanged through the rendezvous coordinator. A token binds a peer
// to a session for a bounded window: it carries the session id, peer
// id, issue and expiry timestamps, and an HMAC-SHA256 over session id,
// peer id and issue time keyed by the shared server secret. The token
// is self-contained so the hole punch responder can verify it with
// nothing but the secret.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTokenMalformed indicates the token could not be decoded.
	ErrTokenMalformed = errors.New("auth: malformed token")
	// ErrTokenInvalid indicates the MAC did not verify.
	ErrTokenInvalid = errors.New("auth: token MAC mismatch")
	// ErrTokenExpired indicates the token is past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")
)

const macSize = sha256.Size

// Token is an issued punch-coordination token.
type Token struct {
	Value     string
	SessionID string
	PeerID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Claims are the verified contents of a token.
type Claims struct {
	SessionID string
	PeerID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer mints and verifies tokens with a shared secret. The TTL is
// the hole-punch timeout: a token is only useful while the coordinated
// punch window is open.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates a token issuer.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, ttl: ttl}
}

// Issue mints a token for peerID within sessionID.
func (i *Issuer) Issue(sessionID, peerID string, now time.Time) (Token, error) {
	if len(sessionID) == 0 || len(sessionID) > 255 {
		return Token{}, fmt.Errorf("auth: session id length %d out of range", len(sessionID))
	}
	if len(peerID) == 0 || len(peerID) > 255 {
		return Token{}, fmt.Errorf("auth: peer id length %d out of range", len(peerID))
	}

	issued := now.Unix()
	expires := now.Add(i.ttl).Unix()

	buf := make([]byte, 0, 2+len(sessionID)+len(peerID)+16+macSize)
	buf = append(buf, byte(len(sessionID)))
	buf = append(buf, sessionID...)
	buf = append(buf, byte(len(peerID)))
	buf = append(buf, peerID...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(issued))
	buf = binary.BigEndian.AppendUint64(buf, uint64(expires))
	buf = append(buf, i.mac(sessionID, peerID, issued)...)

	return Token{
		Value:     base64.RawURLEncoding.EncodeToString(buf),
		SessionID: sessionID,
		PeerID:    peerID,
		IssuedAt:  time.Unix(issued, 0),
		ExpiresAt: time.Unix(expires, 0),
	}, nil
}

// Verify checks an encoded token and returns its claims. The MAC is
// compared in constant time before the expiry check so malformed and
// forged tokens are indistinguishable to a probing sender.
func (i *Issuer) Verify(encoded string, now time.Time) (Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, ErrTokenMalformed
	}
	if len(raw) < 2 {
		return Claims{}, ErrTokenMalformed
	}

	sidLen := int(raw[0])
	if len(raw) < 1+sidLen+1 {
		return Claims{}, ErrTokenMalformed
	}
	sessionID := string(raw[1 : 1+sidLen])

	rest := raw[1+sidLen:]
	pidLen := int(rest[0])
	if len(rest) != 1+pidLen+16+macSize {
		return Claims{}, ErrTokenMalformed
	}
	peerID := string(rest[1 : 1+pidLen])
	issued := int64(binary.BigEndian.Uint64(rest[1+pidLen:]))
	expires := int64(binary.BigEndian.Uint64(rest[1+pidLen+8:]))
	mac := rest[1+pidLen+16:]

	if !hmac.Equal(mac, i.mac(sessionID, peerID, issued)) {
		return Claims{}, ErrTokenInvalid
	}
	if now.Unix() > expires {
		return Claims{}, ErrTokenExpired
	}

	return Claims{
		SessionID: sessionID,
		PeerID:    peerID,
		IssuedAt:  time.Unix(issued, 0),
		ExpiresAt: time.Unix(expires, 0),
	}, nil
}

func (i *Issuer) mac(sessionID, peerID string, issued int64) []byte {
	h := hmac.New(sha256.New, i.secret)
	h.Write([]byte(sessionID))
	h.Write([]byte(peerID))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(issued))
	h.Write(ts[:])
	return h.Sum(nil)
}

// Package auth implements request signing with Ethereum keys and the
// owner's TOTP second factor.
package auth

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Request headers carrying the signature.
const (
	HeaderCaller    = "X-Oracle-Caller"
	HeaderTimestamp = "X-Oracle-Timestamp"
	HeaderSignature = "X-Oracle-Signature"
	HeaderNonce     = "X-Oracle-Nonce"
	HeaderTOTP      = "X-Oracle-TOTP"
)

var (
	ErrMissingSignature = errors.New("auth: missing signature headers")
	ErrStaleSignature   = errors.New("auth: signature timestamp outside allowed window")
	ErrBadSignature     = errors.New("auth: invalid signature")
	ErrSignerMismatch   = errors.New("auth: signature does not match caller")
	ErrReplayed         = errors.New("auth: request already used")
)

// maxTrackedNonces bounds the used-request cache.
const maxTrackedNonces = 1 << 16

// Message is the text signed for a request:
// "METHOD PATH UNIX_TS NONCE 0x<keccak256(body)>".
func Message(method, path string, ts int64, nonce string, body []byte) string {
	return fmt.Sprintf("%s %s %d %s %s", strings.ToUpper(method), path, ts, nonce, ethcrypto.Keccak256Hash(body).Hex())
}

// Digest is the EIP-191 personal-message hash of Message.
func Digest(method, path string, ts int64, nonce string, body []byte) []byte {
	return accounts.TextHash([]byte(Message(method, path, ts, nonce, body)))
}

// NewNonce returns 16 random bytes, hex encoded.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Sign produces a 65-byte [R || S || V] signature with V in {27, 28}.
func Sign(key *ecdsa.PrivateKey, method, path string, ts int64, nonce string, body []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(Digest(method, path, ts, nonce, body), key)
	if err != nil {
		return nil, fmt.Errorf("auth: sign: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignRequest sets the caller, timestamp, nonce and signature headers on req.
func SignRequest(req *http.Request, key *ecdsa.PrivateKey, body []byte, now time.Time) error {
	ts := now.Unix()
	nonce, err := NewNonce()
	if err != nil {
		return err
	}
	sig, err := Sign(key, req.Method, req.URL.Path, ts, nonce, body)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderCaller, ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}

// Recover returns the address that produced sig over the request digest.
// Both V conventions (0/1 and 27/28) are accepted.
func Recover(method, path string, ts int64, nonce string, body, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: want %d bytes, got %d", ErrBadSignature, ethcrypto.SignatureLength, len(sig))
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[ethcrypto.RecoveryIDOffset] >= 27 {
		s[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(Digest(method, path, ts, nonce, body), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verifier authenticates signed HTTP requests. Each (caller, nonce) pair is
// accepted once while its timestamp is still inside MaxAge.
type Verifier struct {
	MaxAge time.Duration
	Now    func() time.Time

	mu   sync.Mutex
	used *expirable.LRU[string, struct{}]
}

// NewVerifier accepts signatures whose timestamp is within maxAge of now.
func NewVerifier(maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	return &Verifier{
		MaxAge: maxAge,
		Now:    time.Now,
		// A timestamp may sit up to MaxAge in the future, so it can stay
		// valid for 2*MaxAge of wall time.
		used: expirable.NewLRU[string, struct{}](maxTrackedNonces, nil, 2*maxAge),
	}
}

// Verify checks the signature headers of r against body and returns the caller.
func (v *Verifier) Verify(r *http.Request, body []byte) (common.Address, error) {
	callerHex := r.Header.Get(HeaderCaller)
	tsStr := r.Header.Get(HeaderTimestamp)
	sigHex := r.Header.Get(HeaderSignature)
	nonce := r.Header.Get(HeaderNonce)
	if callerHex == "" || tsStr == "" || sigHex == "" || nonce == "" {
		return common.Address{}, ErrMissingSignature
	}
	if !common.IsHexAddress(callerHex) {
		return common.Address{}, fmt.Errorf("%w: bad caller %q", ErrBadSignature, callerHex)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: bad timestamp %q", ErrBadSignature, tsStr)
	}
	age := v.Now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > v.MaxAge {
		return common.Address{}, ErrStaleSignature
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	signer, err := Recover(r.Method, r.URL.Path, ts, nonce, body, sig)
	if err != nil {
		return common.Address{}, err
	}
	if signer != common.HexToAddress(callerHex) {
		return common.Address{}, ErrSignerMismatch
	}
	if err := v.markUsed(signer, nonce); err != nil {
		return common.Address{}, err
	}
	return signer, nil
}

// markUsed records the nonce for signer, failing if it was already seen.
func (v *Verifier) markUsed(signer common.Address, nonce string) error {
	key := signer.Hex() + "/" + nonce
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.used == nil {
		v.used = expirable.NewLRU[string, struct{}](maxTrackedNonces, nil, 2*v.MaxAge)
	}
	if v.used.Contains(key) {
		return ErrReplayed
	}
	v.used.Add(key, struct{}{})
	return nil
}

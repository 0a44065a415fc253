package auth

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrKeyExpired 玩家公钥已过期
var ErrKeyExpired = errors.New("player public key expired")

// PlayerKey 1.19 客户端登录时携带的会话公钥
type PlayerKey struct {
	Public  *rsa.PublicKey
	Expires time.Time
}

// ParsePlayerKey 解析玩家公钥并检查过期时间，expiresMillis 为 Unix 毫秒
func ParsePlayerKey(der []byte, expiresMillis int64, now time.Time) (*PlayerKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse player key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("player key is %T, want rsa", pub)
	}
	expires := time.UnixMilli(expiresMillis)
	if !now.Before(expires) {
		return nil, ErrKeyExpired
	}
	return &PlayerKey{Public: rsaPub, Expires: expires}, nil
}

// VerifySaltSignature 校验 SHA256withRSA(verifyToken ‖ salt) 签名
func (k *PlayerKey) VerifySaltSignature(verifyToken []byte, salt int64, signature []byte) error {
	h := sha256.New()
	h.Write(verifyToken)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(salt))
	h.Write(b[:])
	if err := rsa.VerifyPKCS1v15(k.Public, crypto.SHA256, h.Sum(nil), signature); err != nil {
		return fmt.Errorf("verify salt signature: %w", err)
	}
	return nil
}

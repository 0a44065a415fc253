package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
)

// KeyPair 服务器 RSA 密钥对，启动时生成一次，所有连接共享
type KeyPair struct {
	private *rsa.PrivateKey
	der     []byte
}

// GenerateKeyPair 生成密钥对，bits 通常为 1024（客户端期望的长度）
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits <= 0 {
		bits = 1024
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return &KeyPair{private: priv, der: der}, nil
}

// PublicDER X.509 SubjectPublicKeyInfo 格式的公钥
func (k *KeyPair) PublicDER() []byte { return k.der }

// Public 公钥
func (k *KeyPair) Public() *rsa.PublicKey { return &k.private.PublicKey }

// Decrypt PKCS#1 v1.5 解密客户端发来的密文
func (k *KeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	out, err := rsa.DecryptPKCS1v15(rand.Reader, k.private, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("rsa decrypt: %w", err)
	}
	return out, nil
}

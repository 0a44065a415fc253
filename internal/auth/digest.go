package auth

import (
	"crypto/sha1"
	"math/big"

	"github.com/Tnze/go-mc/offline"
	"github.com/google/uuid"
)

// ServerHash 会话服务器使用的摘要：SHA-1(serverID ‖ secret ‖ publicDER)
// 按有符号二进制补码解释后输出十六进制，负数带前导 "-"，不补零
func ServerHash(serverID string, secret, publicDER []byte) string {
	h := sha1.New()
	h.Write([]byte(serverID))
	h.Write(secret)
	h.Write(publicDER)
	sum := h.Sum(nil)

	n := new(big.Int).SetBytes(sum)
	if sum[0]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(sum)*8)))
	}
	return n.Text(16)
}

// OfflineUUID 离线模式玩家 UUID（"OfflinePlayer:<name>" 的 MD5 v3）
func OfflineUUID(name string) uuid.UUID {
	return offline.NameToUUID(name)
}

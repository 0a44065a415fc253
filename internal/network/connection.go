package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

// ConnectionHandler 为每个新连接打开一个协议会话
type ConnectionHandler interface {
	Open(ctx context.Context, conn *Connection) (Session, error)
}

// Session 连接上的协议会话，由传输层送入收到的字节
type Session interface {
	// Feed 送入收到的原始字节。返回错误时会话已自行关闭
	Feed(data []byte) error
	// Close 传输层关闭时调用，可重复调用
	Close(cause error)
}

type connKey struct{}

// withConnection 把连接放入 context
func withConnection(ctx context.Context, conn *Connection) context.Context {
	return context.WithValue(ctx, connKey{}, conn)
}

// ConnectionFrom 从 context 取出连接
func ConnectionFrom(ctx context.Context) (*Connection, bool) {
	conn, ok := ctx.Value(connKey{}).(*Connection)
	return conn, ok
}

// newConnID 生成连接 ID
func newConnID(remoteIP string) string {
	return fmt.Sprintf("%s-%d", remoteIP, time.Now().UnixNano())
}

// splitRemoteIP 解析远程地址中的 IP
func splitRemoteIP(addr net.Addr) (string, error) {
	if addr == nil {
		return "", fmt.Errorf("remote address is nil")
	}
	ip, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", err
	}
	return ip, nil
}

package protocol

// State 连接状态
type State int32

const (
	StateHandshake State = iota
	StateStatus
	StateLogin
	StatePlay
)

// 握手包 next_state 字段取值
const (
	NextStateStatus = 1
	NextStateLogin  = 2
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateStatus:
		return "status"
	case StateLogin:
		return "login"
	case StatePlay:
		return "play"
	}
	return "unknown"
}

// transitions 单向状态转移图
var transitions = map[State][]State{
	StateHandshake: {StateStatus, StateLogin},
	StateLogin:     {StatePlay},
}

// CanTransition 检查状态转移是否合法
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Direction 消息方向
type Direction uint8

const (
	// Serverbound 客户端发往服务器
	Serverbound Direction = iota
	// Clientbound 服务器发往客户端
	Clientbound
)

func (d Direction) String() string {
	if d == Serverbound {
		return "serverbound"
	}
	return "clientbound"
}

package protocol

import "fmt"

// Opcode identifies a frame's meaning and the fields that follow it.
type Opcode uint8

// Canonical opcode table. Values are fixed for both ends of the connection.
const (
	OpConnect        Opcode = 0 // legacy, not served
	OpConnected      Opcode = 1
	OpRegister       Opcode = 2
	OpLogin          Opcode = 3
	OpAuthSuccess    Opcode = 4
	OpMessage        Opcode = 5
	OpMessageHistory Opcode = 6
	OpAuthFailed     Opcode = 7
	OpDisconnect     Opcode = 8
	OpIdentify       Opcode = 9
	OpLogout         Opcode = 10
	OpDisconnected   Opcode = 11
)

// HistoryEndMarker is the text of the MessageHistory frame that closes a replay.
const HistoryEndMarker = "--- End of message history ---"

// Direction selects which half of the opcode table applies to a frame.
type Direction uint8

const (
	ClientToServer Direction = iota
	ServerToClient
)

type opcodeInfo struct {
	name     string
	toServer int // field count when sent by a client, -1 if never sent that way
	toClient int // field count when sent by the server, -1 if never sent that way
}

var opcodeTable = map[Opcode]opcodeInfo{
	OpConnect:        {"CONNECT", 1, -1},
	OpConnected:      {"CONNECTED", -1, 2},
	OpRegister:       {"REGISTER", 2, -1},
	OpLogin:          {"LOGIN", 2, -1},
	OpAuthSuccess:    {"AUTH_SUCCESS", -1, 2},
	OpMessage:        {"MESSAGE", 1, 1},
	OpMessageHistory: {"MESSAGE_HISTORY", -1, 1},
	OpAuthFailed:     {"AUTH_FAILED", -1, 1},
	OpDisconnect:     {"DISCONNECT", 1, -1},
	OpIdentify:       {"IDENTIFY", 1, -1},
	OpLogout:         {"LOGOUT", 1, -1},
	OpDisconnected:   {"DISCONNECTED", -1, 2},
}

func (op Opcode) String() string {
	if info, ok := opcodeTable[op]; ok {
		return info.name
	}
	return fmt.Sprintf("OPCODE(%d)", uint8(op))
}

// FieldCount returns how many fields follow op when travelling in dir.
// ok is false for opcodes that are unknown or never sent in that direction.
func FieldCount(op Opcode, dir Direction) (n int, ok bool) {
	info, found := opcodeTable[op]
	if !found {
		return 0, false
	}
	n = info.toServer
	if dir == ServerToClient {
		n = info.toClient
	}
	if n < 0 {
		return 0, false
	}
	return n, true
}

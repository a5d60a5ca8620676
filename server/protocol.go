package server

// MessageType tags websocket frames in both directions.
type MessageType string

// Client to server.
const (
	MsgHello MessageType = "hello"
	MsgCode  MessageType = "code"
	MsgRun   MessageType = "run"
	MsgStop  MessageType = "stop"
)

// Server to client. MsgCode is used both ways.
const (
	MsgClear   MessageType = "clear"
	MsgAppend  MessageType = "append"
	MsgRunning MessageType = "running"
	MsgShare   MessageType = "share"
	MsgError   MessageType = "error"
)

// ClientMessage is a frame sent by the page.
type ClientMessage struct {
	Type     MessageType `json:"type"`
	Fragment string      `json:"fragment,omitempty"`
	Code     *string     `json:"code,omitempty"`
}

// ServerMessage is a frame sent to the page.
type ServerMessage struct {
	Type    MessageType `json:"type"`
	Code    *string     `json:"code,omitempty"`
	Text    string      `json:"text,omitempty"`
	Running *bool       `json:"running,omitempty"`
	Token   string      `json:"token,omitempty"`
	URL     string      `json:"url,omitempty"`
}

type shareRequest struct {
	Code string `json:"code"`
}

type shareResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

type codeResponse struct {
	Code string `json:"code"`
}

type errorResponse struct {
	Error string `json:"error"`
	Cause string `json:"cause,omitempty"`
}

package transport

import json "github.com/goccy/go-json"

// Frame is the relay wire protocol shared by the websocket client and
// the relay server. One flat shape keeps routing trivial on both ends.
type Frame struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	Peer    string          `json:"peer,omitempty"`
	Room    string          `json:"room,omitempty"`
	To      string          `json:"to,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	Members []string        `json:"members,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

const (
	FrameLogin   = "login"
	FrameLoginOK = "login_ok"
	FrameJoin    = "join"
	FrameJoinOK  = "join_ok"
	FrameLeave   = "leave"
	FrameMembers = "members"
	FramePublish = "pub"
	FrameP2P     = "p2p"
	FrameMessage = "msg"
	FrameJoined  = "member_joined"
	FrameLeft    = "member_left"
	FrameKicked  = "kicked"
	FrameError   = "error"
)

// ReasonRemoteLogin is sent with a kicked frame when the same peer id
// logs in on another connection.
const ReasonRemoteLogin = "remote_login"

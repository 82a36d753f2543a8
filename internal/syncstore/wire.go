package syncstore

// StoreFrame is the wire shape between a remote store client and the
// relay's store service.
type StoreFrame struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq,omitempty"`
	Namespace string `json:"ns,omitempty"`
	Value     Value  `json:"value,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

const (
	StoreFrameConnect   = "connect"
	StoreFrameConnected = "connected"
	StoreFrameSet       = "set"
	StoreFrameOK        = "ok"
	StoreFrameGet       = "get"
	StoreFrameValue     = "value"
	StoreFrameUpdate    = "update"
	StoreFrameErr       = "error"
)

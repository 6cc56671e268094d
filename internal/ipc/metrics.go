package ipc

import "sync/atomic"

type MetricsSnapshot struct {
	Listeners         int64 `json:"listeners"`
	Conns             int64 `json:"conns"`
	Opened            int64 `json:"opened"`
	Accepted          int64 `json:"accepted"`
	HandshakeFailures int64 `json:"handshake_failures"`
	Interruptions     int64 `json:"interruptions"`
	Reconnects        int64 `json:"reconnects"`
	MessagesSent      int64 `json:"messages_sent"`
	MessagesRecv      int64 `json:"messages_recv"`
	RepliesSent       int64 `json:"replies_sent"`
	RepliesRecv       int64 `json:"replies_recv"`
}

type Metrics struct {
	listeners         atomic.Int64
	conns             atomic.Int64
	opened            atomic.Int64
	accepted          atomic.Int64
	handshakeFailures atomic.Int64
	interruptions     atomic.Int64
	reconnects        atomic.Int64
	messagesSent      atomic.Int64
	messagesRecv      atomic.Int64
	repliesSent       atomic.Int64
	repliesRecv       atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Listeners:         m.listeners.Load(),
		Conns:             m.conns.Load(),
		Opened:            m.opened.Load(),
		Accepted:          m.accepted.Load(),
		HandshakeFailures: m.handshakeFailures.Load(),
		Interruptions:     m.interruptions.Load(),
		Reconnects:        m.reconnects.Load(),
		MessagesSent:      m.messagesSent.Load(),
		MessagesRecv:      m.messagesRecv.Load(),
		RepliesSent:       m.repliesSent.Load(),
		RepliesRecv:       m.repliesRecv.Load(),
	}
}

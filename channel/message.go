// Package channel implements the bidirectional, slot-based handler chain
// of spec §4.3: per-handler flow-control windows on the read path,
// shutdown sequencing in both directions, and statistics interception.
//
// Grounded in spirit on the teacher's per-connection write buffering
// (kevwan-evio's conn.out/willWrite) and on SagerNet-smux's per-stream
// flow-control windows and shutdown bookkeeping (session.go), generalized
// from a single multiplexed stream into a handler pipeline.
package channel

// MessageType distinguishes application payload from handshake bytes
// flowing through the pipeline (spec §3 Message).
type MessageType int

const (
	ApplicationData MessageType = iota
	Handshake
)

// OnCompletion is invoked once a write Message has either been fully
// accepted by the terminal handler (nil error) or failed.
type OnCompletion func(err error)

// Message moves ownership of a buffer along the slot chain; whoever holds
// it must either forward it or release it (spec §3 Message).
type Message struct {
	Buffer       []byte
	Type         MessageType
	OnCompletion OnCompletion
}

// Release fires OnCompletion (if set) with err, marking the message as
// disposed of. Handlers call this instead of silently dropping a message.
func (m *Message) Release(err error) {
	if m == nil || m.OnCompletion == nil {
		return
	}
	cb := m.OnCompletion
	m.OnCompletion = nil
	cb(err)
}

// Len reports the message's byte size, used for window accounting.
func (m *Message) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Buffer)
}

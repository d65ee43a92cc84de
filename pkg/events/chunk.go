package events

// AudioChunk is an immutable byte buffer tagged with its arrival sequence number.
type AudioChunk struct {
	seq  uint64
	data []byte
}

// NewAudioChunk copies data so the caller may reuse its buffer.
func NewAudioChunk(seq uint64, data []byte) AudioChunk {
	return AudioChunk{seq: seq, data: append([]byte(nil), data...)}
}

func (c AudioChunk) Seq() uint64 { return c.seq }
func (c AudioChunk) Len() int    { return len(c.data) }

// Bytes returns the payload without copying. Callers must not modify it.
func (c AudioChunk) Bytes() []byte { return c.data }

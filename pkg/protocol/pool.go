package protocol

import "sync"

// framePool and bufferPool avoid an allocation per frame on the
// connector's hot path: one allocation per inbound/outbound message
// instead of one per message plus one per header buffer.
var (
	framePool = sync.Pool{
		New: func() any {
			return &Frame{Payload: make([]byte, 0, 4096)}
		},
	}

	bufferPool = sync.Pool{
		New: func() any {
			buf := make([]byte, 0, HeaderSize)
			return &buf
		},
	}
)

// AcquireFrame returns a zeroed Frame from the pool.
func AcquireFrame() *Frame {
	f := framePool.Get().(*Frame)
	return f
}

// ReleaseFrame resets f and returns it to the pool.
func ReleaseFrame(f *Frame) {
	f.Header = Header{}
	f.Payload = f.Payload[:0]
	framePool.Put(f)
}

// AcquireHeaderBuffer returns a HeaderSize-capacity buffer from the pool.
func AcquireHeaderBuffer() *[]byte {
	buf := bufferPool.Get().(*[]byte)
	*buf = (*buf)[:HeaderSize]
	return buf
}

// ReleaseHeaderBuffer returns buf to the pool.
func ReleaseHeaderBuffer(buf *[]byte) {
	*buf = (*buf)[:0]
	bufferPool.Put(buf)
}

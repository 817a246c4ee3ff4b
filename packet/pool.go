package packet

import (
	"bytes"
	"sync"
)

// bufferPool recycles the scratch buffers used while encoding and decoding
// packet bodies, avoiding an allocation per packet on the hot path.
var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// GetBuffer returns a zeroed buffer from the pool; pair with PutBuffer.
func GetBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

// PutBuffer resets buf and returns it to the pool.
func PutBuffer(buf *bytes.Buffer) {
	buf.Reset()
	bufferPool.Put(buf)
}

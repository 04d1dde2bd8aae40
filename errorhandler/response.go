package errorhandler

import (
	"fmt"
	"net/http"

	"github.com/valyala/bytebufferpool"
)

// bufferedWriter holds the handler's status, headers and body until the handler
// returns. Nothing reaches the real writer before flush.
type bufferedWriter struct {
	header      http.Header
	buf         *bytebufferpool.ByteBuffer
	status      int
	wroteHeader bool
}

func newBufferedWriter(buf *bytebufferpool.ByteBuffer) *bufferedWriter {
	return &bufferedWriter{
		header: make(http.Header),
		buf:    buf,
		status: http.StatusOK,
	}
}

func (b *bufferedWriter) Header() http.Header {
	return b.header
}

// WriteHeader panics on codes net/http would reject, so the failure surfaces while
// the handler is still running and becomes an error envelope.
func (b *bufferedWriter) WriteHeader(code int) {
	if code < 100 || code > 999 {
		panic(fmt.Sprintf("invalid WriteHeader code %v", code))
	}
	if b.wroteHeader {
		return
	}
	b.status = code
	b.wroteHeader = true
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	return b.buf.Write(p)
}

// flush copies the buffered response to w with the given status.
func (b *bufferedWriter) flush(w http.ResponseWriter, status int) error {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(status)
	if b.buf.Len() == 0 {
		return nil
	}
	_, err := w.Write(b.buf.B)
	return err
}

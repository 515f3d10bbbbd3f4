package httpbinding

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"time"
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errReadTimeout  = errors.New("request body read timed out")
)

const chunkSize = 32 << 10

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

// readBody reads at most limit bytes. Every read gets its own deadline of
// perChunk, so a slow but steady client is not cut off while a stalled one
// is.
func readBody(w http.ResponseWriter, r *http.Request, limit int64, perChunk time.Duration) ([]byte, error) {
	ctrl := http.NewResponseController(w)
	body := http.MaxBytesReader(w, r.Body, limit)
	// Close drains the rest of the body, so it must still run under the
	// last read deadline.
	defer func() { _ = ctrl.SetReadDeadline(time.Time{}) }()
	defer body.Close()

	var buf bytes.Buffer
	if r.ContentLength > 0 {
		buf.Grow(int(r.ContentLength))
	}
	chunk := make([]byte, chunkSize)
	for {
		if perChunk > 0 {
			if err := ctrl.SetReadDeadline(time.Now().Add(perChunk)); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return nil, err
			}
		}
		n, err := body.Read(chunk)
		buf.Write(chunk[:n])
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			switch {
			case errors.As(err, &maxErr):
				return nil, errBodyTooLarge
			case errors.Is(err, os.ErrDeadlineExceeded):
				return nil, errReadTimeout
			}
			return nil, err
		}
	}
}

package httpbinding

import (
	"net/http"

	"github.com/drblury/replyflow/internal/runtime/pipeline"
)

// RawHandler serves every exchange that is not a command submission: any
// method other than POST, or any path other than the root.
type RawHandler interface {
	HandleRaw(rc *pipeline.RequestContext, r *http.Request) (RawResult, error)
}

// RawHandlerFunc adapts a function to RawHandler.
type RawHandlerFunc func(rc *pipeline.RequestContext, r *http.Request) (RawResult, error)

func (f RawHandlerFunc) HandleRaw(rc *pipeline.RequestContext, r *http.Request) (RawResult, error) {
	return f(rc, r)
}

type rawKind int

const (
	rawRespond rawKind = iota + 1
	rawStreamed
	rawRedirect
	rawStatic
)

// RawResult tells the binding how to finish a raw exchange.
type RawResult struct {
	kind     rawKind
	status   int
	header   http.Header
	body     []byte
	location string
	root     string
}

// Respond writes a literal response.
func Respond(status int, header http.Header, body []byte) RawResult {
	return RawResult{kind: rawRespond, status: status, header: header, body: body}
}

// Streamed reports that the handler already wrote the response through the
// exchange stream.
func Streamed() RawResult {
	return RawResult{kind: rawStreamed}
}

// Redirect answers with a redirect to location. A zero status means 302.
func Redirect(status int, location string) RawResult {
	if status == 0 {
		status = http.StatusFound
	}
	return RawResult{kind: rawRedirect, status: status, location: location}
}

// Static serves the request path from the directory root.
func Static(root string) RawResult {
	return RawResult{kind: rawStatic, root: root}
}

var notFound RawHandler = RawHandlerFunc(func(*pipeline.RequestContext, *http.Request) (RawResult, error) {
	return Respond(http.StatusNotFound, nil, nil), nil
})

// WriteRaw renders res onto w. Streamed results write nothing.
func WriteRaw(w http.ResponseWriter, r *http.Request, res RawResult) {
	switch res.kind {
	case rawRespond:
		for k, vs := range res.header {
			w.Header()[k] = append([]string(nil), vs...)
		}
		status := res.status
		if status == 0 {
			status = http.StatusOK
		}
		if !validStatus(status) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(status)
		if len(res.body) > 0 && r.Method != http.MethodHead {
			_, _ = w.Write(res.body)
		}
	case rawStreamed:
	case rawRedirect:
		if !validStatus(res.status) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, res.location, res.status)
	case rawStatic:
		http.FileServer(http.Dir(res.root)).ServeHTTP(w, r)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}

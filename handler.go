package reqresp

import (
	"io/fs"
	"strings"

	"github.com/pkg/errors"
)

// Response content markers.
const (
	StatusOK          = "HTTP/1.0 200 OK"
	StatusNotFound    = "HTTP/1.0 404 NOT FOUND\n\nFILE NOT FOUND"
	StatusBadRequest  = "HTTP/1.0 400 BAD REQUEST"
	StatusUnsupported = "HTTP/1.0 415 UNSUPPORTED MEDIA TYPE"
)

// Action is the operation a request asks for.
type Action uint8

const (
	// ActionUnknown is any action the server does not implement.
	ActionUnknown Action = iota
	ActionGet
	ActionPost
)

// ParseAction maps the action field of a request. It is case sensitive.
func ParseAction(s string) Action {
	switch s {
	case "GET":
		return ActionGet
	case "POST":
		return ActionPost
	}
	return ActionUnknown
}

func (a Action) String() string {
	switch a {
	case ActionGet:
		return "GET"
	case ActionPost:
		return "POST"
	}
	return "UNKNOWN"
}

// Request is the structured content a client sends.
type Request struct {
	Action string `json:"action"`
	Value  string `json:"value"`
}

// Responder turns a decoded request into response content.
type Responder struct {
	resources fs.FS
}

// NewResponder creates a Responder serving GET from resources.
func NewResponder(resources fs.FS) *Responder {
	return &Responder{resources: resources}
}

// Respond returns the response content for a request. A missing resource is
// answered with StatusNotFound; only unexpected read failures are errors.
func (r *Responder) Respond(p *Payload) (string, error) {
	switch p.Kind {
	case ContentStructured:
	case ContentBinary:
		return StatusUnsupported, nil
	}

	var req Request
	if err := p.Decode(&req); err != nil {
		return StatusBadRequest, nil
	}

	switch ParseAction(req.Action) {
	case ActionGet:
		body, err := r.lookup(req.Value)
		if errors.Is(err, ErrResourceNotFound) {
			return StatusNotFound, nil
		}
		if err != nil {
			return "", err
		}
		return StatusOK + string(body), nil
	case ActionPost:
		return StatusOK, nil
	case ActionUnknown:
	}
	return StatusBadRequest, nil
}

func (r *Responder) lookup(name string) ([]byte, error) {
	name = strings.TrimPrefix(name, "./")
	if !fs.ValidPath(name) || name == "." {
		return nil, errors.Wrapf(ErrResourceNotFound, "invalid name %q", name)
	}

	body, err := fs.ReadFile(r.resources, name)
	switch {
	case err == nil:
		return body, nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrInvalid):
		return nil, errors.Wrap(ErrResourceNotFound, name)
	}

	if info, serr := fs.Stat(r.resources, name); serr == nil && info.IsDir() {
		return nil, errors.Wrapf(ErrResourceNotFound, "%s is a directory", name)
	}
	return nil, errors.Wrapf(err, "read %s", name)
}

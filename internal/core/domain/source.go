package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Source is where a document's content comes from: either a remote blob
// reference or a payload carried inline with the job.
type Source interface {
	isSource()
}

type RemoteSource struct {
	Ref string
}

type InlineSource struct {
	Payload map[string]any
}

func (RemoteSource) isSource() {}
func (InlineSource) isSource() {}

// NewSource builds a Source from the optional request fields.
// A non-empty reference takes precedence over an inline payload.
func NewSource(ref string, payload map[string]any) (Source, error) {
	ref = strings.TrimSpace(ref)
	if ref != "" {
		return RemoteSource{Ref: ref}, nil
	}
	if len(payload) > 0 {
		return InlineSource{Payload: payload}, nil
	}
	return nil, WrapError(ErrInvalidInput, "build source", errors.New("either source_ref or inline_payload must be provided"))
}

// SourceFields flattens a Source into its storage columns.
func SourceFields(s Source) (ref string, payload map[string]any) {
	switch v := s.(type) {
	case RemoteSource:
		return v.Ref, nil
	case InlineSource:
		return "", v.Payload
	default:
		return "", nil
	}
}

var referencePattern = regexp.MustCompile(`^([a-z][a-z0-9+.-]*)://([^/\s]+)/(\S+)$`)

// Reference is a parsed scheme://bucket/path blob reference.
type Reference struct {
	Scheme string
	Bucket string
	Path   string
}

func (r Reference) String() string {
	return r.Scheme + "://" + r.Bucket + "/" + r.Path
}

// ParseReference validates the reference shape without resolving it.
func ParseReference(raw string) (Reference, error) {
	m := referencePattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return Reference{}, WrapError(ErrInvalidReference, "parse reference",
			fmt.Errorf("%q does not match scheme://bucket/path", raw))
	}
	path := strings.TrimLeft(m[3], "/")
	if path == "" || strings.Contains(path, "..") {
		return Reference{}, WrapError(ErrInvalidReference, "parse reference",
			fmt.Errorf("%q has an invalid object path", raw))
	}
	return Reference{Scheme: m[1], Bucket: m[2], Path: path}, nil
}

var schemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*://\S+$`)

// HasReferenceScheme is the shallow check applied at submission time; the
// full bucket/path validation happens when the reference is resolved.
func HasReferenceScheme(raw string) bool {
	return schemePattern.MatchString(strings.TrimSpace(raw))
}

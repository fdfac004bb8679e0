package ipc

import (
	"fmt"
	"path"
	"weak"
)

// Descriptor is a capability naming a path within a server's namespace and
// the operations its holder may perform there. It does not keep the server
// alive.
type Descriptor struct {
	server weak.Pointer[Server]
	path   string
	mask   State
}

// NewDescriptor returns a descriptor for p on s.
func NewDescriptor(s *Server, p string, mask State) (*Descriptor, error) {
	p, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	return &Descriptor{server: weak.Make(s), path: p, mask: mask}, nil
}

func (d *Descriptor) Path() string { return d.path }
func (d *Descriptor) Mask() State { return d.mask }

// Server returns the target server, or ErrPeerGone once it has closed or
// been collected.
func (d *Descriptor) Server() (*Server, error) {
	s := d.server.Value()
	if s == nil || s.Closed() {
		return nil, ErrPeerGone
	}
	return s, nil
}

// Clone returns a copy restricted to mask. A clone never gains permissions.
func (d *Descriptor) Clone(mask State) *Descriptor {
	return &Descriptor{server: d.server, path: d.path, mask: d.mask & mask}
}

// Target is where one descriptor operation is delivered.
type Target struct {
	Server *Server
	Path   string
	Mask   State
}

// Prepare checks op against the descriptor and every binding on the way to
// the server that will answer it. No message exists until Prepare succeeds.
func (d *Descriptor) Prepare(op Op, sub string) (Target, error) {
	if !op.Valid() {
		return Target{}, fmt.Errorf("%s: %w", op, ErrPermissionDenied)
	}
	if !d.mask.Has(op.Requires()) {
		return Target{}, fmt.Errorf("%s on %s with %s: %w", op, d.path, d.mask, ErrPermissionDenied)
	}

	s, err := d.Server()
	if err != nil {
		return Target{}, err
	}
	full := d.path
	if sub != "" {
		full = path.Join(d.path, sub)
		if _, ok := stripPrefix(d.path, full); !ok {
			return Target{}, fmt.Errorf("%q escapes %s: %w", sub, d.path, ErrPermissionDenied)
		}
	}
	target, rewritten, mask, err := s.Resolve(full, d.mask)
	if err != nil {
		return Target{}, err
	}
	if !mask.Has(op.Requires()) {
		return Target{}, fmt.Errorf("%s on %s through bindings with %s: %w", op, full, mask, ErrPermissionDenied)
	}
	return Target{Server: target, Path: rewritten, Mask: mask}, nil
}

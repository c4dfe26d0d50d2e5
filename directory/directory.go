// Package directory maps the consensus identity of each cluster member to
// the endpoint serving its client RPCs.
package directory

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/shrtyk/raft-showtimes/api"
)

var (
	ErrEmptyIdentity     = errors.New("empty node address")
	ErrEmptyEndpoint     = errors.New("empty endpoint")
	ErrDuplicateEndpoint = errors.New("endpoint is mapped to more than one node")
	ErrMissingMember     = errors.New("member has no endpoint mapping")
)

// Directory is immutable once built and safe for concurrent use.
type Directory struct {
	endpoints  map[api.NodeAddress]string
	identities map[string]api.NodeAddress
}

func New(mapping map[api.NodeAddress]string) (*Directory, error) {
	d := &Directory{
		endpoints:  make(map[api.NodeAddress]string, len(mapping)),
		identities: make(map[string]api.NodeAddress, len(mapping)),
	}
	for _, addr := range slices.Sorted(maps.Keys(mapping)) {
		endpoint := mapping[addr]
		switch {
		case addr == "":
			return nil, ErrEmptyIdentity
		case endpoint == "":
			return nil, fmt.Errorf("%w for %s", ErrEmptyEndpoint, addr)
		}
		if other, ok := d.identities[endpoint]; ok {
			return nil, fmt.Errorf("%w: %s used by %s and %s", ErrDuplicateEndpoint, endpoint, other, addr)
		}
		d.endpoints[addr] = endpoint
		d.identities[endpoint] = addr
	}
	return d, nil
}

// Resolve returns the endpoint of addr.
func (d *Directory) Resolve(addr api.NodeAddress) (string, bool) {
	e, ok := d.endpoints[addr]
	return e, ok
}

// Identity is the reverse of Resolve.
func (d *Directory) Identity(endpoint string) (api.NodeAddress, bool) {
	a, ok := d.identities[endpoint]
	return a, ok
}

// Validate checks that self and every member have a mapping.
func (d *Directory) Validate(self api.NodeAddress, members []api.NodeAddress) error {
	var errs []error
	for _, m := range append([]api.NodeAddress{self}, members...) {
		if _, ok := d.endpoints[m]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingMember, m))
		}
	}
	return errors.Join(errs...)
}

func (d *Directory) Members() []api.NodeAddress {
	return slices.Sorted(maps.Keys(d.endpoints))
}

func (d *Directory) Len() int {
	return len(d.endpoints)
}

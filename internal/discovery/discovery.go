// Package discovery looks up cloud instance metadata by id and tags each
// instance as a flask or a target.
package discovery

import (
	"context"
	"strings"
)

// Instance is a cloud instance as discovered from the cloud provider.
type Instance struct {
	ID   string
	Tags map[string]string
	Host string
	Port int
	ASG  string
}

// IsFlask reports whether the instance's "type" tag begins with "flask".
func (i Instance) IsFlask() bool {
	return strings.HasPrefix(i.Tags["type"], "flask")
}

// Adapter resolves an instance id to its cloud metadata.
type Adapter interface {
	// LookupOne fails with chemerr.ErrNotFound if the instance is gone —
	// a race with Terminate is possible and expected.
	LookupOne(ctx context.Context, id string) (Instance, error)
}

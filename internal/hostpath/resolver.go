// Package hostpath finds the host directory that backs this process's data
// volume, so skill containers can be given bind mounts that point at the same
// files this process sees under its data root.
package hostpath

//go:generate mockgen -source=resolver.go -destination=mocks/mock_resolver.go -package=mocks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dyluth/skillbox/internal/runtime"
)

// Resolver returns the host source of the data root mount. The boolean is
// false when the process is not running with a resolvable data mount.
type Resolver interface {
	DataMountSource(ctx context.Context) (string, bool, error)
}

// SelfContainer resolves the mount by inspecting the container this process
// runs in. Docker sets the hostname to the short container ID, which the
// engine accepts as an identifier.
type SelfContainer struct {
	Engine   runtime.Engine
	DataRoot string                 // mount destination inside this container, e.g. /data
	Hostname func() (string, error) // defaults to os.Hostname
}

// DataMountSource implements Resolver.
func (s *SelfContainer) DataMountSource(ctx context.Context) (string, bool, error) {
	hostname := s.Hostname
	if hostname == nil {
		hostname = os.Hostname
	}
	self, err := hostname()
	if err != nil {
		return "", false, fmt.Errorf("failed to read hostname: %w", err)
	}

	details, err := s.Engine.Inspect(ctx, self)
	if err != nil {
		if runtime.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to inspect own container %s: %w", self, err)
	}

	root := filepath.Clean(s.DataRoot)
	for _, m := range details.Mounts {
		if filepath.Clean(m.Destination) == root {
			return m.Source, true, nil
		}
	}
	return "", false, nil
}

// Static always returns a fixed host directory.
type Static string

// DataMountSource implements Resolver.
func (s Static) DataMountSource(context.Context) (string, bool, error) {
	return string(s), s != "", nil
}

// None never resolves a mount; skills get no persistent volume.
type None struct{}

// DataMountSource implements Resolver.
func (None) DataMountSource(context.Context) (string, bool, error) {
	return "", false, nil
}

// HostPath translates localPath (a path under dataRoot inside this process)
// into the matching path under hostSource. It returns false when localPath is
// not below dataRoot.
func HostPath(hostSource, dataRoot, localPath string) (string, bool) {
	rel, err := filepath.Rel(filepath.Clean(dataRoot), filepath.Clean(localPath))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.Join(hostSource, rel), true
}

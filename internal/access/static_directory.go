package access

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/maintflow/model"
)

type directoryFile struct {
	// Tenants maps tenant id → subject id → roles.
	Tenants map[string]map[string][]string `yaml:"tenants"`
}

// StaticDirectory resolves role assignments from a YAML file. It stands in
// for the platform's RBAC service in small deployments and tests.
type StaticDirectory struct {
	path string
	mu   sync.RWMutex
	file directoryFile
}

// NewStaticDirectory creates a directory that loads assignments from path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// RolesFor returns the roles assigned to the subject within the tenant.
func (d *StaticDirectory) RolesFor(rctx *model.RequestContext) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	roles := d.file.Tenants[rctx.TenantID][rctx.SubjectID]
	return append([]string(nil), roles...), nil
}

// Sync reloads the directory file from disk.
func (d *StaticDirectory) Sync() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("access: reading directory file %s: %w", d.path, err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("access: parsing directory file %s: %w", d.path, err)
	}

	d.mu.Lock()
	d.file = f
	d.mu.Unlock()

	return nil
}

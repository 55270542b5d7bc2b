package catalog

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Larkin2512/RelDB/src/pkg/common"
	"github.com/Larkin2512/RelDB/src/storage"
)

const versionFileName = "VERSION"

// Catalog is the table registry: name and TableID to storage backend.
// Each database directory carries a VERSION file holding the instance id,
// which salts the table ids. Table files themselves carry no instance id,
// and nothing checks that the files in a directory belong to its instance.
type Catalog struct {
	mu    sync.RWMutex
	files map[common.TableID]storage.DbFile
	names map[string]common.TableID

	fs         afero.Fs
	dir        string
	instanceID uuid.UUID
}

var _ storage.Catalog = (*Catalog)(nil)

// New opens the catalog rooted at dir, creating the directory and its
// VERSION file on first use.
func New(fs afero.Fs, dir string) (*Catalog, error) {
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create database dir %q: %w", dir, err)
	}

	id, err := loadOrCreateInstanceID(fs, filepath.Join(dir, versionFileName))
	if err != nil {
		return nil, err
	}

	return &Catalog{
		files:      make(map[common.TableID]storage.DbFile),
		names:      make(map[string]common.TableID),
		fs:         fs,
		dir:        dir,
		instanceID: id,
	}, nil
}

func loadOrCreateInstanceID(fs afero.Fs, path string) (uuid.UUID, error) {
	raw, err := afero.ReadFile(fs, path)
	if err == nil {
		id, parseErr := uuid.Parse(strings.TrimSpace(string(raw)))
		if parseErr != nil {
			return uuid.Nil, fmt.Errorf("corrupt version file %q: %w", path, parseErr)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return uuid.Nil, fmt.Errorf("read version file %q: %w", path, err)
	}

	id := uuid.New()
	if err := afero.WriteFile(fs, path, []byte(id.String()+"\n"), 0o600); err != nil {
		return uuid.Nil, fmt.Errorf("write version file %q: %w", path, err)
	}
	return id, nil
}

func (c *Catalog) InstanceID() uuid.UUID { return c.instanceID }

func (c *Catalog) Dir() string { return c.dir }

// TableIDFor derives a stable table id from the table's name, salted
// with the instance id so two databases never collide on ids.
func (c *Catalog) TableIDFor(name string) common.TableID {
	h := fnv.New64a()
	h.Write(c.instanceID[:])
	h.Write([]byte(name))
	id := common.TableID(h.Sum64())
	if id == 0 {
		id = 1
	}
	return id
}

// Register adds a table under name. Both the name and the file's id must be
// unused.
func (c *Catalog) Register(name string, f storage.DbFile) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.names[name]; ok {
		return fmt.Errorf("table %q is already registered", name)
	}
	if _, ok := c.files[f.ID()]; ok {
		return fmt.Errorf("table id %d is already registered", f.ID())
	}

	c.names[name] = f.ID()
	c.files[f.ID()] = f
	return nil
}

func (c *Catalog) DbFile(id common.TableID) (storage.DbFile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, ok := c.files[id]
	if !ok {
		return nil, fmt.Errorf("table %d: %w", id, storage.ErrNoSuchTable)
	}
	return f, nil
}

func (c *Catalog) TableID(name string) (common.TableID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.names[name]
	if !ok {
		return 0, fmt.Errorf("table %q: %w", name, storage.ErrNoSuchTable)
	}
	return id, nil
}

func (c *Catalog) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.names))
	for name := range c.names {
		out = append(out, name)
	}
	return out
}

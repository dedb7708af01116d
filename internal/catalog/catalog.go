// Package catalog holds the immutable registry of every known schema
// version. A Catalog is built once at startup and passed explicitly to the
// codec, pipeline and verifier; nothing mutates it afterwards, so it is
// safe for unsynchronized concurrent reads.
package catalog

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"

	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/schema"
)

//go:embed schemas/*.fbs
var bundled embed.FS

// schemaFile matches schema_v<N>.fbs.
var schemaFile = regexp.MustCompile(`^schema_v(\d+)\.fbs$`)

// Entry is one schema version.
type Entry struct {
	Version     int
	Schema      *schema.Schema
	Fingerprint uint64
	// Source is the file the schema was loaded from, empty for entries
	// built in memory.
	Source string
}

// Catalog is an ordered, contiguous set of entries starting at version 0.
type Catalog struct {
	entries []*Entry
	byIdent map[string][]*Entry
}

// Bundled loads the schema texts compiled into the binary.
func Bundled() (*Catalog, error) {
	return Load(bundled, "schemas")
}

// MustBundled is Bundled for callers that cannot proceed without the
// built-in schemas.
func MustBundled() *Catalog {
	c, err := Bundled()
	if err != nil {
		panic(err)
	}
	return c
}

// LoadDir loads schema_v<N>.fbs files from a directory on disk.
func LoadDir(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, uperrors.NewConfigError(fmt.Sprintf("catalog: schema directory %s", dir), err)
	}
	if !info.IsDir() {
		return nil, uperrors.NewConfigError(fmt.Sprintf("catalog: %s is not a directory", dir), nil)
	}
	return Load(os.DirFS(dir), ".")
}

// Load parses every schema_v<N>.fbs under dir in fsys. Other files are
// ignored.
func Load(fsys fs.FS, dir string) (*Catalog, error) {
	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, uperrors.NewConfigError("catalog: failed to list schemas", err)
	}

	var entries []*Entry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		m := schemaFile.FindStringSubmatch(f.Name())
		if m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, uperrors.NewConfigError("catalog: invalid schema file name "+f.Name(), err)
		}

		name := path.Join(dir, f.Name())
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, uperrors.NewConfigError("catalog: failed to read "+name, err)
		}
		s, err := schema.Parse(string(data))
		if err != nil {
			return nil, uperrors.Wrap(uperrors.ErrCategoryCompat, uperrors.CodeInvalidSchema,
				fmt.Sprintf("catalog: schema v%d in %s", version, name), err)
		}
		entries = append(entries, &Entry{Version: version, Schema: s, Source: name})
	}
	return build(entries)
}

// New builds a catalog from in-memory schemas, where schemas[i] is
// version i.
func New(schemas ...*schema.Schema) (*Catalog, error) {
	entries := make([]*Entry, len(schemas))
	for i, s := range schemas {
		entries[i] = &Entry{Version: i, Schema: s}
	}
	return build(entries)
}

func build(entries []*Entry) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, uperrors.NewConfigError("catalog: no schema versions found", nil)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })

	c := &Catalog{
		entries: entries,
		byIdent: make(map[string][]*Entry),
	}
	for i, e := range entries {
		if e.Version != i {
			return nil, uperrors.NewConfigError(
				fmt.Sprintf("catalog: versions must be contiguous from 0, found v%d at position %d", e.Version, i), nil)
		}
		if e.Schema.RootType != entries[0].Schema.RootType {
			return nil, uperrors.NewConfigError(
				fmt.Sprintf("catalog: v%d root type %s differs from v0 root type %s",
					e.Version, e.Schema.RootType, entries[0].Schema.RootType), nil)
		}
		e.Fingerprint = e.Schema.Fingerprint()
		if id := e.Schema.FileIdentifier; id != "" {
			c.byIdent[id] = append(c.byIdent[id], e)
		}
	}
	return c, nil
}

// Get returns the entry for version.
func (c *Catalog) Get(version int) (*Entry, bool) {
	if version < 0 || version >= len(c.entries) {
		return nil, false
	}
	return c.entries[version], true
}

// Latest returns the newest entry.
func (c *Catalog) Latest() *Entry {
	return c.entries[len(c.entries)-1]
}

// Len returns the number of versions.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Versions returns every version in ascending order.
func (c *Catalog) Versions() []int {
	out := make([]int, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Version
	}
	return out
}

// Entries returns every entry in ascending version order.
func (c *Catalog) Entries() []*Entry {
	out := make([]*Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// WithFileIdentifier returns the entries declaring identifier, oldest first.
func (c *Catalog) WithFileIdentifier(identifier string) []*Entry {
	return c.byIdent[identifier]
}

// FileIdentifiers returns every declared identifier.
func (c *Catalog) FileIdentifiers() []string {
	ids := make([]string, 0, len(c.byIdent))
	for id := range c.byIdent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

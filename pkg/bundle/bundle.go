// Package bundle implements the cap-bundle.v1 portable archive format: a
// ZIP containing a `_meta.json` describing every referenced file by
// SHA3-256 and size, plus a dependency graph among the bundle's proof
// units. Grounded on the teacher's core/pkg/audit/export.go
// archive/zip-producer pattern and core/pkg/proofgraph/graph.go's
// depth-first walk-with-visited-set shape, retargeted from audit evidence
// packs and graph cycle validation to this protocol's file-hash
// pre-verification and dependency-DAG acyclicity check.
package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capengine/cap/pkg/capapi"
	"github.com/capengine/cap/pkg/crypto"
)

const Schema = "cap-bundle.v1"

const metaFileName = "_meta.json"

// FileEntry describes one file packaged into the bundle.
type FileEntry struct {
	Name    string `json:"name"`
	SHA3256 string `json:"sha3_256"`
	Size    int    `json:"size"`
}

// ProofUnit identifies one proof artifact bundled alongside its policy
// and backend, for the verifier to locate without re-deriving them.
type ProofUnit struct {
	ID       string `json:"id"`
	PolicyID string `json:"policy_id"`
	Backend  string `json:"backend"`
}

// Dependency is one directed edge in the proof-unit dependency graph.
type Dependency struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Metadata is the cap-bundle.v1 `_meta.json` document.
type Metadata struct {
	BundleID     string       `json:"bundle_id"`
	Schema       string       `json:"schema"`
	CreatedAt    time.Time    `json:"created_at"`
	Files        []FileEntry  `json:"files"`
	ProofUnits   []ProofUnit  `json:"proof_units"`
	Dependencies []Dependency `json:"dependencies"`
}

// Source is one named file to package, given as raw bytes so the producer
// can hash them without a second read.
type Source struct {
	Name string
	Data []byte
}

// Export writes a cap-bundle.v1 ZIP archive to w: a `_meta.json` entry
// describing every file in sources by SHA3-256 and size, followed by the
// files themselves. Export fails closed on any unsafe filename.
func Export(w io.Writer, sources []Source, proofUnits []ProofUnit, dependencies []Dependency) error {
	files := make([]FileEntry, 0, len(sources))
	for _, src := range sources {
		if err := sanitizeName(src.Name); err != nil {
			return err
		}
		sum := crypto.SHA3256(src.Data)
		files = append(files, FileEntry{
			Name:    src.Name,
			SHA3256: "sha3-256:" + crypto.HexLower(sum[:]),
			Size:    len(src.Data),
		})
	}

	if err := checkAcyclic(dependencies); err != nil {
		return err
	}

	meta := Metadata{
		BundleID:     uuid.NewString(),
		Schema:       Schema,
		CreatedAt:    time.Now().UTC(),
		Files:        files,
		ProofUnits:   proofUnits,
		Dependencies: dependencies,
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("bundle: marshal meta: %w", err)
	}

	zw := zip.NewWriter(w)

	mf, err := zw.Create(metaFileName)
	if err != nil {
		return fmt.Errorf("bundle: create %s entry: %w", metaFileName, err)
	}
	if _, err := mf.Write(metaJSON); err != nil {
		return fmt.Errorf("bundle: write %s: %w", metaFileName, err)
	}

	for _, src := range sources {
		f, err := zw.Create(src.Name)
		if err != nil {
			return fmt.Errorf("bundle: create %s entry: %w", src.Name, err)
		}
		if _, err := f.Write(src.Data); err != nil {
			return fmt.Errorf("bundle: write %s: %w", src.Name, err)
		}
	}

	return zw.Close()
}

// Bundle is a loaded, hash-verified cap-bundle.v1 archive: every file's
// bytes in memory, keyed by name.
type Bundle struct {
	Meta  Metadata
	Files map[string][]byte
}

// LoadOptions controls Load's behavior.
type LoadOptions struct {
	// AllowLegacy enables the filename-driven discovery fallback for
	// archives with no _meta.json. Legacy bundles skip the load-once
	// hash pre-check entirely; this is a compatibility-only path and
	// must be explicitly opted into.
	AllowLegacy bool
}

// Load reads a cap-bundle.v1 ZIP archive from r (size bytes long),
// load-once: every referenced file is read exactly one time, its
// SHA3-256 verified against `_meta.json` before any caller sees its
// bytes, and the dependency graph checked for cycles before any file is
// read. Any mismatch, cycle, or unsafe filename fails closed.
func Load(ctx context.Context, r io.ReaderAt, size int64, opts LoadOptions) (*Bundle, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, capapi.Wrap(capapi.KindInvalidInput, err, "bundle: open zip")
	}

	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
	}

	metaFile, ok := byName[metaFileName]
	if !ok {
		if opts.AllowLegacy {
			return loadLegacy(zr)
		}
		return nil, capapi.New(capapi.KindInvalidInput, "bundle: missing %s and legacy mode disabled", metaFileName)
	}

	metaBytes, err := readZipFile(metaFile)
	if err != nil {
		return nil, fmt.Errorf("bundle: read %s: %w", metaFileName, err)
	}

	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, capapi.Wrap(capapi.KindInvalidInput, err, "bundle: parse %s", metaFileName)
	}

	if err := checkAcyclic(meta.Dependencies); err != nil {
		return nil, err
	}

	files := make(map[string][]byte, len(meta.Files))
	for _, entry := range meta.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := sanitizeName(entry.Name); err != nil {
			return nil, err
		}

		zf, ok := byName[entry.Name]
		if !ok {
			return nil, capapi.New(capapi.KindInvalidInput, "bundle: %s listed in meta but not present in archive", entry.Name)
		}

		data, err := readZipFile(zf)
		if err != nil {
			return nil, fmt.Errorf("bundle: read %s: %w", entry.Name, err)
		}
		if len(data) != entry.Size {
			return nil, capapi.New(capapi.KindHashMismatch, "bundle: %s size mismatch: meta says %d, archive has %d", entry.Name, entry.Size, len(data))
		}

		sum := crypto.SHA3256(data)
		got := "sha3-256:" + crypto.HexLower(sum[:])
		if got != entry.SHA3256 {
			return nil, capapi.New(capapi.KindHashMismatch, "bundle: %s hash mismatch: meta says %s, computed %s", entry.Name, entry.SHA3256, got)
		}

		files[entry.Name] = data
	}

	return &Bundle{Meta: meta, Files: files}, nil
}

// loadLegacy discovers files by filename alone, with no _meta.json and no
// hash pre-check. Compatibility-only: callers that need integrity
// guarantees must not set LoadOptions.AllowLegacy.
func loadLegacy(zr *zip.Reader) (*Bundle, error) {
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if err := sanitizeName(f.Name); err != nil {
			return nil, err
		}
		data, err := readZipFile(f)
		if err != nil {
			return nil, fmt.Errorf("bundle: read legacy file %s: %w", f.Name, err)
		}
		files[f.Name] = data
	}
	return &Bundle{Meta: Metadata{Schema: "legacy"}, Files: files}, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sanitizeName rejects absolute paths, any `..` path component, and any
// path separator other than `/`.
func sanitizeName(name string) error {
	if name == "" {
		return capapi.New(capapi.KindPathUnsafe, "bundle: empty filename")
	}
	if strings.HasPrefix(name, "/") {
		return capapi.New(capapi.KindPathUnsafe, "bundle: absolute path %q", name)
	}
	if strings.Contains(name, "\\") {
		return capapi.New(capapi.KindPathUnsafe, "bundle: disallowed path separator in %q", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return capapi.New(capapi.KindPathUnsafe, "bundle: path traversal in %q", name)
		}
	}
	return nil
}

// checkAcyclic runs a depth-first walk over the dependency adjacency
// list, the same visited-map shape as the teacher's proofgraph DFS, to
// reject any cycle before a single file is read.
func checkAcyclic(deps []Dependency) error {
	adj := make(map[string][]string, len(deps))
	for _, d := range deps {
		adj[d.From] = append(adj[d.From], d.To)
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(adj))

	var visit func(node string) error
	visit = func(node string) error {
		switch state[node] {
		case done:
			return nil
		case visiting:
			return capapi.New(capapi.KindDependencyCycle, "bundle: dependency cycle involving %s", node)
		}
		state[node] = visiting
		for _, next := range adj[node] {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[node] = done
		return nil
	}

	for node := range adj {
		if err := visit(node); err != nil {
			return err
		}
	}
	return nil
}

// Package build implements the copy-latest-crate-objects step of the
// build pipeline: given a flat directory of compiled crate object
// files (possibly holding several builds of the same first-party
// crate from incremental compilation) it selects the most recently
// modified object for each kernel or application crate, copies every
// object belonging to an untracked third-party crate unconditionally,
// and stamps the persisted "<prefix><crate_name>-<hash>.o" naming
// convention onto the copies using a content hash rather than
// whatever build-specific hash the compiler produced. It generalizes
// mkfs.go's directory-walking image-assembly step from "build a disk
// image" to "stage a module directory", and is grounded on
// copy_latest_crate_objects/src/main.rs's crate classification and
// latest-wins selection logic.
package build

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/sumdb/dirhash"

	"defs"
)

// CrateSet is a set of first-party crate names, compared against an
// object file's name prefix (the part before its first '-').
type CrateSet map[string]bool

// simpleName returns the part of an object file's base name before
// its first '-', the crate-name-without-hash convention
// copy_latest_crate_objects applies via crate_name.split("-").
func simpleName(objBaseName string) string {
	stem := strings.TrimSuffix(objBaseName, ".o")
	if i := strings.IndexByte(stem, '-'); i >= 0 {
		return stem[:i]
	}
	return stem
}

// LoadCrateSet reads a crate name set from path. If path names a
// plain file, it is read as one crate name per line (the name-before-
// first-hyphen is kept, tolerating lines that already carry a hash
// suffix). If path names a directory, it is walked for go.mod files
// the way the original walks for Cargo.toml files, and the name of
// each go.mod's containing directory is taken as a crate name, the
// Go-module analogue of a Cargo crate root.
func LoadCrateSet(path string) (CrateSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", defs.ErrStructural, err)
	}

	set := make(CrateSet)
	if !info.IsDir() {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			set[simpleName(line)] = true
		}
		return set, scanner.Err()
	}

	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == "go.mod" {
			set[filepath.Base(filepath.Dir(p))] = true
		}
		return nil
	})
	return set, err
}

// candidate is one object file considered during classification.
type candidate struct {
	path    string
	modTime int64
}

// Classified holds the chosen object file per crate after scanning an
// input directory, split the way copy_latest_crate_objects splits its
// HashMaps.
type Classified struct {
	App    map[string]string   // crate name -> chosen object path
	Kernel map[string]string   // crate name -> chosen object path
	Other  map[string][]string // crate name -> every object path found (no dedup)
}

// ScanInputDir walks the (non-recursive) contents of inputDir,
// classifying every ".o" file by whether its simple name belongs to
// appCrates, kernelCrates, or neither. For app and kernel crates, only
// the most recently modified object per crate name is kept, multiple
// builds of the same first-party crate must never coexist in the
// final image. Every object belonging to an unrecognized (third-party)
// crate is kept, since distinct versions of a third-party dependency
// are legal to ship side by side.
func ScanInputDir(inputDir string, appCrates, kernelCrates CrateSet) (Classified, error) {
	out := Classified{
		App:    make(map[string]string),
		Kernel: make(map[string]string),
		Other:  make(map[string][]string),
	}

	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return out, err
	}

	bestApp := make(map[string]candidate)
	bestKernel := make(map[string]candidate)

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".o") {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			return out, err
		}
		name := simpleName(ent.Name())
		path := filepath.Join(inputDir, ent.Name())
		mt := info.ModTime().UnixNano()

		switch {
		case appCrates[name]:
			if cur, ok := bestApp[name]; !ok || cur.modTime < mt {
				bestApp[name] = candidate{path: path, modTime: mt}
			}
		case kernelCrates[name]:
			if cur, ok := bestKernel[name]; !ok || cur.modTime < mt {
				bestKernel[name] = candidate{path: path, modTime: mt}
			}
		default:
			out.Other[name] = append(out.Other[name], path)
		}
	}

	for name, c := range bestApp {
		out.App[name] = c.path
	}
	for name, c := range bestKernel {
		out.Kernel[name] = c.path
	}
	return out, nil
}

// ContentHash returns a short, filename-safe hash of a file's
// contents, computed with golang.org/x/mod/sumdb/dirhash's Hash1
// algorithm (the same content-hash construction `go mod` uses to
// verify module zips) applied to a single-file list instead of a
// module tree.
func ContentHash(path string) (string, error) {
	open := func(string) (io.ReadCloser, error) { return os.Open(path) }
	h, err := dirhash.Hash1([]string{filepath.Base(path)}, open)
	if err != nil {
		return "", err
	}
	h = strings.TrimPrefix(h, "h1:")
	h = strings.NewReplacer("/", "_", "+", "-", "=", "").Replace(h)
	if len(h) > 16 {
		h = h[:16]
	}
	return h, nil
}

// Config describes one copy-latest-crate-objects run.
type Config struct {
	InputDir     string
	OutputDir    string
	KernelCrates CrateSet
	AppCrates    CrateSet
	KernelPrefix defs.CratePrefix
	AppPrefix    defs.CratePrefix
}

// Copy is one source object file copied to its final, prefixed,
// content-hashed destination name.
type Copy struct {
	CrateName  string
	SourcePath string
	DestPath   string
}

// Report summarizes a Run.
type Report struct {
	Copies []Copy
}

// Run scans cfg.InputDir, then copies the selected kernel and
// application crate objects (one each, renamed to
// "<prefix><name>-<hash>.o") and every third-party object (copied
// under its original file name, unprefixed and unhashed, rather than the original tool's apparent reuse of the
// kernel prefix for non-first-party files) into cfg.OutputDir.
func Run(cfg Config) (Report, error) {
	if cfg.KernelPrefix == "" {
		cfg.KernelPrefix = defs.PrefixKernel
	}
	if cfg.AppPrefix == "" {
		cfg.AppPrefix = defs.PrefixApplication
	}

	classified, err := ScanInputDir(cfg.InputDir, cfg.AppCrates, cfg.KernelCrates)
	if err != nil {
		return Report{}, err
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return Report{}, fmt.Errorf("%w: creating output directory: %v", defs.ErrStructural, err)
	}

	var report Report

	place := func(name, src string, prefix defs.CratePrefix) error {
		hash, err := ContentHash(src)
		if err != nil {
			return err
		}
		dest := filepath.Join(cfg.OutputDir, fmt.Sprintf("%s%s-%s.o", prefix, name, hash))
		if err := copyFile(src, dest); err != nil {
			return err
		}
		report.Copies = append(report.Copies, Copy{CrateName: name, SourcePath: src, DestPath: dest})
		return nil
	}

	for _, name := range sortedKeys(classified.App) {
		if err := place(name, classified.App[name], cfg.AppPrefix); err != nil {
			return report, err
		}
	}
	for _, name := range sortedKeys(classified.Kernel) {
		if err := place(name, classified.Kernel[name], cfg.KernelPrefix); err != nil {
			return report, err
		}
	}
	for _, name := range sortedOtherKeys(classified.Other) {
		for _, src := range classified.Other[name] {
			dest := filepath.Join(cfg.OutputDir, filepath.Base(src))
			if err := copyFile(src, dest); err != nil {
				return report, err
			}
			report.Copies = append(report.Copies, Copy{CrateName: name, SourcePath: src, DestPath: dest})
		}
	}

	return report, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedOtherKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// copyFile copies src to dest, ignoring a missing source file the way
// copy_files treats a not-found dependency path as benign.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

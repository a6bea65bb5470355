package bytetrace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// ClassFileSuffix is the file extension of encoded class units.
const ClassFileSuffix = ".btc"

// FileResult reports the outcome for one class unit file.
type FileResult struct {
	Path    string
	Changed bool
}

// dirLoader resolves class units by type name from a directory tree.
type dirLoader struct {
	root string
}

func (d dirLoader) ClassBytes(typeName string) ([]byte, error) {
	return os.ReadFile(filepath.Join(d.root, filepath.FromSlash(typeName)+ClassFileSuffix))
}

// InstrumentFiles rewrites every class unit below inDir into the same relative path below outDir. Files the
// transformer leaves unchanged are copied as is. Results are ordered by path.
func InstrumentFiles(ctx context.Context, t *Transformer, inDir, outDir string) ([]FileResult, error) {
	var paths []string
	if err := filepath.WalkDir(inDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		} else if !d.IsDir() && strings.HasSuffix(path, ClassFileSuffix) {
			paths = append(paths, path)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("scan class dir failed: %w", err)
	}

	loader := dirLoader{root: inDir}
	var mu sync.Mutex
	results := make([]FileResult, 0, len(paths))
	errGroup := ErrGroupLimitCPU()
	for _, path := range paths {
		errGroup.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(inDir, path)
			if err != nil {
				return err
			}
			existing, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read class failed: %w", err)
			}
			typeName := filepath.ToSlash(strings.TrimSuffix(rel, ClassFileSuffix))
			out := t.Transform(loader, typeName, existing)

			dest := filepath.Join(outDir, rel)
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return fmt.Errorf("create output dir failed: %w", err)
			} else if err := os.WriteFile(dest, out, 0644); err != nil {
				return fmt.Errorf("write class failed: %w", err)
			}

			mu.Lock()
			defer mu.Unlock()
			results = append(results, FileResult{Path: rel, Changed: !bytes.Equal(out, existing)})
			return nil
		})
	}
	if err := errGroup.Wait(); err != nil {
		return nil, err
	}
	slices.SortFunc(results, func(a, b FileResult) int {
		return strings.Compare(a.Path, b.Path)
	})
	return results, nil
}

// LoadClassDir decodes every class unit below dir, instrumenting each through the load hook first.
func (t *Transformer) LoadClassDir(dir string) ([]*Class, error) {
	loader := dirLoader{root: dir}
	var classes []*Class
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		} else if d.IsDir() || !strings.HasSuffix(path, ClassFileSuffix) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		existing, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read class failed: %w", err)
		}
		typeName := filepath.ToSlash(strings.TrimSuffix(rel, ClassFileSuffix))
		class, err := t.codec.Decode(t.Transform(loader, typeName, existing))
		if err != nil {
			return fmt.Errorf("decode %s failed: %w", typeName, err)
		}
		classes = append(classes, class)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return classes, nil
}

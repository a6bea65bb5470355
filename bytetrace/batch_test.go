package bytetrace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeClassDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	for _, c := range []*Class{calcClass(), helperClass()} {
		path := filepath.Join(dir, filepath.FromSlash(c.Name)+ClassFileSuffix)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, encodeClass(t, c), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0644))
	return dir
}

func TestInstrumentFiles(t *testing.T) {
	t.Parallel()

	inDir := writeClassDir(t)
	outDir := filepath.Join(t.TempDir(), "out")
	tr := newTestTransformer(t, calcTargets)

	results, err := InstrumentFiles(context.Background(), tr, inDir, outDir)
	require.NoError(t, err)
	assert.Equal(t, []FileResult{
		{Path: filepath.Join("demo", "Calc"+ClassFileSuffix), Changed: true},
		{Path: filepath.Join("demo", "Helper"+ClassFileSuffix), Changed: false},
	}, results)

	helperIn, err := os.ReadFile(filepath.Join(inDir, "demo", "Helper"+ClassFileSuffix))
	require.NoError(t, err)
	helperOut, err := os.ReadFile(filepath.Join(outDir, "demo", "Helper"+ClassFileSuffix))
	require.NoError(t, err)
	assert.Equal(t, helperIn, helperOut)

	calcOut, err := os.ReadFile(filepath.Join(outDir, "demo", "Calc"+ClassFileSuffix))
	require.NoError(t, err)
	decoded, err := DefaultCodec.Decode(calcOut)
	require.NoError(t, err)
	assert.Equal(t, 1, probeCalls(decoded.FindMethod("classify", ""))[probeEnterName])

	_, err = os.Stat(filepath.Join(outDir, "README.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestInstrumentFilesErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing_dir", func(t *testing.T) {
		tr := newTestTransformer(t, calcTargets)
		_, err := InstrumentFiles(context.Background(), tr, filepath.Join(t.TempDir(), "missing"), t.TempDir())
		assert.Error(t, err)
	})
	t.Run("canceled", func(t *testing.T) {
		tr := newTestTransformer(t, calcTargets)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := InstrumentFiles(ctx, tr, writeClassDir(t), t.TempDir())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLoadClassDir(t *testing.T) {
	t.Parallel()

	tr := newTestTransformer(t, calcTargets)
	classes, err := tr.LoadClassDir(writeClassDir(t))
	require.NoError(t, err)
	require.Len(t, classes, 2)

	vm := NewVM(nil)
	for _, c := range classes {
		vm.Load(c)
	}
	result, err := vm.Invoke(context.Background(), testOwner, "build", newObject(testOwner), int64(4))
	require.NoError(t, err)
	assert.Equal(t, int64(8), result)

	calc := classes[0]
	require.Equal(t, testOwner, calc.Name)
	assert.NotEmpty(t, probeCalls(calc.FindMethod("classify", "")))
}

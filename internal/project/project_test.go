package project

// ============================================================================
// 專案規劃器測試
// 職責：驗證參照解析、依賴圖建立與增量編譯判斷
// ============================================================================

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/hdlrun/internal/config"
	"github.com/ChuLiYu/hdlrun/internal/depgraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }
func (c *testClock) Tick()          { c.t = c.t.Add(time.Second) }

type fixture struct {
	dir   string
	clock *testClock
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		dir:   t.TempDir(),
		clock: &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newProject 建立含 lib 函式庫的專案
func (fx *fixture) newProject(t *testing.T, opts ...Option) *Project {
	t.Helper()
	opts = append([]Option{WithClock(fx.clock.Now), WithLogger(discardLogger())}, opts...)
	p := New(opts...)
	_, err := p.AddLibrary("lib", filepath.Join(fx.dir, "lib"), false, false)
	require.NoError(t, err)
	return p
}

func (fx *fixture) path(name string) string {
	return filepath.Join(fx.dir, "src", name)
}

func (fx *fixture) add(t *testing.T, p *Project, name, content string, units []DesignUnit, refs ...Reference) *SourceFile {
	t.Helper()
	f, err := p.AddSourceFile("lib", FileSpec{
		Path:       fx.path(name),
		Content:    []byte(content),
		Standard:   "2008",
		Units:      units,
		References: refs,
	})
	require.NoError(t, err)
	return f
}

func pkg(name string) []DesignUnit {
	return []DesignUnit{{Name: name, Kind: KindPackage}}
}

func entity(name string) []DesignUnit {
	return []DesignUnit{{Name: name, Kind: KindEntity}}
}

func arch(name, of string) []DesignUnit {
	return []DesignUnit{{Name: name, Kind: KindArchitecture, Primary: of}}
}

func use(lib, unit string) Reference {
	return Reference{Library: lib, Unit: unit, Within: "all"}
}

func inst(lib, unit, within string) Reference {
	return Reference{Library: lib, Unit: unit, Within: within, Entity: true}
}

func paths(files []*SourceFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = filepath.Base(f.Path)
	}
	return out
}

func assertBefore(t *testing.T, order []string, first, second string) {
	t.Helper()
	i, j := -1, -1
	for k, n := range order {
		if n == first {
			i = k
		}
		if n == second {
			j = k
		}
	}
	require.NotEqual(t, -1, i, "%s missing from %v", first, order)
	require.NotEqual(t, -1, j, "%s missing from %v", second, order)
	assert.Less(t, i, j, "%s should be before %s in %v", first, second, order)
}

// ============================================================================
// 函式庫
// ============================================================================

func TestAddLibraryRejectsWork(t *testing.T) {
	p := New(WithLogger(discardLogger()))
	_, err := p.AddLibrary("work", "/tmp/work", false, false)
	assert.ErrorIs(t, err, ErrIllegalLibraryName)

	_, err = p.AddLibrary("WORK", "/tmp/work", false, false)
	assert.ErrorIs(t, err, ErrIllegalLibraryName)
}

func TestAddLibraryCaseInsensitiveUnique(t *testing.T) {
	p := New(WithLogger(discardLogger()))
	_, err := p.AddLibrary("MyLib", "/a", false, false)
	require.NoError(t, err)

	_, err = p.AddLibrary("mylib", "/b", false, false)
	assert.ErrorIs(t, err, ErrDuplicateLibrary)

	lib, err := p.AddLibrary("MYLIB", "/b", true, true)
	require.NoError(t, err)
	assert.Equal(t, "/b", lib.Directory)
	assert.True(t, lib.External)
	assert.Len(t, p.Libraries(), 1)
}

func TestAddSourceFileToUnknownLibrary(t *testing.T) {
	p := New(WithLogger(discardLogger()))
	_, err := p.AddSourceFile("nolib", FileSpec{Path: "a.vhd", Content: []byte("x")})
	assert.ErrorIs(t, err, ErrLibraryNotFound)
}

func TestAddSourceFileReadsFromDisk(t *testing.T) {
	fx := newFixture(t)
	p := fx.newProject(t)

	_, err := p.AddSourceFile("lib", FileSpec{Path: filepath.Join(fx.dir, "missing.vhd")})
	assert.Error(t, err)
}

func TestDuplicateSourceFile(t *testing.T) {
	fx := newFixture(t)
	p := fx.newProject(t)

	first := fx.add(t, p, "a.vhd", "same", entity("a"))
	again := fx.add(t, p, "a.vhd", "same", entity("a"))
	assert.Same(t, first, again)
	assert.Len(t, p.SourceFiles(), 1)

	_, err := p.AddSourceFile("lib", FileSpec{Path: fx.path("a.vhd"), Content: []byte("different")})
	assert.ErrorIs(t, err, ErrDuplicateFile)
}

// ============================================================================
// 參照解析
// ============================================================================

func TestPackageUseOrdersPackageFirst(t *testing.T) {
	fx := newFixture(t)
	p := fx.newProject(t)
	fx.add(t, p, "user.vhd", "user", entity("user"), use("work", "pkg"))
	fx.add(t, p, "pkg.vhd", "pkg", pkg("pkg"))

	order, err := p.FilesInCompileOrder(false)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg.vhd", "user.vhd"}, paths(order))
}

func TestSecondaryUnitDependsOnPrimary(t *testing.T) {
	fx := newFixture(t)
	p := fx.newProject(t)
	fx.add(t, p, "body.vhd", "body", []DesignUnit{{Name: "pkg", Kind: KindPackageBody, Primary: "pkg"}})
	fx.add(t, p, "rtl.vhd", "rtl", arch("rtl", "ent"))
	fx.add(t, p, "pkg.vhd", "pkg", pkg("pkg"))
	fx.add(t, p, "ent.vhd", "ent", entity("ent"))

	order, err := p.FilesInCompileOrder(false)
	require.NoError(t, err)
	names := paths(order)
	assertBefore(t, names, "pkg.vhd", "body.vhd")
	assertBefore(t, names, "ent.vhd", "rtl.vhd")
}

func TestEntityInstantiationDependsOnArchitectureFile(t *testing.T) {
	fx := newFixture(t)
	p := fx.newProject(t)
	fx.add(t, p, "top.vhd", "top", entity("top"), inst("work", "ent", ""))
	fx.add(t, p, "ent.vhd", "ent", entity("ent"))
	fx.add(t, p, "rtl.vhd", "rtl", arch("rtl", "ent"))

	graph, err := p.CreateDependencyGraph()
	require.NoError(t, err)

	top, err := p.SourceFile("lib", fx.path("top.vhd"))
	require.NoError(t, err)
	deps := graph.GetDirectDependencies(top.ID())
	assert.Len(t, deps, 2)
	assert.True(t, deps.Has("lib:"+fx.path("ent.vhd")))
	assert.True(t, deps.Has("lib:"+fx.path("rtl.vhd")))
}

func TestAmbiguousArchitectureIsCompileError(t *testing.T) {
	fx := newFixture(t)
	p := fx.newProject(t)
	fx.add(t, p, "ent.vhd", "ent", entity("ent"))
	fx.add(t, p, "rtl.vhd", "rtl", arch("rtl", "ent"))
	fx.add(t, p, "fast.vhd", "fast", arch("fast", "ent"))
	fx.add(t, p, "top.vhd", "top", entity("top"), inst("work", "ent", ""))

	_, err := p.FilesInCompileOrder(true)
	require.Error(t, err)
	assert.True(t, IsCompileError(err))
	assert.ErrorIs(t, err, ErrAmbiguousReference)

	var ambiguousErr *AmbiguousReferenceError
	require.True(t, errors.As(err, &ambiguousErr))
	assert.Equal(t, []string{fx.path("fast.vhd"), fx.path("rtl.vhd")}, ambiguousErr.Candidates)
	assert.Equal(t, fx.path("top.vhd"), ambiguousErr.File)
}

func TestExplicitArchitectureSelector(t *testing.T) {
	fx := newFixture(t)
	p := fx.newProject(t)
	fx.add(t, p, "ent.vhd", "ent", entity("ent"))
	fx.add(t, p, "rtl.vhd", "rtl", arch("rtl", "ent"))
	fx.add(t, p, "fast.vhd", "fast", arch("fast", "ent"))
	top := fx.add(t, p, "top.vhd", "top", entity("top"), inst("work", "ent", "RTL"))

	graph, err := p.CreateDependencyGraph()
	require.NoError(t, err)

	deps := graph.GetDirectDependencies(top.ID())
	assert.True(t, deps.Has("lib:"+fx.path("rtl.vhd")))
	assert.False(t, deps.Has("lib:"+fx.path("fast.vhd")))
}

func TestAllArchitecturesSelector(t *testing.T) {
	fx := newFixture(t)
	p := fx.newProject(t)
	fx.add(t, p, "ent.vhd", "ent", entity("ent"))
	fx.add(t, p, "rtl.vhd", "rtl", arch("rtl", "ent"))
	fx.add(t, p, "fast.vhd", "fast", arch("fast", "ent"))
	cfg := fx.add(t, p, "cfg.vhd", "cfg", []DesignUnit{{Name: "cfg", Kind: KindConfiguration}}, inst("work", "ent", "all"))

	graph, err := p.CreateDependencyGraph()
	require.NoError(t, err)
	deps := graph.GetDirectDependencies(cfg.ID())
	assert.Len(t, deps, 3)
}

func TestMissingArchitectureIsCompileError(t *testing.T) {
	fx := newFixture(t)
	p := fx.newProject(t)
	fx.add(t, p, "ent.vhd", "ent", entity("ent"))
	fx.add(t, p, "rtl.vhd", "rtl", arch("rtl", "ent"))
	fx.add(t, p, "top.vhd", "top", entity("top"), inst("work", "ent", "gate"))

	_, err := p.FilesInCompileOrder(true)
	assert.True(t, IsCompileError(err))
	assert.ErrorIs(t, err, ErrMissingArchitecture)
}

func TestDuplicatePrimaryUnitIsAmbiguous(t *testing.T) {
	fx := newFixture(t)
	p := fx.newProject(t)
	fx.add(t, p, "pkg_a.vhd", "a", pkg("pkg"))
	fx.add(t, p, "pkg_b.vhd", "b", pkg("pkg"))
	fx.add(t, p, "user.vhd", "user", entity("user"), use("lib", "pkg"))

	_, err := p.CreateDependencyGraph()
	var ambiguousErr *AmbiguousReferenceError
	require.True(t, errors.As(err, &ambiguousErr))
	assert.Len(t, ambiguousErr.Candidates, 2)
}

func TestMissingReferencesAreWarnings(t *testing.T) {
	fx := newFixture(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	p := fx.newProject(t, WithLogger(logger))

	_, err := p.AddLibrary("vendor", filepath.Join(fx.dir, "vendor"), true, false)
	require.NoError(t, err)

	fx.add(t, p, "top.vhd", "top", entity("top"),
		use("ieee", "std_logic_1164"),
		use("std", "textio"),
		use("nosuchlib", "pkg"),
		use("lib", "nosuchpkg"),
		use("vendor", "blackbox"),
	)

	order, err := p.FilesInCompileOrder(true)
	require.NoError(t, err)
	assert.Equal(t, []string{"top.vhd"}, paths(order))

	out := logs.String()
	assert.Contains(t, out, "failed to find library")
	assert.Contains(t, out, "nosuchlib")
	assert.Contains(t, out, "nosuchpkg")
	assert.NotContains(t, out, "ieee")
	assert.NotContains(t, out, "textio")
	assert.NotContains(t, out, "blackbox")
}

func TestCircularDependencyIsCompileError(t *testing.T) {
	fx := newFixture(t)
	p := fx.newProject(t)
	fx.add(t, p, "a.vhd", "a", pkg("a"), use("work", "b"))
	fx.add(t, p, "b.vhd", "b", pkg("b"), use("work", "a"))

	_, err := p.FilesInCompileOrder(true)
	require.Error(t, err)
	assert.True(t, IsCompileError(err))
	assert.ErrorIs(t, err, depgraph.ErrCircularDependency)

	var cycleErr *depgraph.CircularDependencyError[string]
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, cycleErr.Path[0], cycleErr.Path[len(cycleErr.Path)-1])
	assert.Len(t, cycleErr.Path, 3)
}

func TestComponentDependenciesAreOptional(t *testing.T) {
	fx := newFixture(t)
	build := func(opts ...Option) (*Project, *SourceFile) {
		p := fx.newProject(t, opts...)
		fx.add(t, p, "ent.vhd", "ent", entity("ent"))
		top, err := p.AddSourceFile("lib", FileSpec{
			Path:       fx.path("top.vhd"),
			Content:    []byte("top"),
			Units:      entity("top"),
			Components: []string{"ENT", "unknown_comp"},
		})
		require.NoError(t, err)
		return p, top
	}

	p, top := build()
	graph, err := p.CreateDependencyGraph()
	require.NoError(t, err)
	assert.Empty(t, graph.GetDirectDependencies(top.ID()))

	p, top = build(WithComponentDependencies(true))
	graph, err = p.CreateDependencyGraph()
	require.NoError(t, err)
	assert.True(t, graph.GetDirectDependencies(top.ID()).Has("lib:"+fx.path("ent.vhd")))
}

func TestParseReferences(t *testing.T) {
	ref, err := ParseUseReference("IEEE.Std_Logic_1164.all")
	require.NoError(t, err)
	assert.Equal(t, Reference{Library: "ieee", Unit: "std_logic_1164", Within: "all"}, ref)

	ref, err = ParseEntityReference("work.counter(rtl)")
	require.NoError(t, err)
	assert.Equal(t, Reference{Library: "work", Unit: "counter", Within: "rtl", Entity: true}, ref)
	assert.Equal(t, "entity work.counter(rtl)", ref.String())

	ref, err = ParseEntityReference("lib.top")
	require.NoError(t, err)
	assert.Empty(t, ref.Within)

	for _, bad := range []string{"pkg", "a.b.c.d", ".pkg"} {
		_, err := ParseUseReference(bad)
		assert.ErrorIs(t, err, ErrInvalidReference, bad)
	}
	for _, bad := range []string{"lib.ent(rtl", "lib.ent()", "ent(rtl)"} {
		_, err := ParseEntityReference(bad)
		assert.ErrorIs(t, err, ErrInvalidReference, bad)
	}
}

// ============================================================================
// 增量編譯
// ============================================================================

// buildThreeFiles pkg <- user，other 獨立
func (fx *fixture) buildThreeFiles(t *testing.T, pkgContent string, opts ...Option) *Project {
	p := fx.newProject(t, opts...)
	fx.add(t, p, "pkg.vhd", pkgContent, pkg("pkg"))
	fx.add(t, p, "user.vhd", "user", entity("user"), use("work", "pkg"))
	fx.add(t, p, "other.vhd", "other", entity("other"))
	return p
}

func (fx *fixture) compileAll(t *testing.T, p *Project) {
	t.Helper()
	order, err := p.FilesInCompileOrder(true)
	require.NoError(t, err)
	for _, f := range order {
		fx.clock.Tick()
		require.NoError(t, p.Update(f))
	}
}

func TestEverythingStaleWithoutHashFiles(t *testing.T) {
	fx := newFixture(t)
	p := fx.buildThreeFiles(t, "pkg v1")

	order, err := p.FilesInCompileOrder(true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pkg.vhd", "user.vhd", "other.vhd"}, paths(order))
	assertBefore(t, paths(order), "pkg.vhd", "user.vhd")
}

func TestNothingStaleAfterUpdate(t *testing.T) {
	fx := newFixture(t)
	p := fx.buildThreeFiles(t, "pkg v1")
	fx.compileAll(t, p)

	stale, err := p.FilesToRecompile(p.SourceFiles(), true)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// 以全新的專案物件從磁碟讀取 hash-file
	p = fx.buildThreeFiles(t, "pkg v1")
	order, err := p.FilesInCompileOrder(true)
	require.NoError(t, err)
	assert.Empty(t, order)

	all, err := p.FilesInCompileOrder(false)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestChangedContentRecompilesDependents(t *testing.T) {
	fx := newFixture(t)
	fx.compileAll(t, fx.buildThreeFiles(t, "pkg v1"))

	p := fx.buildThreeFiles(t, "pkg v2")
	stale, err := p.FilesToRecompile(p.SourceFiles(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg.vhd"}, paths(stale))

	order, err := p.FilesInCompileOrder(true)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg.vhd", "user.vhd"}, paths(order))
}

func TestNewerDependencyTimestampRecompiles(t *testing.T) {
	fx := newFixture(t)
	p := fx.buildThreeFiles(t, "pkg v1")
	fx.compileAll(t, p)

	pkgFile, err := p.SourceFile("lib", fx.path("pkg.vhd"))
	require.NoError(t, err)
	fx.clock.Tick()
	require.NoError(t, p.Update(pkgFile))

	stale, err := p.FilesToRecompile(p.SourceFiles(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"user.vhd"}, paths(stale))
}

func TestEqualDependencyTimestampIsNotStale(t *testing.T) {
	fx := newFixture(t)
	p := fx.buildThreeFiles(t, "pkg v1")

	// 所有 hash-file 使用同一時間戳
	order, err := p.FilesInCompileOrder(true)
	require.NoError(t, err)
	for _, f := range order {
		require.NoError(t, p.Update(f))
	}

	stale, err := p.FilesToRecompile(p.SourceFiles(), true)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestCompileOptionsAndStandardAffectHash(t *testing.T) {
	fx := newFixture(t)
	p := fx.newProject(t)
	base, err := p.AddSourceFile("lib", FileSpec{Path: "a.vhd", Content: []byte("x"), Standard: "2008"})
	require.NoError(t, err)
	hash := base.ContentHash()
	assert.Equal(t, hash, base.ContentHash(), "hash is a pure function of inputs")

	other, err := p.AddSourceFile("lib", FileSpec{Path: "b.vhd", Content: []byte("x"), Standard: "2002"})
	require.NoError(t, err)
	assert.NotEqual(t, hash, other.ContentHash())

	require.NoError(t, base.SetCompileOption(config.CompileFlags, []string{"-O3"}))
	assert.NotEqual(t, hash, base.ContentHash())

	assert.ErrorIs(t, base.SetCompileOption("compile.magic", true), config.ErrUnknownOption)
}

func TestMinimalFileSet(t *testing.T) {
	fx := newFixture(t)
	p := fx.buildThreeFiles(t, "pkg v1")

	user, err := p.SourceFile("lib", fx.path("user.vhd"))
	require.NoError(t, err)

	minimal, err := p.MinimalFileSet([]*SourceFile{user}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg.vhd", "user.vhd"}, paths(minimal))

	// 編譯後閉包內已無過期檔案
	fx.compileAll(t, p)
	minimal, err = p.MinimalFileSet([]*SourceFile{user}, false)
	require.NoError(t, err)
	assert.Empty(t, minimal)
}

func TestDependenciesInCompileOrder(t *testing.T) {
	fx := newFixture(t)
	p := fx.buildThreeFiles(t, "pkg v1")
	fx.compileAll(t, p)

	user, err := p.SourceFile("lib", fx.path("user.vhd"))
	require.NoError(t, err)

	deps, err := p.DependenciesInCompileOrder([]*SourceFile{user}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg.vhd", "user.vhd"}, paths(deps), "listing ignores staleness")

	all, err := p.DependenciesInCompileOrder(nil, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLatestDependencyUpdates(t *testing.T) {
	fx := newFixture(t)
	p := fx.buildThreeFiles(t, "pkg v1")

	updates, err := p.LatestDependencyUpdates()
	require.NoError(t, err)
	assert.Empty(t, updates, "never compiled")

	files := map[string]*SourceFile{}
	for _, f := range p.SourceFiles() {
		files[filepath.Base(f.Path)] = f
	}

	base := fx.clock.Now()
	for i, name := range []string{"pkg.vhd", "user.vhd", "other.vhd"} {
		fx.clock.t = base.Add(time.Duration(i+1) * time.Second)
		require.NoError(t, p.Update(files[name]))
	}

	updates, err = p.LatestDependencyUpdates()
	require.NoError(t, err)
	assert.Equal(t, base.Add(1*time.Second), updates[fx.path("pkg.vhd")])
	assert.Equal(t, base.Add(2*time.Second), updates[fx.path("user.vhd")])
	assert.Equal(t, base.Add(3*time.Second), updates[fx.path("other.vhd")])

	// 重新編譯 pkg，依賴它的 user 也隨之更新
	fx.clock.t = base.Add(10 * time.Second)
	require.NoError(t, p.Update(files["pkg.vhd"]))

	updates, err = p.LatestDependencyUpdates()
	require.NoError(t, err)
	assert.Equal(t, base.Add(10*time.Second), updates[fx.path("user.vhd")])
	assert.Equal(t, base.Add(3*time.Second), updates[fx.path("other.vhd")])
}

func TestUnreadableHashFileRecompiles(t *testing.T) {
	fx := newFixture(t)
	fx.compileAll(t, fx.buildThreeFiles(t, "pkg v1"))

	p := fx.buildThreeFiles(t, "pkg v1")
	pkgFile, err := p.SourceFile("lib", fx.path("pkg.vhd"))
	require.NoError(t, err)
	otherFile, err := p.SourceFile("lib", fx.path("other.vhd"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pkgFile.hashFilePath(), []byte("{trunc"), 0644))
	require.NoError(t, os.WriteFile(otherFile.hashFilePath(), []byte(`{"schema_ver":99,"data":{}}`), 0644))

	order, err := p.FilesInCompileOrder(true)
	require.NoError(t, err, "unreadable hash files must not abort the build")
	assert.ElementsMatch(t, []string{"pkg.vhd", "user.vhd", "other.vhd"}, paths(order))
	assertBefore(t, paths(order), "pkg.vhd", "user.vhd")

	_, err = p.LatestDependencyUpdates()
	require.NoError(t, err)

	for _, f := range order {
		fx.clock.Tick()
		require.NoError(t, p.Update(f))
	}
	order, err = fx.buildThreeFiles(t, "pkg v1").FilesInCompileOrder(true)
	require.NoError(t, err)
	assert.Empty(t, order, "rewritten hash files are valid again")
}

func TestUpdateUnknownFile(t *testing.T) {
	fx := newFixture(t)
	p := fx.newProject(t)
	lib, _ := p.Library("lib")

	err := p.Update(&SourceFile{Path: "ghost.vhd", Library: lib})
	assert.ErrorIs(t, err, ErrFileNotFound)
}

package combiner

import (
	"fmt"
	"io/fs"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
)

// fuseRegistry maps the Go-side fuse implementation name a pattern script
// names in its `fuse` field to the actual FuseFunc. Concrete architectures
// populate this once at init time (see isa/mips32's combiner wiring) before
// calling LoadPatterns.
var fuseRegistry = make(map[string]FuseFunc)

// RegisterFuse makes a Go-implemented fusion available to pattern scripts
// under name.
func RegisterFuse(name string, fn FuseFunc) {
	fuseRegistry[name] = fn
}

// LoadPatterns evaluates every *.lua file in fsys, each of which is expected
// to call the `pattern{name=..., steps={...}, fuse=...}` constructor
// exactly once, and registers the resulting Pattern with m. Scripts only
// ever describe shape; fuseRegistry supplies the executable half.
func LoadPatterns(m *Matcher, fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("combiner: read pattern dir %q: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		src, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("combiner: read %q: %w", path, err)
		}
		if err := loadOne(m, path, string(src)); err != nil {
			return err
		}
	}
	return nil
}

func loadOne(m *Matcher, path, src string) error {
	L := lua.NewState()
	defer L.Close()

	var captured *Pattern

	L.SetGlobal("pattern", L.NewFunction(func(L *lua.LState) int {
		tbl := L.CheckTable(1)

		name, ok := tbl.RawGetString("name").(lua.LString)
		if !ok {
			L.RaiseError("pattern: missing string field 'name'")
			return 0
		}
		fuseName, ok := tbl.RawGetString("fuse").(lua.LString)
		if !ok {
			L.RaiseError("pattern %q: missing string field 'fuse'", string(name))
			return 0
		}
		fuseFn, ok := fuseRegistry[string(fuseName)]
		if !ok {
			L.RaiseError("pattern %q: no Go fuse implementation registered for %q", string(name), string(fuseName))
			return 0
		}

		stepsTbl, ok := tbl.RawGetString("steps").(*lua.LTable)
		if !ok {
			L.RaiseError("pattern %q: missing table field 'steps'", string(name))
			return 0
		}
		var steps []Step
		stepsTbl.ForEach(func(_, v lua.LValue) {
			if s, ok := v.(lua.LString); ok {
				steps = append(steps, Step{Tag: string(s)})
			}
		})
		if len(steps) == 0 {
			L.RaiseError("pattern %q: 'steps' is empty", string(name))
			return 0
		}

		captured = &Pattern{Name: string(name), Steps: steps, Fuse: fuseFn}
		return 0
	}))

	if err := L.DoString(src); err != nil {
		return fmt.Errorf("combiner: loading %q: %w", path, err)
	}
	if captured == nil {
		return fmt.Errorf("combiner: %q did not call pattern{...}", path)
	}
	m.Register(captured)
	return nil
}

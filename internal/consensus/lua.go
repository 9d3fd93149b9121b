package consensus

import (
	"fmt"
	"os"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"specdrive/internal/models"
)

// LuaStrategy runs an operator-supplied conflict rule in a sandboxed Lua
// state. The script must define:
//
//	function conflicts(payloads)
//	  -- payloads: { [agent] = { fields... } }
//	  -- return an array of { key = "...", values = { [agent] = "..." } }
//	end
//
// The sandbox exposes only the base, table, string, and math libraries,
// with file loading and nondeterministic functions stripped.
type LuaStrategy struct {
	ScriptPath string
}

func (s LuaStrategy) Name() string { return "lua:" + s.ScriptPath }

func (s LuaStrategy) Conflicts(payloads map[string]*models.Payload) []models.Conflict {
	conflicts, err := s.run(payloads)
	if err != nil {
		// A broken rule script must not mask real disagreement: fall back
		// to the structural diff and let the operator see the error.
		fmt.Fprintf(os.Stderr, "conflict rule %s: %v (falling back to structural diff)\n", s.ScriptPath, err)
		return StructuralDiff{}.Conflicts(payloads)
	}
	return conflicts
}

func (s LuaStrategy) run(payloads map[string]*models.Payload) ([]models.Conflict, error) {
	script, err := os.ReadFile(s.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("read rule script: %w", err)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	openSafeLibs(L)

	if err := L.DoString(string(script)); err != nil {
		return nil, fmt.Errorf("load rule script: %w", err)
	}

	fn := L.GetGlobal("conflicts")
	if fn == lua.LNil {
		return nil, fmt.Errorf("rule script must define a 'conflicts' function")
	}

	arg := L.NewTable()
	agents := make([]string, 0, len(payloads))
	for agent := range payloads {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	for _, agent := range agents {
		p := payloads[agent]
		fields := map[string]any{}
		if p != nil {
			fields = p.Fields
		}
		L.SetField(arg, agent, goToLua(L, fields))
	}

	L.Push(fn)
	L.Push(arg)
	if err := L.PCall(1, 1, nil); err != nil {
		return nil, fmt.Errorf("rule script failed: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("rule script must return a table, got %s", ret.Type())
	}
	return tableToConflicts(tbl)
}

func tableToConflicts(tbl *lua.LTable) ([]models.Conflict, error) {
	var conflicts []models.Conflict
	var convErr error
	tbl.ForEach(func(_, item lua.LValue) {
		if convErr != nil {
			return
		}
		entry, ok := item.(*lua.LTable)
		if !ok {
			convErr = fmt.Errorf("conflict entries must be tables, got %s", item.Type())
			return
		}
		key := lua.LVAsString(entry.RawGetString("key"))
		if key == "" {
			convErr = fmt.Errorf("conflict entry missing 'key'")
			return
		}
		values := make(map[string]string)
		if vt, ok := entry.RawGetString("values").(*lua.LTable); ok {
			vt.ForEach(func(agent, val lua.LValue) {
				values[lua.LVAsString(agent)] = lua.LVAsString(val)
			})
		}
		conflicts = append(conflicts, models.Conflict{Key: key, Values: values})
	})
	return conflicts, convErr
}

// openSafeLibs loads only the deterministic standard libraries.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// StrategyFor resolves a configured conflict rule: "structural" for the
// default diff, anything else is a path to a Lua rule script.
func StrategyFor(rule string) Strategy {
	if rule == "" || rule == "structural" {
		return StructuralDiff{}
	}
	return LuaStrategy{ScriptPath: rule}
}

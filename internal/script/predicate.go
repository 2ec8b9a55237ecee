// Package script compiles user-supplied Lua filter predicates over timeline
// items. Scripts run in a sandbox with only the base, table, string and math
// libraries and no file or random access.
package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/kalambet/jreplay/internal/timeline"
)

// DefaultTimeout bounds a single predicate evaluation.
const DefaultTimeout = 100 * time.Millisecond

// Predicate is a compiled filter. A script is either a bare boolean
// expression over `item`, such as
//
//	item.durationMs > 1000 and item.isAI
//
// or a chunk that defines a global function match(item).
type Predicate struct {
	mu      sync.Mutex
	L       *lua.LState
	fn      *lua.LFunction
	timeout time.Duration
	lastErr error
}

// Compile loads src into a fresh sandboxed state.
func Compile(src string) (*Predicate, error) {
	if src == "" {
		return nil, errors.New("empty script")
	}

	L := newSandbox()
	fn, err := loadMatch(L, src)
	if err != nil {
		L.Close()
		return nil, err
	}
	return &Predicate{L: L, fn: fn, timeout: DefaultTimeout}, nil
}

func loadMatch(L *lua.LState, src string) (*lua.LFunction, error) {
	if err := L.DoString(src); err == nil {
		if fn, ok := L.GetGlobal("match").(*lua.LFunction); ok {
			return fn, nil
		}
	}
	L.SetGlobal("match", lua.LNil)
	if err := L.DoString("function match(item) return (" + src + ") end"); err != nil {
		return nil, fmt.Errorf("compiling script: %w", err)
	}
	fn, ok := L.GetGlobal("match").(*lua.LFunction)
	if !ok {
		return nil, errors.New("script must be an expression or define a match(item) function")
	}
	return fn, nil
}

func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
	return L
}

// SetTimeout changes the per-evaluation time limit.
func (p *Predicate) SetTimeout(d time.Duration) {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}

// Eval runs the predicate against it. The result follows Lua truthiness.
func (p *Predicate) Eval(ctx context.Context, it timeline.Item) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	p.L.SetContext(ctx)
	defer p.L.RemoveContext()

	p.L.Push(p.fn)
	p.L.Push(itemTable(p.L, it))
	if err := p.L.PCall(1, 1, nil); err != nil {
		return false, fmt.Errorf("evaluating script on step %s: %w", it.ID, err)
	}
	ret := p.L.Get(-1)
	p.L.Pop(1)
	return lua.LVAsBool(ret), nil
}

// Match adapts the predicate to timeline.Filters. An item whose evaluation
// fails does not match; the failure is kept for Err.
func (p *Predicate) Match(it timeline.Item) bool {
	ok, err := p.Eval(context.Background(), it)
	if err != nil {
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		return false
	}
	return ok
}

// Err returns the most recent evaluation failure seen by Match.
func (p *Predicate) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Close releases the Lua state.
func (p *Predicate) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.L.Close()
}

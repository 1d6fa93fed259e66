package luamodule

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/Shopify/go-lua"

	"github.com/louisbranch/modkernel/internal/services/kernel/domain/dispatch"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/resource"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/role"
)

const (
	fnExecute    = "execute"
	fnInspect    = "inspect"
	fnInitialize = "initialize"
	accepts      = "accepts_resources"
)

// Module is one loaded script.
type Module struct {
	source  string
	accepts bool
}

// chunkName keeps script paths out of Lua error messages.
func chunkName(moduleID string) string {
	if moduleID == "" {
		return "=lua"
	}
	return "=" + moduleID
}

// load compiles the script once to read its globals.
func load(source string) (*Module, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)
	if err := lua.LoadBuffer(state, source, chunkName(""), "t"); err != nil {
		return nil, fmt.Errorf("load lua: %w", err)
	}
	if err := state.ProtectedCall(0, 0, 0); err != nil {
		return nil, fmt.Errorf("run lua: %w", err)
	}
	state.Global(fnExecute)
	hasExecute := state.IsFunction(-1)
	state.Pop(1)
	if !hasExecute {
		return nil, fmt.Errorf("script defines no %s function", fnExecute)
	}

	m := &Module{source: source}
	state.Global(accepts)
	switch {
	case state.IsFunction(-1):
		if err := state.ProtectedCall(0, 1, 0); err != nil {
			return nil, fmt.Errorf("%s: %w", accepts, err)
		}
		m.accepts = state.ToBoolean(-1)
	default:
		m.accepts = state.ToBoolean(-1)
	}
	state.Pop(1)
	return m, nil
}

// AcceptsResources reports the script's accepts_resources global.
func (m *Module) AcceptsResources() bool {
	return m.accepts
}

// Execute calls the script's execute function.
func (m *Module) Execute(ctx context.Context, call dispatch.Call) ([]byte, error) {
	return m.run(ctx, fnExecute, call)
}

// Inspect calls the script's inspect function.
func (m *Module) Inspect(ctx context.Context, call dispatch.Call) ([]byte, error) {
	return m.run(ctx, fnInspect, call)
}

// Initialize calls the script's initialize function.
func (m *Module) Initialize(ctx context.Context, call dispatch.Call) error {
	_, err := m.run(ctx, fnInitialize, call)
	return err
}

// session is the Go side of one script call.
type session struct {
	ctx  context.Context
	call dispatch.Call
	// raised is the last kernel error handed to Lua, with the message it
	// was raised as. It is attached to the script's failure only when the
	// script fails with that same message.
	raised    error
	raisedMsg string
}

// cause returns the kernel error behind a script failure, if the script
// failed by letting a raised error escape.
func (s *session) cause(err error) error {
	if s.raised == nil || err == nil {
		return nil
	}
	if !strings.HasSuffix(err.Error(), s.raisedMsg) {
		return nil
	}
	return s.raised
}

func (m *Module) run(ctx context.Context, entry string, call dispatch.Call) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &session{ctx: ctx, call: call}
	state := lua.NewState()
	lua.OpenLibraries(state)
	s.register(state)

	if err := lua.LoadBuffer(state, m.source, chunkName(call.ModuleID), "t"); err != nil {
		return nil, fmt.Errorf("load lua: %w", err)
	}
	if err := state.ProtectedCall(0, 0, 0); err != nil {
		return nil, fmt.Errorf("run lua: %w", err)
	}
	state.Global(entry)
	if !state.IsFunction(-1) {
		state.Pop(1)
		return nil, fmt.Errorf("script for %s defines no %s function", call.ModuleID, entry)
	}
	state.PushString(string(call.Payload))
	pushCall(state, call)
	if err := state.ProtectedCall(2, 1, 0); err != nil {
		if cause := s.cause(err); cause != nil {
			return nil, fmt.Errorf("%s: %w", err.Error(), cause)
		}
		return nil, err
	}
	defer state.Pop(1)
	if state.IsNil(-1) {
		return nil, nil
	}
	out, ok := state.ToString(-1)
	if !ok {
		return nil, fmt.Errorf("%s must return a string or nil", entry)
	}
	return []byte(out), nil
}

func pushCall(state *lua.State, call dispatch.Call) {
	state.NewTable()
	state.PushString(call.ModuleID)
	state.SetField(-2, "module_id")
	state.PushString(call.Amount.String())
	state.SetField(-2, "amount")
	state.PushBoolean(call.ReadOnly)
	state.SetField(-2, "read_only")
	state.PushInteger(int(call.Version))
	state.SetField(-2, "version")
	state.PushInteger(call.Frame.Depth)
	state.SetField(-2, "depth")
	state.PushString(call.Frame.OriginalCaller.String())
	state.SetField(-2, "original_caller")
	state.PushString(call.Frame.EffectiveCaller.String())
	state.SetField(-2, "effective_caller")
}

func (s *session) register(state *lua.State) {
	state.NewTable()
	for _, fn := range []lua.RegistryFunction{
		{Name: "dispatch", Function: s.dispatch},
		{Name: "dispatch_read_only", Function: s.dispatchReadOnly},
		{Name: "has_role", Function: s.hasRole},
		{Name: "log", Function: s.log},
	} {
		state.PushGoFunction(fn.Function)
		state.SetField(-2, fn.Name)
	}
	state.SetGlobal("kernel")
}

func (s *session) raise(state *lua.State, err error) int {
	s.raised = err
	s.raisedMsg = err.Error()
	lua.Errorf(state, "%s", s.raisedMsg)
	return 0
}

// dispatch(module_id, payload [, amount]) returns the nested result string.
func (s *session) dispatch(state *lua.State) int {
	moduleID := lua.CheckString(state, 1)
	payload := lua.OptString(state, 2, "")
	amount, err := resource.ParseAmount(lua.OptString(state, 3, ""))
	if err != nil {
		return s.raise(state, err)
	}
	if err := s.ctx.Err(); err != nil {
		return s.raise(state, err)
	}
	out, err := s.call.Dispatch(s.ctx, moduleID, []byte(payload), amount)
	if err != nil {
		return s.raise(state, err)
	}
	state.PushString(string(out))
	return 1
}

// dispatch_read_only(module_id, payload) returns the nested result string.
func (s *session) dispatchReadOnly(state *lua.State) int {
	moduleID := lua.CheckString(state, 1)
	payload := lua.OptString(state, 2, "")
	if err := s.ctx.Err(); err != nil {
		return s.raise(state, err)
	}
	out, err := s.call.DispatchReadOnly(s.ctx, moduleID, []byte(payload))
	if err != nil {
		return s.raise(state, err)
	}
	state.PushString(string(out))
	return 1
}

// has_role(role) checks the original caller.
func (s *session) hasRole(state *lua.State) int {
	state.PushBoolean(s.call.HasRole(role.ID(lua.CheckString(state, 1))))
	return 1
}

func (s *session) log(state *lua.State) int {
	log.Printf("lua %s: %s", s.call.ModuleID, lua.CheckString(state, 1))
	return 0
}

var (
	_ dispatch.Module           = (*Module)(nil)
	_ dispatch.Inspector        = (*Module)(nil)
	_ dispatch.Initializer      = (*Module)(nil)
	_ dispatch.ResourceReceiver = (*Module)(nil)
)

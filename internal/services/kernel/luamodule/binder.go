// Package luamodule runs kernel modules written as Lua scripts.
//
// A handle "lua:<path>" names a script under the binder's root. Each call
// runs in a fresh interpreter, so a script keeps no state between calls and
// an address update takes effect on the next dispatch. Scripts define global
// functions:
//
//	execute(payload, call)     -- required, returns the result string
//	inspect(payload, call)     -- optional read-only entry point
//	initialize(payload, call)  -- optional, receives the init payload
//	accepts_resources          -- optional boolean or function
//
// and may call back into the kernel through the "kernel" table.
package luamodule

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/louisbranch/modkernel/internal/services/kernel/domain/dispatch"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
)

// Scheme is the handle prefix routed to this package.
const Scheme = "lua"

// Binder loads scripts from a file system.
type Binder struct {
	scripts fs.FS
}

// NewBinder binds "lua:" handles to scripts in scripts.
func NewBinder(scripts fs.FS) *Binder {
	return &Binder{scripts: scripts}
}

// Bind reads and checks the script named by handle.
func (b *Binder) Bind(ctx context.Context, handle identity.Handle) (dispatch.Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b == nil || b.scripts == nil {
		return nil, fmt.Errorf("lua scripts are not configured")
	}
	if handle.Scheme() != Scheme {
		return nil, fmt.Errorf("handle scheme %q is not %q", handle.Scheme(), Scheme)
	}
	name := strings.TrimPrefix(handle.String(), Scheme+":")
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("invalid script path")
	}
	source, err := fs.ReadFile(b.scripts, name)
	if err != nil {
		// The path is part of the handle; report only the cause.
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			err = pathErr.Err
		}
		return nil, fmt.Errorf("read script: %w", err)
	}
	return load(string(source))
}

var _ dispatch.Binder = (*Binder)(nil)

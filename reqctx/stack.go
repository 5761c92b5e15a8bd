package reqctx

import "sync"

// Release pops the context pushed by the matching Push/PushSilent call.
// It is safe to call more than once; only the first call has effect.
type Release func()

var stacks sync.Map // goroutine id (int64) -> *frame

type frame struct {
	ctx  *Context
	prev *frame
}

// Current returns the context currently on top of the calling
// goroutine's stack, or nil if none has been pushed.
func Current() *Context {
	f, ok := stacks.Load(goroutineID())
	if !ok {
		return nil
	}
	return f.(*frame).ctx
}

// Push makes ctx the current context of the calling goroutine, running
// ctx's on-enter callbacks and, if a context was already current, its
// on-child callbacks. Pushing the context already on top is a no-op
// that returns a Release doing nothing, per the re-entrant-push rule.
func Push(ctx *Context) Release {
	return push(ctx, true)
}

// PushSilent behaves like Push but never invokes on-enter/on-child/
// on-exit callbacks, for callers that want to replace the current
// context without triggering lifecycle side effects.
func PushSilent(ctx *Context) Release {
	return push(ctx, false)
}

func push(ctx *Context, notify bool) Release {
	gid := goroutineID()

	var prev *frame
	if v, ok := stacks.Load(gid); ok {
		prev = v.(*frame)
		if prev.ctx == ctx {
			return func() {}
		}
	}

	next := &frame{ctx: ctx, prev: prev}
	stacks.Store(gid, next)

	if notify {
		ctx.runEnter()
		if prev != nil {
			prev.ctx.runChild(ctx)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if notify {
				ctx.runExit()
			}
			if prev != nil {
				stacks.Store(gid, prev)
			} else {
				stacks.Delete(gid)
			}
		})
	}
}

package httpreq

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianrpc/corerpc/reqctx"
	"github.com/meridianrpc/corerpc/rpcerrors"
	"github.com/meridianrpc/corerpc/rpclog"
	"github.com/meridianrpc/corerpc/stream"
	"golang.org/x/net/http2"
)

var timeAfterFunc = time.AfterFunc

// Config describes the request the Publisher writes to the wire.
type Config struct {
	Method       string
	Path         string
	Scheme       string
	Authority    string
	UserAgent    string
	WriteTimeout time.Duration
}

// contextDefaults lets a reqctx.Context value supply pseudo-header
// defaults without this package importing any particular context type.
type contextDefaults interface {
	DefaultAuthority() string
	DefaultScheme() string
	DefaultUserAgent() string
}

func applyContextDefaults(cfg *Config, ctx *reqctx.Context) {
	if ctx == nil {
		return
	}
	d, ok := ctx.Value.(contextDefaults)
	if !ok {
		return
	}
	if cfg.Authority == "" {
		cfg.Authority = d.DefaultAuthority()
	}
	if cfg.Scheme == "" {
		cfg.Scheme = d.DefaultScheme()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = d.DefaultUserAgent()
	}
}

// Publisher implements stream.Subscriber[*Element], driving a request
// stream onto a Channel.
type Publisher struct {
	cfg     Config
	channel Channel
	enc     *HeaderEncoder

	state     atomic.Int32
	mu        sync.Mutex
	sub       stream.Subscription
	timer     *time.Timer
	firstByte bool
	done      chan struct{}
	doneOnce  sync.Once
	err       error
}

// NewPublisher constructs a Publisher. If ctx is non-nil and its Value
// implements contextDefaults, missing Scheme/Authority/UserAgent are
// filled in from it before the first header frame is written.
func NewPublisher(cfg Config, ctx *reqctx.Context, channel Channel, enc *HeaderEncoder) *Publisher {
	applyContextDefaults(&cfg, ctx)
	return &Publisher{cfg: cfg, channel: channel, enc: enc, done: make(chan struct{})}
}

// Done reports when the publisher reaches DONE.
func (p *Publisher) Done() <-chan struct{} { return p.done }

// Err returns the terminal cause, if any, once Done is closed.
func (p *Publisher) Err() error { return p.err }

func (p *Publisher) OnSubscribe(sub stream.Subscription) {
	p.mu.Lock()
	p.sub = sub
	if p.cfg.WriteTimeout > 0 {
		p.timer = timeAfterFunc(p.cfg.WriteTimeout, p.onWriteTimeout)
	}
	p.mu.Unlock()
	sub.Request(1)
}

func (p *Publisher) onWriteTimeout() {
	if p.state.Load() == int32(Done) {
		return
	}
	p.fail(rpcerrors.ErrWriteTimeout, http2.ErrCodeCancel)
}

func (p *Publisher) cancelTimer() {
	p.mu.Lock()
	t := p.timer
	p.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

func (p *Publisher) OnNext(el *Element) {
	switch State(p.state.Load()) {
	case NeedsFirstHeader:
		p.handleFirstHeader(el)
	case NeedsDataOrTrailers:
		p.handleDataOrTrailers(el)
	default: // Done: discard, releasing and cancelling.
		el.Release()
		p.mu.Lock()
		sub := p.sub
		p.mu.Unlock()
		if sub != nil {
			sub.Cancel()
		}
	}
}

func (p *Publisher) handleFirstHeader(el *Element) {
	if el.Kind != KindHeaders {
		p.fail(rpcerrors.IllegalState("httpreq: first element must be headers"), http2.ErrCodeInternal)
		return
	}
	if el.Headers == nil {
		el.Headers = make(http.Header)
	}
	if p.cfg.UserAgent != "" && el.Headers.Get("User-Agent") == "" {
		el.Headers.Set("User-Agent", p.cfg.UserAgent)
	}

	block, err := p.enc.Encode(p.cfg.Method, p.cfg.Path, p.cfg.Scheme, p.cfg.Authority, el.Headers)
	if err != nil {
		p.fail(err, http2.ErrCodeInternal)
		return
	}
	if err := p.channel.WriteHeaderBlock(block, el.EndStream); err != nil {
		p.failWrite(err)
		return
	}
	p.onWriteSuccess()
	if el.EndStream {
		p.finish(nil)
		return
	}
	p.state.Store(int32(NeedsDataOrTrailers))
	p.requestMore()
}

func (p *Publisher) handleDataOrTrailers(el *Element) {
	switch el.Kind {
	case KindData:
		if err := p.channel.WriteData(el.Data, el.EndStream); err != nil {
			p.failWrite(err)
			return
		}
		p.onWriteSuccess()
		if el.EndStream {
			p.finish(nil)
			return
		}
		p.requestMore()
	case KindTrailers:
		if el.Headers != nil && el.Headers.Get(":status") != "" {
			p.fail(rpcerrors.IllegalState("httpreq: trailers must not set a status"), http2.ErrCodeInternal)
			return
		}
		block, err := p.enc.EncodeTrailers(el.Headers)
		if err != nil {
			p.fail(err, http2.ErrCodeInternal)
			return
		}
		if err := p.channel.WriteHeaderBlock(block, true); err != nil {
			p.failWrite(err)
			return
		}
		p.onWriteSuccess()
		p.finish(nil)
	default:
		p.fail(rpcerrors.IllegalState("httpreq: unexpected element kind"), http2.ErrCodeInternal)
	}
}

func (p *Publisher) OnError(cause error) {
	code := http2.ErrCodeInternal
	if errors.Is(cause, rpcerrors.ErrAbortedStream) {
		code = http2.ErrCodeCancel
	}
	p.fail(cause, code)
}

func (p *Publisher) OnComplete() {
	p.finish(nil)
}

func (p *Publisher) onWriteSuccess() {
	p.cancelTimer()
	p.mu.Lock()
	already := p.firstByte
	p.firstByte = true
	p.mu.Unlock()
	if !already {
		rpclog.L("httpreq").Debug().Msg("first bytes transferred")
	}
}

func (p *Publisher) requestMore() {
	p.mu.Lock()
	sub := p.sub
	p.mu.Unlock()
	if sub != nil {
		sub.Request(1)
	}
}

// failWrite classifies a Channel write failure: a closed session
// fails the call with UnprocessedRequest wrapping ClosedSession,
// anything else resets with INTERNAL_ERROR.
func (p *Publisher) failWrite(err error) {
	if errors.Is(err, rpcerrors.ErrClosedSession) {
		p.fail(rpcerrors.Unprocessed(err), http2.ErrCodeInternal)
		return
	}
	p.fail(err, http2.ErrCodeInternal)
}

func (p *Publisher) fail(cause error, code http2.ErrCode) {
	p.cancelTimer()
	p.state.Store(int32(Done))
	rpclog.L("httpreq").Warn().Err(cause).Msg("request publisher failed")

	p.mu.Lock()
	sub := p.sub
	p.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
	_ = p.channel.ResetStream(code)
	p.finish(cause)
}

func (p *Publisher) finish(cause error) {
	p.state.Store(int32(Done))
	p.doneOnce.Do(func() {
		p.err = cause
		close(p.done)
	})
}

package stream

type options struct {
	pooledObjects      bool
	notifyCancellation bool
}

// Option configures a Stream's delivery semantics.
type Option func(*options)

// WithPooledObjects delivers reference-counted elements as-is,
// transferring ownership to the subscriber instead of the stream
// releasing them on the caller's behalf.
func WithPooledObjects() Option {
	return func(o *options) { o.pooledObjects = true }
}

// WithNotifyCancellation delivers an ErrCancelledSubscription error to
// the subscriber when it cancels, instead of silently stopping.
func WithNotifyCancellation() Option {
	return func(o *options) { o.notifyCancellation = true }
}

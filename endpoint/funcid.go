package endpoint

import "reflect"

// reflectSamePtr returns a comparable identity for a Listener value,
// since func values are not comparable with ==. Used by RemoveListener
// to find a previously registered listener.
func reflectSamePtr(l Listener) uintptr {
	return reflect.ValueOf(l).Pointer()
}

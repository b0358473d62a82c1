package cmp

import (
	"reflect"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Empty and nil slices are treated as equal since a zero length
// payload may decode to either.
var opts = []cmp.Option{
	cmpopts.EquateErrors(),
	cmpopts.EquateEmpty(),
	cmp.Exporter(func(r reflect.Type) bool {
		return true
	}),
}

// Equal checks if v1 and v2 are equal with go-cmp.
func Equal(v1, v2 interface{}) bool {
	return cmp.Equal(v1, v2, opts...)
}

// Diff returns a human readable diff between v1 and v2
func Diff(v1, v2 interface{}) string {
	return cmp.Diff(v1, v2, opts...)
}

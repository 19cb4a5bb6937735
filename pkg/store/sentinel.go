package store

import "fmt"

// Delete is the field-delete sentinel: passing it as a value in Update
// removes the named field (or map key) from the document.
var Delete = deleteSentinel{}

type deleteSentinel struct{}

// ArrayRemove returns a sentinel that removes every element equal to v
// from the named array field.
func ArrayRemove(v any) any { return arrayRemove{value: v} }

type arrayRemove struct{ value any }

// scalarEqual compares two JSON scalar values by their printed form. The
// store only removes scalars (participant ids) from arrays, so this is
// sufficient and avoids type juggling between json.Number and native ints.
func scalarEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

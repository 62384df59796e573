package storage

// ErrNotFound is returned when a record doesn't exist in the store.
type ErrNotFound struct {
	Kind string
	Key  string
}

func (e ErrNotFound) Error() string {
	if e.Kind == "" {
		return "record not found"
	}

	if e.Key == "" {
		return e.Kind + " not found"
	}

	return e.Kind + " not found: " + e.Key
}

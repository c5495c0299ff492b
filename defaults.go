package nanasqlite

// coalesce resolves an option against its default: a zero-valued v
// means "unset" and yields def.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// Package converters holds optional converters for common host value and
// object families. Install registers all of them on a serializer, generic
// converters first so the narrower ones take precedence.
package converters

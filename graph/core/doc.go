// Package core serializes arbitrary Go object graphs to JSON and back.
//
// Objects reached through pointers keep their identity: the first occurrence
// is written with an "$id" and later occurrences as {"$ref": id}, so shared
// and cyclic structures survive a round trip. Values stored in interface
// typed locations carry a "$type" discriminator resolved through a
// TypeBinder. Non-object values that need one are wrapped as
// {"$type": name, "$value": v}.
//
// Conversion is pluggable. A Registry holds Converters, the most recently
// registered converter claiming a type wins, and built-in converters cover
// primitives, self-marshaling types, slices, arrays, maps and structs.
package core

// Package monotonic provides the hopwire time base: a per-process monotonic
// millisecond clock with a mutable peer offset, and deadline helpers that are
// immune to wall clock jumps. Everything that decides "which port window are
// we in" reads adjusted time from Clock.NowMillis; everything that decides
// "has this request timed out" reads raw time from Clock.ElapsedMillis.
package monotonic

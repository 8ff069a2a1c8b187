// Package dedupe remembers recently seen keys so that an event delivered more
// than once, for example by a retrying resolver, is handed to sinks only once.
package dedupe

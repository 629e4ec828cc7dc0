// Package ir holds the value and record types shared by every other package
// of mibody: process variable values, multi-instance definitions, command
// log entries and trace records.
//
// ir imports nothing internal. Constraints that hold everywhere:
//   - integral numbers are int64 (IRInt), others IRFloat, never both
//   - JSON tags use snake_case
//   - ordering comes from logical clocks (seq), never wall-clock time
//   - ids are content-addressed over RFC 8785 canonical JSON
package ir

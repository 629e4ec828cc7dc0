// Package multiinstance is the execution core of a BPMN multi-instance
// activity: the body controller state machine, the parallel and sequential
// fan-out/fan-in strategies, the termination cascade and output
// aggregation.
//
// The Controller is a pure transition function. Every operation takes the
// current *Body and an event and returns a new *Body plus the effects the
// caller must apply (activate or terminate a child, write a variable,
// schedule another fan-out batch). The input body is never modified, so a
// failed operation leaves state untouched and the caller can retry the
// event later. The controller performs no I/O, no logging and no retries;
// it reads variables only from the snapshots it is handed.
//
// Bodies are addressed by key and own their children as an index-addressed
// slice. Children refer to their body only by key.
package multiinstance

// Package model defines the records a scan produces.
//
// A RunReport describes one invocation of the scan command. It holds a
// ModuleRun per module, and each ModuleRun holds the ProbeRecords of the
// exits that were probed. The types are shared by the runner, the result
// database and the report writers, and they serialize to JSON as-is.
package model

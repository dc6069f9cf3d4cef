package types

import "time"

// LatencySummary summarizes execution times of successful tasks.
type LatencySummary struct {
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// SchedulerStatus is a point-in-time view of the master.
type SchedulerStatus struct {
	State      string                 `json:"state"`
	Queued     int                    `json:"queued"`
	InFlight   int                    `json:"in_flight"`
	Draining   int                    `json:"draining"`
	Succeeded  int                    `json:"succeeded"`
	Failed     int                    `json:"failed"`
	Pending    int                    `json:"pending"`
	Workers    map[WorkerState]int    `json:"workers"`
	Backends   map[BackendKind]int    `json:"backends"`
	Submitted  int64                  `json:"submitted"`
	Dispatched int64                  `json:"dispatched"`
	Retried    int64                  `json:"retried"`
	Execution  LatencySummary         `json:"execution"`
}

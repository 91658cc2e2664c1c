// Package slots models typed resource quantities (cpu, mem, accelerator
// devices) as int64 milli-unit multisets with schema-aware parsing and
// formatting. All capacity arithmetic in Hive (agent occupancy, session
// requests, policy limits) goes through this package.
package slots

// Package internal holds the building blocks of the ostrom integration.
//
// # Architecture
//
// The service is structured into several key packages:
//   - ostrom: typed client for the upstream provider API
//   - auth: client-credentials token source shared by all calls
//   - ratelimit: fixed-window budget for every outbound call
//   - pricing: the hourly price series and its windowing/ranking math
//   - meter: cumulative consumption backfill and hourly top-ups
//   - triggers: the closed catalogue of price predicates
//   - device: one session per contract, hourly refresh with jitter
//   - store: persisted per-device meter state
//   - server: state, catalogue and metrics endpoints for the host
//
// Key Features
//
//   - Historical Data:
//     First activation backfills consumption from contract start,
//     chunked into at most one year per call.
//
//   - Price Analytics:
//     Windowing, ranking and time-of-day filtering over today's
//     hourly spot prices, with memoized min/max/average.
//
//   - Resilience:
//     Cycle failures are logged and the next cycle is scheduled
//     regardless; the upstream budget is shared process-wide.
//
// For more information about specific packages, see their respective
// documentation.
package internal

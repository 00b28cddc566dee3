// Package app composes the moment platform from its domain services.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Domain models (pure data, tier rules, coin amounts)
//	├── services/           # Business logic per aggregate
//	│   ├── moments/        # Moment creation, publication and admin transitions
//	│   ├── claims/         # Claims, consumption and no-show handling
//	│   ├── proofs/         # Proof submission and moderation decisions
//	│   ├── escrow/         # Tiered gifts, escrow holds and resolution
//	│   ├── chat/           # Unlock gate, messages and the live hub
//	│   ├── ledger/         # Coin balances and the append-only ledger
//	│   ├── audit/          # Audit trail and recorded decisions
//	│   ├── signals/        # Suspicion intake and the AI scanner
//	│   ├── notify/         # Outbound notification dispatch
//	│   └── sweeper/        # Scheduled expiry and escrow sweeps
//	├── storage/            # Store interfaces plus memory/ and sqlstore/
//	├── policy/             # Thresholds and tier limits
//	├── idempotency/        # Idempotency-Key replay (memory or Redis)
//	├── metrics/            # Prometheus collectors
//	├── system/             # Lifecycle manager and service descriptors
//	├── httpapi/            # HTTP and websocket surface
//	└── runtime/            # Process assembly from configuration
//
// Every state change runs inside a single storage transaction together with
// its audit entry. Read paths use Store.View.
//
// # Dependency Direction
//
//	cmd/momentd
//	      │
//	      ▼
//	internal/app/runtime ──► internal/app/httpapi
//	      │
//	      ▼
//	internal/app (composition)
//	      │
//	      ├──► services/* ──► domain/*, policy
//	      │
//	      └──► storage (memory, sqlstore) ──► internal/platform/migrations
package app

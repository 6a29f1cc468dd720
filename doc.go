// Package marketsync synchronizes purchased assets of a federated data
// marketplace into the local factory.
//
// A marketplace is a federation of independently deployed factories. When a
// consumer buys an asset, marketsync copies it from the provider factory into
// local storage, keeps it up to date for the length of a subscription, and for
// live Kafka streams mirrors the provider topic into the local cluster until
// the contract ends.
//
// # Architecture
//
// The module is split into four components:
//
//  1. Offset Store (internal/offset): one SyncState row per synchronized
//     asset recording how many rows have been committed locally. Backed by
//     PostgreSQL (pgx) or SQLite.
//
//  2. Batch Transfer Engine (internal/transfer): pulls a table-shaped asset
//     from the provider in bounded batches, appends every batch to local
//     storage and only then advances the offset, so an interrupted transfer
//     resumes without skipping or duplicating rows. File-shaped assets are a
//     single fetch-and-store.
//
//  3. Job Orchestrator (internal/jobs): a Redis-backed durable queue with
//     per-job retry budgets, cron-driven recurring transfers that expire with
//     the contract, and delayed connector teardowns. Terminal transitions
//     touch or delete the SyncState and notify the consumer.
//
//  4. Streaming Connector Manager (internal/streaming): creates and deletes
//     the Strimzi topic, SCRAM user and MirrorMaker 2 connector that mirror a
//     live stream, all named deterministically from the asset id.
//
// Remote collaborators (factory registry, metadata repository, provider data
// API, local storage, notifications) are reached through the interfaces in
// internal/federation, with HTTP implementations built on pkg/clients.
//
// # Quick Start
//
// Run a worker:
//
//	marketsync worker --config marketsync.yaml
//
// Queue a daily subscription:
//
//	marketsync sync start --asset urn:asset:42 --provider acme \
//	    --subscription --frequency daily --contract-end 2025-12-31T00:00:00Z
//
// Mirror a live stream:
//
//	marketsync stream provision --asset urn:asset:7 \
//	    --source-alias acme --source-bootstrap acme-kafka:9092 --source-topic orders \
//	    --source-user kuser-acme --source-secret kuser-acme-credentials \
//	    --target-alias local --target-bootstrap local-kafka:9092
//
// # Configuration
//
// Configuration is read from an optional YAML file and MARKETSYNC_* environment
// variables; see pkg/config. `marketsync config show` prints the effective
// values.
//
// # Observability
//
// Logs are structured zap JSON carrying asset and job ids. Prometheus metrics
// are served on /metrics when enabled, and OpenTelemetry spans cover transfers,
// job runs and stream provisioning.
package marketsync

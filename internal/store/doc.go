// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// SQLiteStore implements the Store interface in a single struct. Consumers
// depend on narrower interfaces (TenantStore, UserStore, or interfaces they
// declare themselves) so engines can be tested against a real temporary
// database without dragging in unrelated methods.
//
// # Data Models
//
//   - Tenant: a hosted bot instance with its own credential, plan and user cap
//   - User: global identity with device verification state and account ban flag
//   - Member: per-tenant admission progress (challenge, subscription)
//   - SecretToken: single-use device verification token
//   - IPBan, Attempt: IP throttling state
//   - Fingerprint: append-only device history
//   - Setting: runtime override of a protection setting
//
// # Time
//
// Timestamps are stored as RFC3339 UTC text with second precision so that
// string comparison orders them. Every method that depends on "now" takes it
// as a parameter; the store never reads the wall clock.
//
// # SQLite Configuration
//
// Pragmas are set through the DSN so every pooled connection gets them:
//
//	foreign_keys(1), busy_timeout(5000), journal_mode(WAL)
//
// Deleting a tenant removes its member rows in the same transaction.
//
// # Credentials
//
// With WithCredentialKey, tenant credentials are sealed with NaCl secretbox
// before they reach disk. Rows written without a key stay readable.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateTenant: the bot account is already hosted
//
// # Testing
//
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for tests.
package store

// Package sqlschema applies table and view definitions to a SQLite
// database.
//
// Tables are rendered from their columns, primary key and foreign keys;
// views from their query. Existence is read from sqlite_master. Tables
// holding data cannot be altered: Alter always fails with
// artifact.ErrUnsupportedOperation, and the engine recreates empty tables
// instead. Every operation acquires its own connection and releases it
// before returning.
package sqlschema

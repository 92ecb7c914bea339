// Package schema embeds the database schema. Every statement is idempotent,
// so the whole file can be applied on each startup.
package schema

import _ "embed"

//go:embed schema.sql
var SQL string

// Package config loads, normalizes, and validates pointsmith configuration.
//
// Settings come from a TOML file layered over repository defaults, with the
// deployment environment variables DATABASE_URL, PORT, JWT_SECRET and
// SCHEMA_DIR taking precedence when set. The kinds table is the single source
// of unit costs and provider routing; the pipeline section lists the ordered
// project steps.
package config

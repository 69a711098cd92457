// Package config loads the configuration of the artisync daemon.
//
// The configuration is a YAML file, artisync.yaml by default, decoded on
// top of Default. It names the registry root, the state store, the SQL
// target, the admission policies and the artifact groups:
//
//	registry:
//	  root: ./registry
//	  predelivered: true
//	store:
//	  path: ./artisync.db
//	target:
//	  dsn: ./app.db
//	policy:
//	  enabled: true
//	  paths: [./policies]
//	  watch: true
//	groups:
//	  - name: persistence
//	    kinds: [table, view]
//	    interval: 5m
//	  - name: extensions
//	    kinds: [extensionpoint, extension, job]
//	    interval: 1m
//	telemetry:
//	  logging:
//	    level: info
//	    format: console
//
// Fields are checked with validator tags; Validate also rejects duplicate
// group names and kinds claimed by two groups. ARTISYNC_LOG_LEVEL and
// ARTISYNC_REGISTRY_ROOT override the file.
package config

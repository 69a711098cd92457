// Package source reads artifact definitions from their two sources: the
// predelivered bundle embedded in the binary and the mutable on-disk
// registry.
//
// Definitions are YAML documents whose file extension selects the artifact
// kind (.table, .view, .listener, .odata, .extensionpoint, .extension,
// .job). Each document is decoded into the typed body of its kind, checked
// for required fields with struct tags and validated against the kind's CUE
// schema. The content hash is computed over the canonical form of that body,
// so reformatting a document does not make it look modified.
//
// Example table definition:
//
//	name: orders
//	columns:
//	  - name: id
//	    type: INTEGER
//	    primaryKey: true
//	  - name: customer_id
//	    type: INTEGER
//	foreignKeys:
//	  - columns: [customer_id]
//	    references:
//	      table: customers
//	      columns: [id]
package source

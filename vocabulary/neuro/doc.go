// Package neuro provides the vocabulary used by morphology annotations.
//
// It holds two kinds of terms:
//   - IRIs written into knowledge-graph payloads (neuroshapes classes, the
//     curation states, check metric IRIs, Allen structure references)
//   - dotted predicates used when annotations are mirrored as triples on the
//     graph ingest stream, registered with semstreams in init()
package neuro

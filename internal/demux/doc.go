// Package demux turns ISO-BMFF bytes held by an ingest arena into per-track
// sample tables and a player-facing [media.MediaInfo].
//
// A [Parser] walks the box tree incrementally: its [ParseState] records the
// cursor, the stack of open containers and how many bytes the next step
// needs, so parsing resumes exactly where it stopped when more bytes
// arrive. The [Demuxer] drives the parser, builds progressive sample tables
// from moov, folds movie fragments into the same tables, pins sample bytes
// in the arena and announces readiness milestones.
package demux

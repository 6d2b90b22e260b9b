// Package layout implements Bittern's on-media format: the dual-superblock
// header, the fixed-size per-block metadata slot array, and crash-consistent
// restore (spec §3, §4.2, §6 "On-media format").
//
// Layout on the cache device, in order: superblock A, superblock B, the
// metadata slot array (N entries, 64 bytes each), the data area (N * 4 KiB
// pages). Header writes alternate between A and B so that a torn header
// write never destroys both copies; the most recently written valid header
// wins at restore. Each metadata slot carries its own checksum
// (hash_metadata) separate from the content hash of the page it describes
// (hash_data), so a torn slot write is detectable and rolled back to
// invalid without touching the rest of the array.
package layout

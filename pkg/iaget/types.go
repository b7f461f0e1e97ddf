// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import "time"

// FileRecord describes one file belonging to an Internet Archive item,
// as parsed from the item's metadata.
type FileRecord struct {
	// Name is the path of the file relative to the item's Dir. It may
	// contain "/" for files nested under a subdirectory.
	Name string `json:"name"`

	// Size is the file's size in bytes. Absent (nil) for some derived
	// files the archive has not finished generating.
	Size *int64 `json:"size,omitempty"`

	// Format is the archive's category tag for the file, e.g. "JPEG",
	// "Metadata", "Archive BitTorrent". May be empty.
	Format string `json:"format,omitempty"`

	// MTime is the file's modification time, seconds since the Unix
	// epoch. Absent for files the archive does not report a time for.
	MTime *int64 `json:"mtime,omitempty"`

	// MD5, SHA1, and CRC32 are hex-encoded digests supplied by the
	// archive. Any may be empty when the archive has not computed it.
	MD5   string `json:"md5,omitempty"`
	SHA1  string `json:"sha1,omitempty"`
	CRC32 string `json:"crc32,omitempty"`
}

// ItemDescriptor is the normalised result of fetching and parsing an
// Internet Archive item's metadata.
type ItemDescriptor struct {
	// Identifier is the opaque token naming the item.
	Identifier string `json:"identifier"`

	// Dir is the server-relative directory prefix for this item's
	// files. Begins with "/".
	Dir string `json:"dir"`

	// PrimaryServer is the preferred host serving this item's files.
	PrimaryServer string `json:"primary_server"`

	// AlternateServers lists additional hosts able to serve the same
	// files, in the order the archive reported them.
	AlternateServers []string `json:"alternate_servers,omitempty"`

	// Files is the ordered list of file records belonging to the item.
	Files []FileRecord `json:"files"`

	// TotalSize is the sum of all known file sizes. Informational only;
	// the engine does not rely on it being accurate.
	TotalSize int64 `json:"total_size"`
}

// Servers returns the primary server followed by the alternates, the
// order a mirror cursor should walk them in.
func (d *ItemDescriptor) Servers() []string {
	out := make([]string, 0, 1+len(d.AlternateServers))
	if d.PrimaryServer != "" {
		out = append(out, d.PrimaryServer)
	}
	out = append(out, d.AlternateServers...)
	return out
}

// PlanOptions configures which of an item's files end up in a Plan.
type PlanOptions struct {
	// Include, if non-empty, requires a file's format or extension to
	// match one of these entries (case-insensitive).
	Include []string

	// Exclude, if non-empty, rejects a file whose format or extension
	// matches one of these entries (case-insensitive), applied after
	// Include.
	Exclude []string

	// MinSize and MaxSize bound a file's declared size, inclusive. Nil
	// means unbounded on that side. A file with unknown size always
	// passes this check.
	MinSize *int64
	MaxSize *int64
}

// EngineOptions are the run-level knobs that accompany a Plan.
type EngineOptions struct {
	// ConcurrencyLimit bounds how many files download at once. Clamped
	// to [1, 16].
	ConcurrencyLimit int

	// VerifyMD5 requests MD5 verification after each download when the
	// file record carries an MD5 digest.
	VerifyMD5 bool

	// ChecksumPreference lists additional digest kinds ("sha1", "crc32")
	// the engine may fall back to when MD5 is unavailable or not
	// requested. Order is the fallback preference.
	ChecksumPreference []string

	// PreserveMTime requests the downloaded file's modification time be
	// set from the file record's MTime, best-effort.
	PreserveMTime bool

	// EnableDecompression requests post-download decompression for
	// files whose compression format tag is in DecompressFormats.
	EnableDecompression bool

	// DecompressFormats is the set of compression-format tags (gzip,
	// bzip2, xz, zip, tar, tar.gz, tar.bz2, tar.xz) eligible for
	// decompression.
	DecompressFormats map[string]bool

	// MaxRetries bounds attempt-level retries per file. Clamped to
	// [0, 20]; zero means no retries. DefaultEngineOptions sets 3.
	MaxRetries int
}

// DefaultEngineOptions returns EngineOptions with sensible defaults
// filled in.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		ConcurrencyLimit: 4,
		VerifyMD5:        true,
		MaxRetries:       3,
	}
}

// Plan is the filtered, ordered subset of an item's files plus the
// run-level options that accompany it. Dir/PrimaryServer/
// AlternateServers are carried forward from the source ItemDescriptor
// so the engine can build each file's remote URL from the plan alone,
// without a second look at the descriptor.
type Plan struct {
	Identifier       string       `json:"identifier"`
	Dir              string       `json:"dir"`
	PrimaryServer    string       `json:"primary_server"`
	AlternateServers []string     `json:"alternate_servers,omitempty"`
	OutputRoot       string       `json:"output_root"`
	Files            []FileRecord `json:"files"`
	EngineOptions
}

// Servers returns the primary server followed by the alternates.
func (p *Plan) Servers() []string {
	out := make([]string, 0, 1+len(p.AlternateServers))
	if p.PrimaryServer != "" {
		out = append(out, p.PrimaryServer)
	}
	out = append(out, p.AlternateServers...)
	return out
}

// FileState is a per-file download state.
type FileState string

const (
	StatePending    FileState = "Pending"
	StateInProgress FileState = "InProgress"
	StateCompleted  FileState = "Completed"
	StateFailed     FileState = "Failed"
	StatePaused     FileState = "Paused"
	StateSkipped    FileState = "Skipped"
)

// Terminal reports whether no further transitions leave this state.
func (s FileState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateSkipped:
		return true
	default:
		return false
	}
}

// FileStatus is the mutable per-file record the session tracks.
type FileStatus struct {
	State       FileState `json:"state"`
	BytesOnDisk int64     `json:"bytes_on_disk"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	ServerUsed  string    `json:"server_used,omitempty"`
	LocalPath   string    `json:"local_path"`
}

// Result summarises one Engine.Run invocation.
type Result struct {
	Completed int
	Failed    int
	Skipped   int
	Paused    int
	Bytes     int64
	StartedAt time.Time
	EndedAt   time.Time

	// Fatal is set when the engine aborted the whole session (disk
	// exhaustion, unwritable output root, session persist failure)
	// rather than merely failing individual files.
	Fatal error
}

// Ok reports whether the run is considered successful: any file
// completed (or zero files ever failed) and no fatal engine-wide
// error fired.
func (r *Result) Ok() bool {
	if r.Fatal != nil {
		return false
	}
	if r.Failed == 0 {
		return true
	}
	return r.Completed > 0
}

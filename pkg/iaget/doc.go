// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package iaget is a Go library for bulk-downloading files from Internet
Archive items: it resolves an archive identifier to the item's metadata,
filters the file list by format and size, then downloads the surviving
files with resume, mirror failover, and MD5/SHA1/CRC32 verification.

# Quick start

	desc, err := iaget.FetchDescriptor(ctx, "nasa-images-1969", iaget.NewTransport(iaget.DefaultTransportConfig()))
	if err != nil {
		log.Fatal(err)
	}

	plan, err := iaget.BuildPlan(desc, iaget.PlanOptions{Include: []string{"jpg", "png"}}, "./Downloads", iaget.DefaultEngineOptions())
	if err != nil {
		log.Fatal(err)
	}

	sess, err := iaget.OpenOrCreate(desc.Identifier, "./Downloads", desc, plan)
	if err != nil {
		log.Fatal(err)
	}
	defer sess.Close()

	eng := iaget.NewEngine(iaget.NewTransport(iaget.DefaultTransportConfig()))
	result, err := eng.Run(ctx, plan, sess, iaget.ObserverFunc(func(e iaget.Event) {
		fmt.Printf("%s %s\n", e.Kind, e.Name)
	}))

# Resume

Every run opens or creates a session document under
"<output_root>/.ia-get-sessions/". A file already complete on disk is
skipped after a size (and, if requested, MD5) check; a partial file is
resumed with a Range request from its current length. No additional
flags are required — resume is always on, the way the session store
says it should be.

# Filtering

PlanOptions.Include and PlanOptions.Exclude match a file's declared
format tag or its filename extension, case-insensitively. MinSize and
MaxSize bound the file's declared size; files with an unknown size pass
the size check unconditionally.

# Verification

Plan.VerifyMD5 recomputes the MD5 of the downloaded file and compares it
to the archive-supplied digest. When Plan.ChecksumPreference lists
"sha1" or "crc32" and MD5 is unavailable, those digests are used
instead: the first kind in that list that the file record carries is
checked.

# Decompression

When Plan.EnableDecompression is set and a file's compression format
(declared or inferred from its suffix) is present in
Plan.DecompressFormats, the engine decompresses the file to a sibling
path after a successful, verified download. Decompression failure is
reported through the observer but does not revert the file's Completed
state.

# Progress

Callers provide an Observer (or wrap a func(Event) with ObserverFunc).
Events are queued on a bounded channel and delivered by a dedicated
goroutine. When the channel is full, a new Bytes event is dropped
rather than waiting; events already queued are never removed, and
every other event kind waits for room in the channel, so a slow
observer can hold up the engine once the buffer is full.
*/
package iaget
